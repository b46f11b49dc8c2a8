package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print an access token for the configured credentials",
		Long: `Print a bearer token for the configured credentials and scopes.

The token is taken from the cache when it is valid for at least another
minute and refreshed otherwise.`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}
}

type tokenJSON struct {
	Subject     string   `json:"subject"`
	Scopes      []string `json:"scopes"`
	AccessToken string   `json:"access_token"`
	Expiry      string   `json:"expiry,omitempty"`
}

func runToken(cmd *cobra.Command, _ []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	tok, err := s.tokens.Token(cmd.Context())
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}

	if !flagJSON {
		fmt.Fprintln(os.Stdout, tok)
		return nil
	}

	out := tokenJSON{
		Subject:     s.tokens.Subject(),
		Scopes:      s.cfg.Auth.Scopes,
		AccessToken: tok,
	}

	if cached := s.tokens.Cached(); cached != nil && !cached.Expiry.IsZero() {
		out.Expiry = cached.Expiry.UTC().Format(time.RFC3339)
	}

	return printJSON(os.Stdout, out)
}
