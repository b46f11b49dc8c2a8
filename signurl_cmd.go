package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/gcs"
)

func newSignURLCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign-url <object>",
		Short: "Create a time-limited V4 signed URL",
		Long: `Create a V4 signed URL granting unauthenticated access to one object.

Signing uses the service account key when one is configured. With
[auth] signer_email set, the IAM signBlob API signs instead, which works
with metadata-server and token credentials too.`,
		Args: cobra.ExactArgs(1),
		RunE: runSignURL,
	}

	cmd.Flags().StringP("method", "m", http.MethodGet, "HTTP method the URL allows")
	cmd.Flags().DurationP("expires", "d", time.Hour, "validity, at most 168h")
	cmd.Flags().String("access-id", "", "service account to sign as (default: configured signer)")

	return cmd
}

type signedURLJSON struct {
	URL     string `json:"url"`
	Method  string `json:"method"`
	Expires string `json:"expires"`
}

func runSignURL(cmd *cobra.Command, args []string) error {
	ref, err := parseObjectRef(args[0], defaultBucket())
	if err != nil {
		return err
	}

	method, _ := cmd.Flags().GetString("method")
	expires, _ := cmd.Flags().GetDuration("expires")
	accessID, _ := cmd.Flags().GetString("access-id")

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	method = strings.ToUpper(method)

	signed, err := s.storage.SignedURL(cmd.Context(), ref.Bucket, ref.Name, gcs.SignedURLOptions{
		Method:         method,
		Expires:        expires,
		GoogleAccessID: accessID,
	})
	if err != nil {
		return fmt.Errorf("signing %s: %w", ref, err)
	}

	if flagJSON {
		return printJSON(os.Stdout, signedURLJSON{
			URL:     signed.URL,
			Method:  method,
			Expires: signed.Expires.UTC().Format(time.RFC3339),
		})
	}

	fmt.Fprintln(os.Stdout, signed.URL)
	statusf("Expires %s\n", signed.Expires.Local().Format(time.RFC1123))

	return nil
}
