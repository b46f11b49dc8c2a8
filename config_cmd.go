package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	if flagJSON {
		// Copy so the live config keeps its token.
		out := *resolvedCfg
		if out.Auth.Token != "" {
			out.Auth.Token = "********"
		}

		return printJSON(os.Stdout, out)
	}

	return config.RenderEffective(resolvedCfg, os.Stdout)
}
