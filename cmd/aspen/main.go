package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "aspen",
		Short:         "Entity resolution pipeline service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), migrateCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pipeline run request consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.migrate(cmd.Context())
		},
	}
}

func runCmd() *cobra.Command {
	var definitionPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run from a definition file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return a.runOnce(cmd.Context(), definitionPath)
		},
	}

	cmd.Flags().StringVarP(&definitionPath, "file", "f", "", "path to the run definition YAML")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
