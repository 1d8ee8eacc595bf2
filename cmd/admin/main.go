package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	dataDir string
	backend string
	asJSON  bool
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "colony-admin",
		Short:         "Inspect persisted colony governance state",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `colony-admin reads the state, audit log and resolution index that the
server writes under its data directory. It never modifies them; stop the
server first if you need a consistent view of the state records.`,
	}
	root.PersistentFlags().StringVar(&opts.dataDir, "data", "./data", "runtime data directory")
	root.PersistentFlags().StringVar(&opts.backend, "backend", "file", "state backend: file or sqlite")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON instead of a table")

	root.AddCommand(institutionsCmd(opts))
	root.AddCommand(referendaCmd(opts))
	root.AddCommand(hallCmd(opts))
	root.AddCommand(accountsCmd(opts))
	root.AddCommand(auditCmd(opts))
	root.AddCommand(resolutionsCmd(opts))
	return root
}
