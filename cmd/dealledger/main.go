package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "dealledger.yaml"

var exitFn = os.Exit

func main() {
	exitFn(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type rootFlags struct {
	configPath string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "dealledger",
		Short:         "Deal authority ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", envOrDefault("DEALLEDGER_CONFIG", defaultConfigPath), "path to dealledger config file")

	root.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newVerifyCmd(flags),
		newCheckpointCmd(flags),
		newExportCmd(flags),
		newPolicyCmd(),
		newTokenCmd(flags),
	)
	return root
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
