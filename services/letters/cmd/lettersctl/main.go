package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd(&globalOptions{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "lettersctl",
		Short:         "Operate the claims letter generation service",
		Long:          "lettersctl inspects and requeues letter generation work, lists rules and\nbrowses generated letters through the letters service admin API.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.bind(root)

	root.AddCommand(
		newQueueCmd(opts),
		newRulesCmd(opts),
		newFilesCmd(opts),
		newDocumentsCmd(opts),
	)
	return root
}
