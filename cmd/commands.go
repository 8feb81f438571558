package main

import "github.com/spf13/cobra"

var (
	rootCmd = &cobra.Command{
		Use:           "fifomux",
		Short:         "fifomux multi-channel FIFO transport.",
		Long:          ``,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

func Execute() error {
	return rootCmd.Execute()
}
