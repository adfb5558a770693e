package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version 在构建时通过 -ldflags "-X main.Version=..." 注入。
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the carina version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "carina version:", Version)
		},
	}
}
