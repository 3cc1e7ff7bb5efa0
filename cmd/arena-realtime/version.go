package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parkerjbeard/LogicArena-sub000/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "arena-realtime", version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
