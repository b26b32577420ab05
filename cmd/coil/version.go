package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"coil/internal/version"
)

var (
	versionShowHash bool
	versionShowDate bool
)

func init() {
	versionCmd.Flags().BoolVar(&versionShowHash, "hash", false, "include git commit hash")
	versionCmd.Flags().BoolVar(&versionShowDate, "date", false, "include build timestamp")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show coil build fingerprints",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("coil %s\n", version.Version)
		if versionShowHash && version.GitCommit != "" {
			fmt.Printf("commit: %s\n", version.GitCommit)
		}
		if versionShowDate && version.BuildDate != "" {
			fmt.Printf("built:  %s\n", version.BuildDate)
		}
		return nil
	},
}
