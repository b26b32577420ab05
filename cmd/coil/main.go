package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"coil/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "coil",
	Short: "Cooperative task kernel toolkit",
	Long:  `coil drives cooperative tasks on a single-threaded kernel; this CLI bundles a demo echo server and a monitor viewer.`,
}

func main() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")

	cobra.OnInitialize(func() {
		switch mode, _ := rootCmd.PersistentFlags().GetString("color"); mode {
		case "on":
			color.NoColor = false
		case "off":
			color.NoColor = true
		default:
			color.NoColor = !isTerminal(os.Stdout)
		}
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
