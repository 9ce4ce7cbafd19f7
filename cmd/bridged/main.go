package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "Multi-channel messaging bridge daemon",
		Long:  "bridged connects Telegram, Discord, Slack, Matrix, LINE, and a local web chat to an agent execution engine.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to bridge.toml (default: ./bridge.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridged version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("bridged " + version)
		},
	}
}
