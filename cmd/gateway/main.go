// Package main implements the gateway CLI: gateway serve, gateway serve
// --transport=ws, gateway version, gateway health. A cobra rootCmd with
// persistent flags and subcommands registered in init.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Browser automation gateway",
	Long:    "gateway hosts a headless browser behind an MCP tool surface over stdio and WebSocket.",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to gateway YAML config (defaults built in if unset)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
