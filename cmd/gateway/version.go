package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("gateway " + version)
		return nil
	},
}
