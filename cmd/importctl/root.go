package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "importctl",
	Short: "CLI for the listing import service",
	Long: `importctl submits listing imports, drives them to completion and manages
recurring schedules through the import service HTTP API.`,
	SilenceUsage: true,
}

func init() {
	defaultServer := "http://localhost:8080"
	if env := os.Getenv("IMPORT_SERVER"); env != "" {
		defaultServer = env
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Import service URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(scheduleCmd)
}
