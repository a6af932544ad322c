package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bifrost-registry/bifrost/pkg/client"
)

var (
	serverURL  string
	outputFmt  string
	timeout    time.Duration
	maxRetries uint64
)

var rootCmd = &cobra.Command{
	Use:   "bifrostctl",
	Short: "CLI for the bifrost package registry",
	Long: `bifrostctl queries and publishes packages on a bifrost registry.

Read commands retry transient server errors. Uploads are sent once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFmt {
		case "table", "json", "yaml":
			return nil
		}
		return fmt.Errorf("unsupported output format: %s (use table, json or yaml)", outputFmt)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Registry server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall timeout of a command")
	rootCmd.PersistentFlags().Uint64Var(&maxRetries, "retries", 3, "Retries of failed read requests")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(healthCmd)
}

func newClient() *client.Client {
	return client.New(serverURL,
		client.WithUserAgent("bifrostctl/1.0"),
		client.WithMaxRetries(maxRetries),
	)
}
