package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync with the aggregator and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := openNode(cfg, log, nil, true)
			if err != nil {
				return err
			}
			defer n.Close()

			res, err := n.SyncNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if jsonOut {
				return printJSON(res)
			}
			fmt.Printf("Decision:       %s\n", res.Decision)
			if res.Reason != "" {
				fmt.Printf("Reason:         %s\n", res.Reason)
			}
			fmt.Printf("Delta version:  %d\n", res.DeltaVersion)
			fmt.Printf("Server version: %d (%s)\n", res.ServerVersion, res.Status)
			fmt.Printf("Sent:           %d patterns, %d bytes (%d held back)\n", res.PatternsSent, res.BytesSent, res.Trimmed)
			fmt.Printf("Received:       %d upserted, %d removed, %d new items, %d bytes\n",
				res.Upserted, res.Removed, res.NewItems, res.BytesReceived)
			fmt.Printf("Attempts:       %d in %s\n", res.Attempts, res.Duration)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
