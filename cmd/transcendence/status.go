package main

import (
	"context"
	"fmt"
	"time"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and account status",
	Long:  "Display the effective configuration and, when a token is set, live counts from the REST snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntimeConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Server.BaseURL, transcendence.DefaultBaseURL))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Log.Level, "(default)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:  %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Printf("  Token:     %s\n", valueOrDefault(maskToken(cfg.Auth.Token), "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, err := getClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		snap, err := client.Snapshot(ctx)
		if err != nil {
			fmt.Printf("  Error fetching snapshot: %v\n", err)
			return nil
		}

		pendingInvites := 0
		for _, inv := range snap.Invites {
			if inv.Status == transcendence.InvitePending {
				pendingInvites++
			}
		}
		fmt.Printf("  Friends:           %d\n", len(snap.Friends))
		fmt.Printf("  Requests received: %d\n", len(snap.Requests))
		fmt.Printf("  Requests sent:     %d\n", len(snap.SentRequests))
		fmt.Printf("  Pending invites:   %d\n", pendingInvites)
		return nil
	},
}
