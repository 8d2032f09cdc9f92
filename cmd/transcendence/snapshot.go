package main

import (
	"context"
	"fmt"
	"time"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

var snapshotJSON bool

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Output raw JSON")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch the social state over REST",
	Long:  "Fetch friends, friend requests and game invites from the REST API without opening the realtime channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRuntimeConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		snap, err := client.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if snapshotJSON {
			return printJSON(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

func printSnapshot(snap *transcendence.Snapshot) {
	fmt.Printf("Friends (%d):\n", len(snap.Friends))
	for _, f := range snap.Friends {
		fmt.Printf("  %s\n", f)
	}

	fmt.Printf("\nFriend requests received (%d):\n", len(snap.Requests))
	for _, r := range snap.Requests {
		fmt.Printf("  #%d from %s\n", r.RequestID, r.FromUsername)
	}

	fmt.Printf("\nFriend requests sent (%d):\n", len(snap.SentRequests))
	for _, r := range snap.SentRequests {
		fmt.Printf("  #%d to %s\n", r.RequestID, r.ToUsername)
	}

	fmt.Printf("\nGame invites (%d):\n", len(snap.Invites))
	for _, inv := range snap.Invites {
		printInvite(inv)
	}
}

func printInvite(inv transcendence.GameInvite) {
	line := fmt.Sprintf("  #%d %s %s %s [%s]", inv.InviteID, inv.Direction, inv.Peer(), inv.GameMode, inv.Status)
	if inv.TournamentID != 0 {
		line += fmt.Sprintf(" tournament=%d", inv.TournamentID)
	}
	if inv.GameID != "" {
		line += " game=" + inv.GameID
	}
	fmt.Println(line)
}
