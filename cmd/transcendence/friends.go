package main

import (
	"context"
	"fmt"
	"time"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

var friendsJSON bool

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.PersistentFlags().BoolVar(&friendsJSON, "json", false, "Output raw JSON")

	actions := []struct {
		use, short, done string
		do               func(*transcendence.Session, context.Context, string) (*transcendence.Reply, error)
	}{
		{"add", "Send a friend request", "Friend request sent to %s", (*transcendence.Session).SendFriendRequest},
		{"accept", "Accept a friend request", "You are now friends with %s", (*transcendence.Session).AcceptFriendRequest},
		{"reject", "Reject a friend request", "Rejected the request from %s", (*transcendence.Session).RejectFriendRequest},
		{"cancel", "Cancel a friend request you sent", "Cancelled the request to %s", (*transcendence.Session).CancelFriendRequest},
		{"remove", "Remove a friend", "Removed %s from your friends", (*transcendence.Session).RemoveFriend},
	}
	for _, a := range actions {
		a := a
		friendsCmd.AddCommand(&cobra.Command{
			Use:   a.use + " <username>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				username := args[0]
				return runAction(friendsJSON, fmt.Sprintf(a.done, username),
					func(ctx context.Context, s *transcendence.Session) (*transcendence.Reply, error) {
						return a.do(s, ctx, username)
					})
			},
		})
	}
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friends and friend requests",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List friends and pending requests",
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

		if friendsJSON {
			return printJSON(struct {
				Friends  []string                      `json:"friends"`
				Received []transcendence.FriendRequest `json:"received"`
				Sent     []transcendence.FriendRequest `json:"sent"`
			}{snap.Friends, snap.Requests, snap.SentRequests})
		}

		fmt.Printf("Friends (%d):\n", len(snap.Friends))
		for _, f := range snap.Friends {
			fmt.Printf("  %s\n", f)
		}
		if len(snap.Requests) > 0 {
			fmt.Println("\nWaiting for you:")
			for _, r := range snap.Requests {
				fmt.Printf("  %s\n", r.Peer())
			}
		}
		if len(snap.SentRequests) > 0 {
			fmt.Println("\nSent:")
			for _, r := range snap.SentRequests {
				fmt.Printf("  %s\n", r.Peer())
			}
		}
		return nil
	},
}
