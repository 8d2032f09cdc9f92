package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

var (
	invitesJSON       bool
	invitesSendMode   string
	invitesTournament int64
	invitesAll        bool
)

func init() {
	rootCmd.AddCommand(invitesCmd)
	invitesCmd.AddCommand(invitesListCmd, invitesSendCmd, invitesAcceptCmd, invitesRejectCmd)
	invitesCmd.PersistentFlags().BoolVar(&invitesJSON, "json", false, "Output raw JSON")

	invitesListCmd.Flags().BoolVar(&invitesAll, "all", false, "Include accepted and rejected invites")

	invitesSendCmd.Flags().StringVar(&invitesSendMode, "mode", string(transcendence.GameModeOnline), "Game mode: local, online or tournament")
	invitesSendCmd.Flags().Int64Var(&invitesTournament, "tournament", 0, "Tournament id for tournament invites")
}

var invitesCmd = &cobra.Command{
	Use:   "invites",
	Short: "Manage game invites",
}

var invitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List game invites",
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
		invites, err := client.GameInvites(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if !invitesAll {
			invites = pendingInvites(invites)
		}

		if invitesJSON {
			return printJSON(invites)
		}
		fmt.Printf("Game invites (%d):\n", len(invites))
		for _, inv := range invites {
			printInvite(inv)
		}
		return nil
	},
}

var invitesSendCmd = &cobra.Command{
	Use:   "send <username>",
	Short: "Invite a user to a game",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := parseGameMode(invitesSendMode)
		if err != nil {
			return err
		}
		if mode == transcendence.GameModeTournament && invitesTournament == 0 {
			return fmt.Errorf("--tournament is required for tournament invites")
		}
		username := args[0]
		return runAction(invitesJSON, fmt.Sprintf("Invited %s to a %s game", username, mode),
			func(ctx context.Context, s *transcendence.Session) (*transcendence.Reply, error) {
				return s.SendGameInvite(ctx, username, mode, invitesTournament)
			})
	},
}

var invitesAcceptCmd = &cobra.Command{
	Use:   "accept <invite-id>",
	Short: "Accept a game invite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInviteID(args[0])
		if err != nil {
			return err
		}
		return runAction(invitesJSON, fmt.Sprintf("Accepted invite #%d", id),
			func(ctx context.Context, s *transcendence.Session) (*transcendence.Reply, error) {
				return s.AcceptGameInvite(ctx, id)
			})
	},
}

var invitesRejectCmd = &cobra.Command{
	Use:   "reject <invite-id>",
	Short: "Reject a game invite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseInviteID(args[0])
		if err != nil {
			return err
		}
		return runAction(invitesJSON, fmt.Sprintf("Rejected invite #%d", id),
			func(ctx context.Context, s *transcendence.Session) (*transcendence.Reply, error) {
				return s.RejectGameInvite(ctx, id)
			})
	},
}

func parseGameMode(s string) (transcendence.GameMode, error) {
	switch m := transcendence.GameMode(s); m {
	case transcendence.GameModeLocal, transcendence.GameModeOnline, transcendence.GameModeTournament:
		return m, nil
	}
	return "", fmt.Errorf("unknown game mode %q (valid: local, online, tournament)", s)
}

func parseInviteID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid invite id %q", s)
	}
	return id, nil
}

func pendingInvites(all []transcendence.GameInvite) []transcendence.GameInvite {
	out := all[:0:0]
	for _, inv := range all {
		if inv.Status == transcendence.InvitePending {
			out = append(out, inv)
		}
	}
	return out
}
