package main

import (
	"context"
	"fmt"
	"strings"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

var tournamentJSON bool

func init() {
	rootCmd.AddCommand(tournamentCmd)
	tournamentCmd.AddCommand(tournamentCreateCmd)
	tournamentCmd.PersistentFlags().BoolVar(&tournamentJSON, "json", false, "Output the raw server reply")
}

var tournamentCmd = &cobra.Command{
	Use:   "tournament",
	Short: "Organize tournaments",
}

var tournamentCreateCmd = &cobra.Command{
	Use:   "create <name> <username>...",
	Short: "Create a tournament and invite players",
	Long:  "Create a tournament and send tournament invites to the listed players.\nExample: transcendence tournament create friday bob carol dave",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, invited := args[0], args[1:]
		return runAction(tournamentJSON,
			fmt.Sprintf("Tournament %q created, invited %s", name, strings.Join(invited, ", ")),
			func(ctx context.Context, s *transcendence.Session) (*transcendence.Reply, error) {
				return s.CreateTournament(ctx, name, invited)
			})
	},
}
