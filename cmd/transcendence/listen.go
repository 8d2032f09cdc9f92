package main

import (
	"encoding/json"
	"fmt"
	"sync"

	transcendence "github.com/adamgdm/ft-transcendence-sub000"
	"github.com/spf13/cobra"
)

var (
	listenJSON  bool
	listenState bool
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print events as JSON lines")
	listenCmd.Flags().BoolVar(&listenState, "state", false, "Print the full state after every change")
}

// listenEvent is one JSON line of listen output.
type listenEvent struct {
	Event  string                   `json:"event"`
	Notice *transcendence.Notice    `json:"notice,omitempty"`
	Game   *transcendence.GameStart `json:"game,omitempty"`
	State  *transcendence.StateView `json:"state,omitempty"`
	Status string                   `json:"status,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and print realtime events",
	Long:  "Open the realtime channel and print notices, game starts and connection changes until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, log, err := getSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := commandContext()
		defer cancel()

		var mu sync.Mutex
		emit := func(ev listenEvent, text string) {
			mu.Lock()
			defer mu.Unlock()
			if listenJSON {
				data, err := json.Marshal(ev)
				if err != nil {
					log.Error().Err(err).Msg("encode event")
					return
				}
				fmt.Println(string(data))
				return
			}
			fmt.Println(text)
		}

		terminal := make(chan error, 1)
		d := s.Dispatcher()
		d.OnNotice(func(n transcendence.Notice) {
			emit(listenEvent{Event: "notice", Notice: &n}, fmt.Sprintf("[%s] %s", n.Kind, n.Message))
		})
		d.OnEnterGame(func(g transcendence.GameStart) {
			text := fmt.Sprintf("[game] %s game %s", g.Mode, g.GameID)
			if g.Opponent != "" {
				text += " vs " + g.Opponent
			}
			emit(listenEvent{Event: "game_start", Game: &g}, text)
		})
		d.OnStatus(func(ev transcendence.StatusEvent) {
			out := listenEvent{Event: "status", Status: string(ev.State)}
			text := "[status] " + string(ev.State)
			if ev.Err != nil {
				out.Error = ev.Err.Error()
				text += ": " + ev.Err.Error()
			}
			emit(out, text)
			if ev.Terminal {
				select {
				case terminal <- ev.Err:
				default:
				}
			}
		})
		if listenState {
			d.OnChange(func(v transcendence.StateView) {
				emit(listenEvent{Event: "state", State: &v},
					fmt.Sprintf("[state] %d friends, %d received, %d sent, %d invites",
						len(v.Friends), len(v.PendingReceived), len(v.PendingSent), len(v.Invites)))
			})
		}

		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-terminal:
			return fmt.Errorf("connection lost: %w", err)
		}
	},
}
