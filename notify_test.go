package transcendence

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_OrderAndPanicRecovery(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var calls []string
	d.OnChange(func(StateView) { calls = append(calls, "first") })
	d.OnChange(func(StateView) { panic("observer bug") })
	d.OnChange(func(StateView) { calls = append(calls, "third") })

	d.publish(StateView{Friends: []string{"bob"}}, Outcome{Changed: true})
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestDispatcher_NoChangeNoEvent(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	changes := 0
	d.OnChange(func(StateView) { changes++ })

	d.publish(StateView{}, Outcome{})
	assert.Equal(t, 0, changes)
}

func TestDispatcher_GenericHandlers(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	var got []string
	d.On(MsgTournamentMatchStart, func(env Envelope) { got = append(got, env.Str("game_id")) })

	d.emitMessage(mustEnvelope(t, `{"type":"tournament_match_start","game_id":"m1"}`))
	d.emitMessage(mustEnvelope(t, `{"type":"tournament_waiting"}`))
	assert.Equal(t, []string{"m1"}, got)
}

func TestStore_PublishesOnePerChange(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	m := NewMetrics(prometheus.NewRegistry())
	s := NewStore(func() string { return "alice" }, d, m, zerolog.Nop())

	var views []StateView
	var games []GameStart
	d.OnChange(func(v StateView) { views = append(views, v) })
	d.OnEnterGame(func(g GameStart) { games = append(games, g) })

	s.Apply(mustEnvelope(t, `{"type":"new_game_invite_notification","invite_id":3,"from_username":"bob","game_mode":"online"}`))
	s.Apply(mustEnvelope(t, `{"type":"new_game_invite_notification","invite_id":3,"from_username":"bob","game_mode":"online"}`))
	s.Apply(mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":3,"game_id":"g7"}`))
	s.Apply(mustEnvelope(t, `{"type":"matchmaking_update"}`))

	require.Len(t, views, 2)
	assert.Len(t, views[0].Invites, 1)
	require.Len(t, games, 1)
	assert.Equal(t, "g7", games[0].GameID)
	assert.Equal(t, "bob", games[0].Opponent)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesApplied.WithLabelValues(MsgNewGameInviteNotification)))

	s.Reset()
	require.Len(t, views, 3)
	assert.Empty(t, views[2].Invites)
}

func TestStore_ReplaysMessagesOverSnapshot(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	s := NewStore(func() string { return "alice" }, d, nil, zerolog.Nop())

	var notices []Notice
	d.OnNotice(func(n Notice) { notices = append(notices, n) })

	s.Apply(mustEnvelope(t, `{"type":"new_friend_request_notification","from_username":"zed","request_id":1}`))

	mark := s.BeginSnapshot()
	s.Apply(mustEnvelope(t, `{"type":"new_friend_request_notification","from_username":"bob","request_id":5}`))
	s.Apply(mustEnvelope(t, `{"type":"friend_request_accepted_notification","friend_username":"carol"}`))

	// The snapshot predates the two messages above.
	s.ApplySnapshotSince(&Snapshot{
		Requests: []FriendRequest{{RequestID: 1, FromUsername: "zed"}},
	}, mark)

	v := s.View()
	require.Len(t, v.PendingReceived, 2)
	assert.Equal(t, "bob", v.PendingReceived[0].Peer())
	assert.True(t, v.HasFriend("carol"))
	assert.Len(t, notices, 2, "replayed messages must not notify again")

	// The journal is released with the last mark.
	s.Apply(mustEnvelope(t, `{"type":"friend_removed_notification","friend_username":"carol"}`))
	s.ApplySnapshot(&Snapshot{})
	assert.Empty(t, s.View().Friends)
	assert.Empty(t, s.View().PendingReceived)
}

func TestStore_EndSnapshotReleasesMark(t *testing.T) {
	s := NewStore(func() string { return "alice" }, NewDispatcher(zerolog.Nop()), nil, zerolog.Nop())
	s.BeginSnapshot()
	s.Apply(mustEnvelope(t, `{"type":"friend_request_sent","friend_username":"bob"}`))
	s.EndSnapshot()

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Zero(t, s.marks)
	assert.Empty(t, s.journal)
}

func TestMetrics_RecordState(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordState(StateBackoff)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues(string(StateBackoff))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues(string(StateOpen))))

	m.RecordState(StateOpen)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues(string(StateBackoff))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues(string(StateOpen))))
}
