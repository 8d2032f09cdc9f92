package transcendence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T, raw string) Envelope {
	t.Helper()
	env, err := ParseEnvelope([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestReconcile_SnapshotThenAccepted(t *testing.T) {
	st := NewState()

	Reconcile(st, mustEnvelope(t, `{"type":"pending_friend_requests","requests":[{"request_id":1,"from_username":"bob"}]}`), "alice")
	v := st.View()
	require.Len(t, v.PendingReceived, 1)
	assert.Equal(t, "bob", v.PendingReceived[0].FromUsername)
	assert.Equal(t, int64(1), v.PendingReceived[0].RequestID)

	out := Reconcile(st, mustEnvelope(t, `{"type":"friend_request_accepted","friend_username":"bob"}`), "alice")
	assert.True(t, out.Changed)
	v = st.View()
	assert.Empty(t, v.PendingReceived)
	assert.Equal(t, []string{"bob"}, v.Friends)
}

func TestReconcile_Idempotent(t *testing.T) {
	events := map[string][]string{
		"friend request sent": {
			`{"type":"friend_request_sent","friend_username":"bob","request_id":3}`,
		},
		"friend request received": {
			`{"type":"new_friend_request_notification","from_username":"carol","request_id":4}`,
		},
		"friend accepted": {
			`{"type":"new_friend_request_notification","from_username":"bob","request_id":4}`,
			`{"type":"friend_request_accepted","friend_username":"bob"}`,
		},
		"friend rejected": {
			`{"type":"friend_request_sent","friend_username":"bob"}`,
			`{"type":"friend_request_rejected_notification","friend_username":"bob"}`,
		},
		"friend removed": {
			`{"type":"friend_request_accepted_notification","friend_username":"bob"}`,
			`{"type":"friend_removed","friend_username":"bob"}`,
		},
		"invite sent": {
			`{"type":"game_invite_sent","invite_id":42,"to_username":"bob","game_mode":"online"}`,
		},
		"invite received": {
			`{"type":"new_game_invite_notification","invite_id":7,"from_username":"bob","game_mode":"local"}`,
		},
		"invite accepted": {
			`{"type":"new_game_invite_notification","invite_id":7,"from_username":"bob","game_mode":"online"}`,
			`{"type":"game_invite_accepted","invite_id":7,"game_id":"g-1","from_username":"bob"}`,
		},
		"invite rejected": {
			`{"type":"game_invite_sent","invite_id":9,"to_username":"bob"}`,
			`{"type":"game_invite_rejected_notification","invite_id":9}`,
		},
		"tournament invite accepted": {
			`{"type":"tournament_created","tournament_id":7,"invited_usernames":["x","y"]}`,
			`{"type":"tournament_invite_accepted","tournament_id":7,"invite_id":1}`,
		},
		"tournament waiting": {
			`{"type":"tournament_created","tournament_id":7}`,
			`{"type":"tournament_waiting","tournament_id":7,"participant_count":3}`,
		},
		"tournament match start": {
			`{"type":"tournament_created","tournament_id":7}`,
			`{"type":"tournament_match_start","tournament_id":7,"player_1":"alice","player_2":"x","game_id":"m1"}`,
		},
	}

	for name, seq := range events {
		t.Run(name, func(t *testing.T) {
			st := NewState()
			for _, raw := range seq {
				Reconcile(st, mustEnvelope(t, raw), "alice")
			}
			once := st.View()

			last := mustEnvelope(t, seq[len(seq)-1])
			out := Reconcile(st, last, "alice")
			assert.Equal(t, once, st.View())
			assert.False(t, out.Changed, "replay should not change state")
			assert.Empty(t, out.Notices)
			assert.Empty(t, out.Games)
		})
	}
}

func TestReconcile_FriendsAndPendingDisjoint(t *testing.T) {
	seq := []string{
		`{"type":"new_friend_request_notification","from_username":"bob","request_id":1}`,
		`{"type":"friend_request_sent","friend_username":"bob"}`,
		`{"type":"friend_request_accepted_notification","friend_username":"bob"}`,
		`{"type":"friend_request_sent","friend_username":"bob"}`,
		`{"type":"friends_list","friends":["bob","carol"]}`,
		`{"type":"pending_friend_requests","requests":[{"request_id":2,"from_username":"carol"}]}`,
		`{"type":"friend_request_cancelled_notification","friend_username":"carol"}`,
		`{"type":"friend_removed_notification","friend_username":"bob"}`,
		`{"type":"new_friend_request_notification","from_username":"bob","request_id":3}`,
	}

	st := NewState()
	for i, raw := range seq {
		Reconcile(st, mustEnvelope(t, raw), "alice")
		v := st.View()
		for _, r := range append(v.PendingSent, v.PendingReceived...) {
			assert.False(t, v.HasFriend(r.Peer()), "step %d: %s is both friend and pending", i, r.Peer())
		}
	}
}

func TestReconcile_FriendRequestNoticeOnlyOnce(t *testing.T) {
	st := NewState()
	raw := `{"type":"new_friend_request_notification","from_username":"bob","request_id":1}`

	out := Reconcile(st, mustEnvelope(t, raw), "alice")
	require.Len(t, out.Notices, 1)
	assert.Equal(t, NoticeFriendRequest, out.Notices[0].Kind)
	assert.Equal(t, "bob", out.Notices[0].Username)

	out = Reconcile(st, mustEnvelope(t, raw), "alice")
	assert.Empty(t, out.Notices)
}

func TestReconcile_InviteAcceptedEntersGameOnce(t *testing.T) {
	st := NewState()
	Reconcile(st, mustEnvelope(t, `{"type":"game_invite_sent","invite_id":5,"to_username":"bob","game_mode":"online"}`), "alice")

	accepted := mustEnvelope(t, `{"type":"game_invite_accepted_notification","invite_id":5,"game_id":"g-9","to_username":"bob"}`)
	out := Reconcile(st, accepted, "alice")
	require.Len(t, out.Games, 1)
	assert.Equal(t, "g-9", out.Games[0].GameID)
	assert.Equal(t, "bob", out.Games[0].Opponent)

	inv, ok := st.View().Invite(5)
	require.True(t, ok)
	assert.Equal(t, InviteAccepted, inv.Status)
	assert.Equal(t, "g-9", inv.GameID)

	out = Reconcile(st, accepted, "alice")
	assert.Empty(t, out.Games)
}

func TestReconcile_TournamentInviteNeverEntersGame(t *testing.T) {
	st := NewState()
	Reconcile(st, mustEnvelope(t, `{"type":"new_game_invite_notification","invite_id":8,"from_username":"bob","game_mode":"tournament","tournament_id":3}`), "alice")
	out := Reconcile(st, mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":8,"from_username":"bob","tournament_id":3}`), "alice")
	assert.True(t, out.Changed)
	assert.Empty(t, out.Games)
}

func TestReconcile_InviteRejectedRemoves(t *testing.T) {
	st := NewState()
	Reconcile(st, mustEnvelope(t, `{"type":"new_game_invite_notification","invite_id":8,"from_username":"bob"}`), "alice")
	Reconcile(st, mustEnvelope(t, `{"type":"game_invite_rejected","invite_id":8}`), "alice")
	_, ok := st.View().Invite(8)
	assert.False(t, ok)
}

func TestReconcile_Tournament(t *testing.T) {
	t.Run("created then invite accepted", func(t *testing.T) {
		st := NewState()
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_created","tournament_id":7,"invited_usernames":["x","y"]}`), "alice")
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_invite_accepted","tournament_id":7,"invite_id":1}`), "alice")

		tour := st.View().Tournament
		require.NotNil(t, tour)
		assert.Equal(t, int64(7), tour.TournamentID)
		assert.Equal(t, 2, tour.ParticipantCount)
		assert.Equal(t, []string{"x", "y"}, tour.InvitedUsernames)
	})

	t.Run("waiting count never decreases", func(t *testing.T) {
		st := NewState()
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_created","tournament_id":7}`), "alice")
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_waiting","tournament_id":7,"participant_count":4}`), "alice")
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_waiting","tournament_id":7,"participant_count":2}`), "alice")

		tour := st.View().Tournament
		require.NotNil(t, tour)
		assert.Equal(t, 4, tour.ParticipantCount)
		assert.Equal(t, PhaseWaiting, tour.Phase)
	})

	t.Run("match start only for players", func(t *testing.T) {
		st := NewState()
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_created","tournament_id":7}`), "alice")

		out := Reconcile(st, mustEnvelope(t, `{"type":"tournament_match_start","tournament_id":7,"player_1":"x","player_2":"y","game_id":"m1"}`), "alice")
		assert.Empty(t, out.Games)

		out = Reconcile(st, mustEnvelope(t, `{"type":"tournament_match_start","tournament_id":7,"player_1":"x","player_2":"alice","game_id":"m2"}`), "alice")
		require.Len(t, out.Games, 1)
		assert.Equal(t, "x", out.Games[0].Opponent)
		assert.Equal(t, GameModeTournament, out.Games[0].Mode)
		assert.Equal(t, PhaseInProgress, st.View().Tournament.Phase)
	})

	t.Run("completed resets", func(t *testing.T) {
		st := NewState()
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_created","tournament_id":7}`), "alice")
		out := Reconcile(st, mustEnvelope(t, `{"type":"tournament_completed","tournament_id":7,"champion":"x"}`), "alice")

		assert.Nil(t, st.View().Tournament)
		require.Len(t, out.Notices, 1)
		assert.Equal(t, NoticeTournamentCompleted, out.Notices[0].Kind)
		assert.Equal(t, "x", out.Notices[0].Username)
	})

	t.Run("error resets", func(t *testing.T) {
		st := NewState()
		Reconcile(st, mustEnvelope(t, `{"type":"tournament_created","tournament_id":7}`), "alice")
		out := Reconcile(st, mustEnvelope(t, `{"type":"tournament_error","tournament_id":7,"error":"not enough players"}`), "alice")

		assert.Nil(t, st.View().Tournament)
		require.Len(t, out.Notices, 1)
		assert.Equal(t, NoticeTournamentError, out.Notices[0].Kind)
		assert.Contains(t, out.Notices[0].Message, "not enough players")
	})
}

func TestReconcile_UnknownAndNoop(t *testing.T) {
	st := NewState()
	out := Reconcile(st, mustEnvelope(t, `{"type":"lobby_update"}`), "alice")
	assert.True(t, out.Unknown)
	assert.False(t, out.Changed)

	out = Reconcile(st, mustEnvelope(t, `{"type":"ping"}`), "alice")
	assert.False(t, out.Unknown)
	assert.False(t, out.Changed)
}

func TestApplySnapshot(t *testing.T) {
	st := NewState()
	Reconcile(st, mustEnvelope(t, `{"type":"friend_request_sent","friend_username":"zed"}`), "alice")

	ApplySnapshot(st, &Snapshot{
		Friends:      []string{"carol"},
		Requests:     []FriendRequest{{RequestID: 1, FromUsername: "bob"}},
		SentRequests: []FriendRequest{{RequestID: 2, ToUsername: "dave"}},
		Invites:      []GameInvite{{InviteID: 4, FromUsername: "bob", GameMode: GameModeOnline}},
	}, "alice")

	v := st.View()
	assert.Equal(t, []string{"carol"}, v.Friends)
	require.Len(t, v.PendingReceived, 1)
	assert.Equal(t, "bob", v.PendingReceived[0].Peer())
	require.Len(t, v.PendingSent, 1)
	assert.Equal(t, "dave", v.PendingSent[0].Peer())
	inv, ok := v.Invite(4)
	require.True(t, ok)
	assert.Equal(t, DirectionReceived, inv.Direction)
	assert.Equal(t, InvitePending, inv.Status)
}

func TestApplySnapshot_KeepsStreamedInvites(t *testing.T) {
	st := NewState()
	Reconcile(st, mustEnvelope(t, `{"type":"game_invite_sent","invite_id":42,"to_username":"alice","game_mode":"online"}`), "me")
	Reconcile(st, mustEnvelope(t, `{"type":"new_game_invite_notification","invite_id":7,"from_username":"bob","game_mode":"online"}`), "me")
	Reconcile(st, mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":7,"game_id":"g7"}`), "me")
	Reconcile(st, mustEnvelope(t, `{"type":"new_game_invite_notification","invite_id":9,"from_username":"carol","game_mode":"local"}`), "me")

	out := ApplySnapshot(st, &Snapshot{
		Invites: []GameInvite{
			{InviteID: 11, FromUsername: "dave", ToUsername: "me", GameMode: GameModeOnline},
			{InviteID: 12, FromUsername: "me", ToUsername: "erin", GameMode: GameModeLocal},
		},
	}, "me")

	v := st.View()
	sent, ok := v.Invite(42)
	require.True(t, ok, "pending sent invite dropped by resync")
	assert.Equal(t, DirectionSent, sent.Direction)

	accepted, ok := v.Invite(7)
	require.True(t, ok, "accepted invite dropped by resync")
	assert.Equal(t, InviteAccepted, accepted.Status)
	assert.Equal(t, "g7", accepted.GameID)

	_, ok = v.Invite(9)
	assert.False(t, ok, "stale received invite should be replaced")

	inv, ok := v.Invite(11)
	require.True(t, ok)
	assert.Equal(t, DirectionReceived, inv.Direction)
	inv, ok = v.Invite(12)
	require.True(t, ok)
	assert.Equal(t, DirectionSent, inv.Direction)
	assert.Equal(t, "erin", inv.Peer())

	require.Len(t, out.Notices, 1)
	assert.Equal(t, int64(11), out.Notices[0].ID)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"friend_username":"bob"}`))
	assert.Error(t, err)
}
