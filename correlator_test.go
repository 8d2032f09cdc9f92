package transcendence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator(clk clock.Clock) *Correlator {
	return NewCorrelator(clk, 10*time.Second, nil, zerolog.Nop())
}

func inviteExpectation(id string) Expectation {
	return Expectation{
		Types:      []string{MsgGameInviteAccepted},
		ErrorTypes: []string{MsgGameInviteError, MsgError},
		Field:      "invite_id",
		Key:        id,
	}
}

func TestCorrelator_MatchesOwnKey(t *testing.T) {
	c := newTestCorrelator(clock.NewMock())
	a := c.Expect(inviteExpectation("1"))
	b := c.Expect(inviteExpectation("2"))

	var wg sync.WaitGroup
	replies := make([]*Reply, 2)
	for i, pc := range []*PendingCall{a, b} {
		wg.Add(1)
		go func(i int, pc *PendingCall) {
			defer wg.Done()
			r, err := pc.Wait(context.Background())
			assert.NoError(t, err)
			replies[i] = r
		}(i, pc)
	}

	// Replies arrive in the opposite order.
	assert.True(t, c.Resolve(mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":2,"game_id":"g2"}`)))
	assert.True(t, c.Resolve(mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":1,"game_id":"g1"}`)))
	wg.Wait()

	require.NotNil(t, replies[0])
	require.NotNil(t, replies[1])
	assert.Equal(t, "g1", replies[0].Str("game_id"))
	assert.Equal(t, "g2", replies[1].Str("game_id"))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_IgnoresUnrelated(t *testing.T) {
	c := newTestCorrelator(clock.NewMock())
	c.Expect(inviteExpectation("1"))

	assert.False(t, c.Resolve(mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":3}`)))
	assert.False(t, c.Resolve(mustEnvelope(t, `{"type":"friend_request_sent","friend_username":"bob"}`)))
	assert.Equal(t, 1, c.Pending())
}

func TestCorrelator_ErrorReplyResolves(t *testing.T) {
	c := newTestCorrelator(clock.NewMock())

	t.Run("keyed", func(t *testing.T) {
		pc := c.Expect(inviteExpectation("5"))
		require.True(t, c.Resolve(mustEnvelope(t, `{"type":"game_invite_error","invite_id":5,"error":"invite expired"}`)))

		r, err := pc.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, r.Failed())
		assert.Equal(t, "invite expired", r.Err.Message)
	})

	t.Run("keyless goes to oldest", func(t *testing.T) {
		first := c.Expect(Expectation{
			Types:      []string{MsgFriendRequestSent},
			ErrorTypes: []string{MsgFriendRequestError, MsgError},
			Field:      "friend_username",
			Key:        "bob",
		})
		second := c.Expect(inviteExpectation("6"))

		require.True(t, c.Resolve(mustEnvelope(t, `{"type":"error","message":"rate limited"}`)))
		r, err := first.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "rate limited", r.Err.Message)
		assert.Equal(t, MsgError, r.Err.Type)

		second.Cancel()
	})

	t.Run("keyless call leaves keyed errors alone", func(t *testing.T) {
		tournament := c.Expect(Expectation{
			Types:      []string{MsgTournamentCreated},
			ErrorTypes: []string{MsgTournamentError, MsgError},
		})
		friend := c.Expect(Expectation{
			Types:      []string{MsgFriendRequestSent},
			ErrorTypes: []string{MsgFriendRequestError, MsgError},
			Field:      "friend_username",
			Key:        "carol",
		})

		require.True(t, c.Resolve(mustEnvelope(t, `{"type":"error","friend_username":"carol","message":"no such user"}`)))
		r, err := friend.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "no such user", r.Err.Message)

		// An error keyed for a user nobody waits on stays unclaimed.
		other := c.Expect(Expectation{
			Types:      []string{MsgFriendRequestSent},
			ErrorTypes: []string{MsgError},
			Field:      "friend_username",
			Key:        "dave",
		})
		assert.False(t, c.Resolve(mustEnvelope(t, `{"type":"error","friend_username":"erin"}`)))
		select {
		case <-tournament.done:
			t.Fatal("keyless call took an error keyed for another user")
		default:
		}
		other.Cancel()

		require.True(t, c.Resolve(mustEnvelope(t, `{"type":"tournament_error","error":"not enough players"}`)))
		r, err = tournament.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, MsgTournamentError, r.Err.Type)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("error for another key is not stolen", func(t *testing.T) {
		pc := c.Expect(inviteExpectation("7"))
		assert.False(t, c.Resolve(mustEnvelope(t, `{"type":"game_invite_error","invite_id":8}`)))
		pc.Cancel()
	})
}

func TestCorrelator_Timeout(t *testing.T) {
	clk := clock.NewMock()
	c := newTestCorrelator(clk)
	pc := c.Expect(inviteExpectation("1"))

	clk.Add(9 * time.Second)
	assert.Equal(t, 1, c.Pending())

	clk.Add(time.Second)
	_, err := pc.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReplyTimeout)
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)

	assert.False(t, c.Resolve(mustEnvelope(t, `{"type":"game_invite_accepted","invite_id":1}`)))
}

func TestCorrelator_WaitContextCancelled(t *testing.T) {
	c := newTestCorrelator(clock.NewMock())
	pc := c.Expect(inviteExpectation("1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pc.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_CancelAll(t *testing.T) {
	c := newTestCorrelator(clock.NewMock())
	a := c.Expect(inviteExpectation("1"))
	b := c.Expect(Expectation{Types: []string{MsgPong}})

	c.CancelAll(ErrConnectionClosed)

	for _, pc := range []*PendingCall{a, b} {
		_, err := pc.Wait(context.Background())
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_TypeOnly(t *testing.T) {
	c := newTestCorrelator(clock.NewMock())
	first := c.Expect(Expectation{Types: []string{MsgPong}})
	second := c.Expect(Expectation{Types: []string{MsgPong}})

	require.True(t, c.Resolve(mustEnvelope(t, `{"type":"pong"}`)))
	select {
	case <-first.done:
	default:
		t.Fatal("oldest call should resolve first")
	}
	select {
	case <-second.done:
		t.Fatal("second call resolved early")
	default:
	}
	second.Cancel()
}
