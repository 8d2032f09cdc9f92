package transcendence

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	BaseURL  string
	Token    string
	Username string

	ReplyTimeout time.Duration
	// HeartbeatInterval is the period of client pings; negative disables them.
	HeartbeatInterval time.Duration
	QueueCapacity     int
	Reconnect         ReconnectPolicy
}

func (c *SessionConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	c.Reconnect.defaults()
}

type sessionOptions struct {
	log        zerolog.Logger
	registerer prometheus.Registerer
	clock      clock.Clock
	httpClient *http.Client
}

type SessionOption func(*sessionOptions)

func WithLogger(log zerolog.Logger) SessionOption {
	return func(o *sessionOptions) { o.log = log }
}

// WithRegisterer registers the session's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) SessionOption {
	return func(o *sessionOptions) { o.registerer = reg }
}

func WithClock(clk clock.Clock) SessionOption {
	return func(o *sessionOptions) { o.clock = clk }
}

// WithSessionHTTPClient sets the HTTP client used for snapshot requests.
func WithSessionHTTPClient(c *http.Client) SessionOption {
	return func(o *sessionOptions) { o.httpClient = c }
}

// ============================================================================
// Session
// ============================================================================

// Session owns one authenticated user's channel, queue, correlator and state.
type Session struct {
	id  string
	cfg SessionConfig

	identity   *Identity
	client     *Client
	channel    *Channel
	recon      *Reconnector
	queue      *ActionQueue
	calls      *Correlator
	store      *Store
	dispatcher *Dispatcher
	metrics    *Metrics
	clock      clock.Clock
	log        zerolog.Logger

	opens  atomic.Int64
	hbMu   sync.Mutex
	hbStop chan struct{}
}

func NewSession(cfg SessionConfig, opts ...SessionOption) *Session {
	cfg.defaults()
	o := sessionOptions{log: zerolog.Nop(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	id := uuid.NewString()
	log := o.log.With().Str("session", id).Str("user", cfg.Username).Logger()
	m := NewMetrics(o.registerer)

	clientOpts := []ClientOption{WithBaseURL(cfg.BaseURL), WithToken(cfg.Token)}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(o.httpClient))
	}

	s := &Session{
		id:         id,
		cfg:        cfg,
		identity:   NewIdentity(cfg.Username),
		client:     NewClient(clientOpts...),
		dispatcher: NewDispatcher(log),
		metrics:    m,
		clock:      o.clock,
		log:        log.With().Str("component", "session").Logger(),
	}
	s.channel = NewChannel(cfg.BaseURL, s.client.Token, m, log)
	s.store = NewStore(s.identity.Username, s.dispatcher, m, log)
	s.calls = NewCorrelator(o.clock, cfg.ReplyTimeout, m, log)
	s.recon = NewReconnector(s.identity, s.dial, cfg.Reconnect, o.clock, m, log)
	s.recon.OnOpen(s.handleOpen)
	s.recon.OnStatus(s.handleStatus)
	s.queue = NewActionQueue(
		func() bool { return s.recon.State() == StateOpen },
		s.recon.Connect,
		cfg.QueueCapacity, m, log,
	)
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) Identity() *Identity { return s.identity }
func (s *Session) Client() *Client { return s.client }
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Session) View() StateView { return s.store.View() }
func (s *Session) State() ConnectionState { return s.recon.State() }
func (s *Session) PendingActions() int { return s.queue.Len() }
func (s *Session) OutstandingCalls() int { return s.calls.Pending() }

// Start connects the channel and loads the REST snapshot.
func (s *Session) Start(ctx context.Context) error {
	if err := s.recon.Connect(); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// Refresh re-applies the REST snapshot. A 401 expires the session.
func (s *Session) Refresh(ctx context.Context) error {
	mark := s.store.BeginSnapshot()
	snap, err := s.client.Snapshot(ctx)
	if err != nil {
		s.store.EndSnapshot()
		if errors.Is(err, ErrUnauthorized) {
			s.expire(ErrNotAuthenticated)
		}
		return fmt.Errorf("snapshot: %w", err)
	}
	s.store.ApplySnapshotSince(snap, mark)
	return nil
}

// Close logs the session out: pending actions and calls fail with
// ErrConnectionClosed, the channel is closed and state is cleared.
func (s *Session) Close() error {
	s.identity.SetAuthenticated(false)
	return s.teardown(ErrConnectionClosed)
}

// Logout is an alias for Close.
func (s *Session) Logout() error { return s.Close() }

func (s *Session) teardown(cause error) error {
	s.recon.Stop()
	s.stopHeartbeat()
	s.queue.Clear(cause)
	s.calls.CancelAll(cause)
	err := s.channel.Close(websocket.StatusNormalClosure, "logout")
	s.store.Reset()
	return err
}

func (s *Session) expire(reason error) {
	s.identity.SetAuthenticated(false)
	s.teardown(fmt.Errorf("%w: %w", ErrConnectionClosed, reason))
	s.dispatcher.emitNotice(Notice{Kind: NoticeDisconnected, Message: reason.Error()})
	s.dispatcher.emitStatus(StatusEvent{State: StateClosed, Terminal: true, Err: reason})
}

// ============================================================================
// Channel wiring
// ============================================================================

func (s *Session) dial(ctx context.Context) error {
	return s.channel.Open(ctx, ChannelHandlers{
		OnMessage: s.handleMessage,
		OnClose:   s.handleClose,
	})
}

func (s *Session) handleMessage(env Envelope) {
	s.store.Apply(env)
	s.calls.Resolve(env)
	s.dispatcher.emitMessage(env)
}

func (s *Session) handleClose(err error) {
	s.stopHeartbeat()
	// Replies to anything sent on the dead connection will not arrive.
	s.calls.CancelAll(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	s.recon.Closed(err)
}

func (s *Session) handleOpen() {
	s.startHeartbeat()
	s.queue.Drain()
	if s.opens.Add(1) > 1 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			if err := s.Refresh(ctx); err != nil {
				s.log.Warn().Err(err).Msg("resync after reconnect failed")
			}
		}()
	}
}

func (s *Session) handleStatus(ev StatusEvent) {
	if ev.State != StateOpen {
		s.stopHeartbeat()
	}
	if ev.Terminal {
		cause := fmt.Errorf("%w: %w", ErrConnectionClosed, ev.Err)
		s.queue.Clear(cause)
		s.calls.CancelAll(cause)
		if !s.identity.Authenticated() {
			s.store.Reset()
		} else {
			// The REST snapshot stands in for the stream until the next connect.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
				defer cancel()
				if err := s.Refresh(ctx); err != nil {
					s.log.Warn().Err(err).Msg("fallback snapshot failed")
				}
			}()
		}
		s.dispatcher.emitNotice(Notice{Kind: NoticeDisconnected, Message: ev.Err.Error()})
	}
	s.dispatcher.emitStatus(ev)
}

func (s *Session) startHeartbeat() {
	if s.cfg.HeartbeatInterval < 0 {
		return
	}
	s.hbMu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
	}
	stop := make(chan struct{})
	s.hbStop = stop
	s.hbMu.Unlock()

	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.heartbeat(); err != nil {
					s.log.Warn().Err(err).Msg("heartbeat failed")
					s.channel.Abort(fmt.Errorf("heartbeat: %w", err))
					return
				}
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.hbMu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	s.hbMu.Unlock()
}

func (s *Session) heartbeat() error {
	ctx := context.Background()
	pc := s.calls.Expect(Expectation{Types: []string{MsgPong}})
	if err := s.channel.Send(ctx, PingCommand{Type: MsgPing}); err != nil {
		pc.Cancel()
		return err
	}
	_, err := pc.Wait(ctx)
	return err
}

// ============================================================================
// Actions
// ============================================================================

// call queues the send half of a request and waits for its reply. The
// expectation is registered right before the send so replies cannot race it.
func (s *Session) call(ctx context.Context, cmd any, exp Expectation) (*Reply, error) {
	var pc *PendingCall
	err := s.queue.Run(ctx, func(ctx context.Context) error {
		pc = s.calls.Expect(exp)
		if err := s.channel.Send(ctx, cmd); err != nil {
			pc.Cancel()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pc.Wait(ctx)
}

func (s *Session) friendCall(ctx context.Context, msgType, reply, username string) (*Reply, error) {
	return s.call(ctx, FriendCommand{Type: msgType, FriendUsername: username}, Expectation{
		Types:      []string{reply},
		ErrorTypes: []string{MsgFriendRequestError, MsgError},
		Field:      "friend_username",
		Key:        username,
	})
}

func (s *Session) SendFriendRequest(ctx context.Context, username string) (*Reply, error) {
	return s.friendCall(ctx, MsgSendFriendRequest, MsgFriendRequestSent, username)
}

func (s *Session) AcceptFriendRequest(ctx context.Context, username string) (*Reply, error) {
	return s.friendCall(ctx, MsgAcceptFriendRequest, MsgFriendRequestAccepted, username)
}

func (s *Session) RejectFriendRequest(ctx context.Context, username string) (*Reply, error) {
	return s.friendCall(ctx, MsgRejectFriendRequest, MsgFriendRequestRejected, username)
}

func (s *Session) CancelFriendRequest(ctx context.Context, username string) (*Reply, error) {
	return s.friendCall(ctx, MsgCancelFriendRequest, MsgFriendRequestCancelled, username)
}

func (s *Session) RemoveFriend(ctx context.Context, username string) (*Reply, error) {
	return s.friendCall(ctx, MsgRemoveFriend, MsgFriendRemoved, username)
}

// SendGameInvite invites username; tournamentID is only sent for tournament
// invites.
func (s *Session) SendGameInvite(ctx context.Context, username string, mode GameMode, tournamentID int64) (*Reply, error) {
	cmd := GameInviteCommand{Type: MsgSendGameInvite, ToUsername: username, GameMode: mode, TournamentID: tournamentID}
	return s.call(ctx, cmd, Expectation{
		Types:      []string{MsgGameInviteSent},
		ErrorTypes: []string{MsgGameInviteError, MsgError},
		Field:      "to_username",
		Key:        username,
	})
}

func (s *Session) inviteCall(ctx context.Context, msgType, reply string, inviteID int64) (*Reply, error) {
	return s.call(ctx, InviteCommand{Type: msgType, InviteID: inviteID}, Expectation{
		Types:      []string{reply},
		ErrorTypes: []string{MsgGameInviteError, MsgError},
		Field:      "invite_id",
		Key:        strconv.FormatInt(inviteID, 10),
	})
}

func (s *Session) AcceptGameInvite(ctx context.Context, inviteID int64) (*Reply, error) {
	return s.inviteCall(ctx, MsgAcceptGameInvite, MsgGameInviteAccepted, inviteID)
}

func (s *Session) RejectGameInvite(ctx context.Context, inviteID int64) (*Reply, error) {
	return s.inviteCall(ctx, MsgRejectGameInvite, MsgGameInviteRejected, inviteID)
}

func (s *Session) CreateTournament(ctx context.Context, name string, invited []string) (*Reply, error) {
	cmd := CreateTournamentCommand{Type: MsgCreateTournament, TournamentName: name, InvitedUsernames: invited}
	return s.call(ctx, cmd, Expectation{
		Types:      []string{MsgTournamentCreated},
		ErrorTypes: []string{MsgTournamentError, MsgError},
	})
}

// Ping round-trips a keepalive through the queue.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := s.clock.Now()
	_, err := s.call(ctx, PingCommand{Type: MsgPing}, Expectation{Types: []string{MsgPong}})
	if err != nil {
		return 0, err
	}
	return s.clock.Since(start), nil
}
