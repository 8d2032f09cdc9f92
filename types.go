package transcendence

import (
	"sort"
	"sync"
)

// ============================================================================
// Connection
// ============================================================================

// ConnectionState is the state of the session's single duplex channel.
type ConnectionState string

const (
	StateClosed     ConnectionState = "closed"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateBackoff    ConnectionState = "backoff"
)

// Identity is the locally known user and whether the external auth flow
// considers the session authenticated. Reconnects only happen while
// Authenticated reports true.
type Identity struct {
	mu            sync.RWMutex
	username      string
	authenticated bool
}

// NewIdentity returns an authenticated identity for username.
func NewIdentity(username string) *Identity {
	return &Identity{username: username, authenticated: username != ""}
}

func (i *Identity) Username() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.username
}

func (i *Identity) Authenticated() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.authenticated
}

// SetAuthenticated flips the authenticated flag. The auth collaborator calls
// this on login/logout; the session clears it on fatal conditions.
func (i *Identity) SetAuthenticated(v bool) {
	i.mu.Lock()
	i.authenticated = v
	i.mu.Unlock()
}

// ============================================================================
// Friends
// ============================================================================

// Direction tells whether an entity was sent or received by the local user.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// RequestStatus is the lifecycle status of a friend request. Only pending
// requests are tracked; resolved ones are removed.
type RequestStatus string

const RequestPending RequestStatus = "pending"

// FriendRequest is a pending friend request, keyed by the peer's username.
type FriendRequest struct {
	RequestID    int64         `json:"request_id"`
	FromUsername string        `json:"from_username"`
	ToUsername   string        `json:"to_username,omitempty"`
	Direction    Direction     `json:"direction"`
	Status       RequestStatus `json:"status"`
}

// Peer returns the username on the other side of the request.
func (r FriendRequest) Peer() string {
	if r.Direction == DirectionSent {
		return r.ToUsername
	}
	return r.FromUsername
}

// ============================================================================
// Game invites
// ============================================================================

type GameMode string

const (
	GameModeLocal      GameMode = "local"
	GameModeOnline     GameMode = "online"
	GameModeTournament GameMode = "tournament"
)

type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteRejected InviteStatus = "rejected"
)

// GameInvite is keyed by InviteID across sender, receiver and reconciliation.
type GameInvite struct {
	InviteID     int64        `json:"invite_id"`
	FromUsername string       `json:"from_username,omitempty"`
	ToUsername   string       `json:"to_username,omitempty"`
	Direction    Direction    `json:"direction"`
	GameMode     GameMode     `json:"game_mode"`
	TournamentID int64        `json:"tournament_id,omitempty"`
	Status       InviteStatus `json:"status"`
	GameID       string       `json:"game_id,omitempty"`
}

// Peer returns the username on the other side of the invite.
func (i GameInvite) Peer() string {
	if i.Direction == DirectionSent {
		return i.ToUsername
	}
	return i.FromUsername
}

// ============================================================================
// Tournaments
// ============================================================================

type TournamentPhase string

const (
	PhaseCreated    TournamentPhase = "created"
	PhaseWaiting    TournamentPhase = "waiting"
	PhaseInProgress TournamentPhase = "in_progress"
	PhaseCompleted  TournamentPhase = "completed"
	PhaseErrored    TournamentPhase = "errored"
)

// TournamentSession is the single tournament this session created or joined.
type TournamentSession struct {
	TournamentID     int64           `json:"tournament_id"`
	Name             string          `json:"tournament_name,omitempty"`
	InvitedUsernames []string        `json:"invited_usernames"`
	ParticipantCount int             `json:"participant_count"`
	Phase            TournamentPhase `json:"phase"`
}

// ============================================================================
// Views and notifications
// ============================================================================

// StateView is an immutable copy of the store's collections, sorted for
// stable rendering.
type StateView struct {
	Friends         []string           `json:"friends"`
	PendingSent     []FriendRequest    `json:"pending_sent"`
	PendingReceived []FriendRequest    `json:"pending_received"`
	Invites         []GameInvite       `json:"invites"`
	Tournament      *TournamentSession `json:"tournament,omitempty"`
}

// HasFriend reports whether username is in the friends set.
func (v StateView) HasFriend(username string) bool {
	for _, f := range v.Friends {
		if f == username {
			return true
		}
	}
	return false
}

// Invite looks up an invite by id.
func (v StateView) Invite(id int64) (GameInvite, bool) {
	for _, inv := range v.Invites {
		if inv.InviteID == id {
			return inv, true
		}
	}
	return GameInvite{}, false
}

// NoticeKind classifies user-facing notices.
type NoticeKind string

const (
	NoticeFriendRequest       NoticeKind = "friend_request"
	NoticeGameInvite          NoticeKind = "game_invite"
	NoticeTournamentCompleted NoticeKind = "tournament_completed"
	NoticeTournamentError     NoticeKind = "tournament_error"
	NoticeDisconnected        NoticeKind = "disconnected"
)

// Notice is a one-shot, user-facing message (toast/log).
type Notice struct {
	Kind     NoticeKind `json:"kind"`
	Username string     `json:"username,omitempty"`
	ID       int64      `json:"id,omitempty"`
	Message  string     `json:"message"`
}

// GameStart asks the external game layer to enter a game.
type GameStart struct {
	GameID       string   `json:"game_id"`
	Mode         GameMode `json:"game_mode"`
	Opponent     string   `json:"opponent,omitempty"`
	TournamentID int64    `json:"tournament_id,omitempty"`
}

// StatusEvent reports a connection status change. Terminal is set when the
// session gave up reconnecting; Err explains why.
type StatusEvent struct {
	State    ConnectionState
	Terminal bool
	Err      error
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
