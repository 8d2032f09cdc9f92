package transcendence

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Message types
// ============================================================================

// Outbound commands.
const (
	MsgSendFriendRequest   = "send_friend_request"
	MsgAcceptFriendRequest = "accept_friend_request"
	MsgRejectFriendRequest = "reject_friend_request"
	MsgCancelFriendRequest = "cancel_friend_request"
	MsgRemoveFriend        = "remove_friend"
	MsgSendGameInvite      = "send_game_invite"
	MsgAcceptGameInvite    = "accept_game_invite"
	MsgRejectGameInvite    = "reject_game_invite"
	MsgCreateTournament    = "create_tournament"
	MsgPing                = "ping"
	MsgPong                = "pong"
)

// Inbound events.
const (
	MsgError = "error"

	MsgPendingFriendRequests = "pending_friend_requests"
	MsgFriendsList           = "friends_list"

	MsgFriendRequestSent                  = "friend_request_sent"
	MsgFriendRequestError                 = "friend_request_error"
	MsgNewFriendRequestNotification       = "new_friend_request_notification"
	MsgFriendRequestAccepted              = "friend_request_accepted"
	MsgFriendRequestAcceptedNotification  = "friend_request_accepted_notification"
	MsgFriendRequestRejected              = "friend_request_rejected"
	MsgFriendRequestRejectedNotification  = "friend_request_rejected_notification"
	MsgFriendRequestCancelled             = "friend_request_cancelled"
	MsgFriendRequestCancelledNotification = "friend_request_cancelled_notification"
	MsgFriendRemoved                      = "friend_removed"
	MsgFriendRemovedNotification          = "friend_removed_notification"

	MsgPendingGameInvites             = "pending_game_invites"
	MsgGameInviteSent                 = "game_invite_sent"
	MsgGameInviteError                = "game_invite_error"
	MsgNewGameInviteNotification      = "new_game_invite_notification"
	MsgGameInviteAccepted             = "game_invite_accepted"
	MsgGameInviteAcceptedNotification = "game_invite_accepted_notification"
	MsgGameInviteRejected             = "game_invite_rejected"
	MsgGameInviteRejectedNotification = "game_invite_rejected_notification"

	MsgTournamentCreated        = "tournament_created"
	MsgTournamentInviteAccepted = "tournament_invite_accepted"
	MsgTournamentWaiting        = "tournament_waiting"
	MsgTournamentMatchStart     = "tournament_match_start"
	MsgTournamentCompleted      = "tournament_completed"
	MsgTournamentError          = "tournament_error"
)

// isErrorType reports whether a message type carries a business error.
func isErrorType(t string) bool {
	return t == MsgError || strings.HasSuffix(t, "_error")
}

// ============================================================================
// Envelope
// ============================================================================

var (
	errMalformed   = errors.New("malformed message")
	errMissingType = errors.New("message has no type")
)

// Envelope is an inbound message: its type discriminant plus the raw JSON
// object. Fields are read lazily with gjson so ids may arrive as numbers or
// strings.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// ParseEnvelope validates data and extracts its type.
func ParseEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, errMalformed
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String || t.Str == "" {
		return Envelope{}, errMissingType
	}
	return Envelope{Type: t.Str, Raw: data}, nil
}

// NewEnvelope builds an envelope from a value, mostly for tests and for
// replaying REST snapshots through the reconciler.
func NewEnvelope(v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return ParseEnvelope(data)
}

func (e Envelope) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Raw, path)
}

// Str returns a field as a string ("" when absent). Numbers are rendered in
// their JSON form, which makes them usable as correlation keys.
func (e Envelope) Str(field string) string {
	r := e.Get(field)
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	return r.String()
}

func (e Envelope) Int(field string) int64 {
	return e.Get(field).Int()
}

// Decode unmarshals the full message into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// errorMessage returns the human-readable part of an error-typed message.
func (e Envelope) errorMessage() string {
	for _, f := range []string{"error", "message"} {
		if s := e.Str(f); s != "" {
			return s
		}
	}
	return "request failed"
}

// ============================================================================
// Outbound commands
// ============================================================================

// FriendCommand covers send/accept/reject/cancel/remove.
type FriendCommand struct {
	Type           string `json:"type"`
	FriendUsername string `json:"friend_username"`
}

type GameInviteCommand struct {
	Type         string   `json:"type"`
	ToUsername   string   `json:"to_username"`
	GameMode     GameMode `json:"game_mode"`
	TournamentID int64    `json:"tournament_id,omitempty"`
}

// InviteCommand answers an existing invite.
type InviteCommand struct {
	Type     string `json:"type"`
	InviteID int64  `json:"invite_id"`
}

type CreateTournamentCommand struct {
	Type             string   `json:"type"`
	TournamentName   string   `json:"tournament_name"`
	InvitedUsernames []string `json:"invited_usernames"`
}

type PingCommand struct {
	Type string `json:"type"`
}

// ============================================================================
// Reply payloads
// ============================================================================

type FriendRequestReply struct {
	Type           string `json:"type"`
	FriendUsername string `json:"friend_username"`
	RequestID      int64  `json:"request_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

type GameInviteReply struct {
	Type         string   `json:"type"`
	InviteID     int64    `json:"invite_id"`
	ToUsername   string   `json:"to_username,omitempty"`
	FromUsername string   `json:"from_username,omitempty"`
	GameMode     GameMode `json:"game_mode,omitempty"`
	TournamentID int64    `json:"tournament_id,omitempty"`
	GameID       any      `json:"game_id,omitempty"`
}

type TournamentReply struct {
	Type             string   `json:"type"`
	TournamentID     int64    `json:"tournament_id"`
	TournamentName   string   `json:"tournament_name,omitempty"`
	InvitedUsernames []string `json:"invited_usernames,omitempty"`
	ParticipantCount int      `json:"participant_count,omitempty"`
}
