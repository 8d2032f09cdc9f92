package transcendence

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// State is the reconciler's working set. It is not safe for concurrent use;
// Store serializes access to it.
//
// Invariant: a username is never both in friends and in sent/received.
type State struct {
	friends    map[string]struct{}
	sent       map[string]FriendRequest // peer username → request
	received   map[string]FriendRequest // peer username → request
	invites    map[int64]GameInvite
	tournament *tournamentState
}

type tournamentState struct {
	TournamentSession
	accepted  map[string]struct{} // invite ids (or usernames) already counted
	lastMatch string              // game id of the last match_start seen
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		friends:  make(map[string]struct{}),
		sent:     make(map[string]FriendRequest),
		received: make(map[string]FriendRequest),
		invites:  make(map[int64]GameInvite),
	}
}

// Outcome describes what a single Reconcile call did.
type Outcome struct {
	Changed bool
	Notices []Notice
	Games   []GameStart
	Unknown bool
}

// Reconcile applies one inbound message to st. Replaying the same message
// leaves st unchanged and produces no notices or game starts.
func Reconcile(st *State, env Envelope, self string) Outcome {
	var out Outcome
	switch env.Type {
	// ── Snapshots ────────────────────────────────────────
	case MsgPendingFriendRequests:
		var reqs []FriendRequest
		env.Get("requests").ForEach(func(_, item gjson.Result) bool {
			reqs = append(reqs, FriendRequest{
				RequestID:    item.Get("request_id").Int(),
				FromUsername: item.Get("from_username").String(),
				ToUsername:   self,
				Direction:    DirectionReceived,
				Status:       RequestPending,
			})
			return true
		})
		st.replaceReceived(reqs, &out)

	case MsgFriendsList:
		var names []string
		env.Get("friends").ForEach(func(_, item gjson.Result) bool {
			if n := usernameOf(item); n != "" {
				names = append(names, n)
			}
			return true
		})
		st.replaceFriends(names, &out)

	case MsgPendingGameInvites:
		var invites []GameInvite
		env.Get("invites").ForEach(func(_, item gjson.Result) bool {
			invites = append(invites, inviteFromJSON(item, DirectionReceived, self))
			return true
		})
		st.replaceReceivedInvites(invites, &out)

	// ── Friend requests ──────────────────────────────────
	case MsgFriendRequestSent:
		peer := peerOf(env)
		out.Changed = st.upsertRequest(FriendRequest{
			RequestID:    env.Int("request_id"),
			FromUsername: self,
			ToUsername:   peer,
			Direction:    DirectionSent,
			Status:       RequestPending,
		})

	case MsgNewFriendRequestNotification:
		peer := peerOf(env)
		_, existed := st.received[peer]
		out.Changed = st.upsertRequest(FriendRequest{
			RequestID:    env.Int("request_id"),
			FromUsername: peer,
			ToUsername:   self,
			Direction:    DirectionReceived,
			Status:       RequestPending,
		})
		if !existed && peer != "" {
			out.Notices = append(out.Notices, Notice{
				Kind:     NoticeFriendRequest,
				Username: peer,
				ID:       env.Int("request_id"),
				Message:  fmt.Sprintf("%s sent you a friend request", peer),
			})
		}

	case MsgFriendRequestAccepted, MsgFriendRequestAcceptedNotification:
		out.Changed = st.addFriend(peerOf(env))

	case MsgFriendRequestRejected, MsgFriendRequestRejectedNotification,
		MsgFriendRequestCancelled, MsgFriendRequestCancelledNotification:
		out.Changed = st.dropPending(peerOf(env))

	case MsgFriendRemoved, MsgFriendRemovedNotification:
		peer := peerOf(env)
		if _, ok := st.friends[peer]; ok {
			delete(st.friends, peer)
			out.Changed = true
		}

	// ── Game invites ─────────────────────────────────────
	case MsgGameInviteSent:
		out.Changed = st.upsertInvite(inviteFromJSON(gjson.ParseBytes(env.Raw), DirectionSent, self))

	case MsgNewGameInviteNotification:
		inv := inviteFromJSON(gjson.ParseBytes(env.Raw), DirectionReceived, self)
		_, existed := st.invites[inv.InviteID]
		out.Changed = st.upsertInvite(inv)
		if !existed {
			out.Notices = append(out.Notices, inviteNotice(inv))
		}

	case MsgGameInviteAccepted, MsgGameInviteAcceptedNotification:
		// game_invite_accepted confirms our own acceptance of a received
		// invite; the notification tells the sender.
		dir := DirectionReceived
		if env.Type == MsgGameInviteAcceptedNotification {
			dir = DirectionSent
		}
		st.acceptInvite(inviteFromJSON(gjson.ParseBytes(env.Raw), dir, self), &out)

	case MsgGameInviteRejected, MsgGameInviteRejectedNotification:
		id := env.Int("invite_id")
		if _, ok := st.invites[id]; ok {
			delete(st.invites, id)
			out.Changed = true
		}

	// ── Tournaments ──────────────────────────────────────
	case MsgTournamentCreated:
		id := env.Int("tournament_id")
		if st.tournament != nil && st.tournament.TournamentID == id {
			break
		}
		var invited []string
		env.Get("invited_usernames").ForEach(func(_, item gjson.Result) bool {
			invited = append(invited, item.String())
			return true
		})
		st.tournament = newTournament(id, PhaseCreated)
		st.tournament.Name = env.Str("tournament_name")
		st.tournament.InvitedUsernames = invited
		out.Changed = true

	case MsgTournamentInviteAccepted:
		t, created := st.trackTournament(env.Int("tournament_id"))
		if t == nil {
			break
		}
		out.Changed = created
		key := env.Str("invite_id")
		if key == "" {
			key = env.Str("username")
		}
		if key != "" {
			if _, seen := t.accepted[key]; seen {
				break
			}
			t.accepted[key] = struct{}{}
		}
		t.ParticipantCount++
		out.Changed = true

	case MsgTournamentWaiting:
		t, created := st.trackTournament(env.Int("tournament_id"))
		if t == nil {
			break
		}
		out.Changed = created
		if n := int(env.Int("participant_count")); n > t.ParticipantCount {
			t.ParticipantCount = n
			out.Changed = true
		}
		if t.Phase != PhaseWaiting {
			t.Phase = PhaseWaiting
			out.Changed = true
		}

	case MsgTournamentMatchStart:
		t, created := st.trackTournament(env.Int("tournament_id"))
		if t == nil {
			break
		}
		out.Changed = created
		if t.Phase != PhaseInProgress {
			t.Phase = PhaseInProgress
			out.Changed = true
		}
		gameID := env.Str("game_id")
		if gameID == t.lastMatch {
			break
		}
		t.lastMatch = gameID
		p1, p2 := env.Str("player_1"), env.Str("player_2")
		if self == "" || (self != p1 && self != p2) {
			break
		}
		opponent := p2
		if self == p2 {
			opponent = p1
		}
		out.Games = append(out.Games, GameStart{
			GameID:       gameID,
			Mode:         GameModeTournament,
			Opponent:     opponent,
			TournamentID: t.TournamentID,
		})

	case MsgTournamentCompleted, MsgTournamentError:
		id := env.Int("tournament_id")
		if st.tournament == nil || (id != 0 && st.tournament.TournamentID != id) {
			break
		}
		n := Notice{Kind: NoticeTournamentCompleted, ID: st.tournament.TournamentID}
		if env.Type == MsgTournamentError {
			n.Kind = NoticeTournamentError
			n.Message = "tournament error: " + env.errorMessage()
		} else {
			n.Username = env.Str("champion")
			n.Message = fmt.Sprintf("tournament finished, champion: %s", n.Username)
		}
		st.tournament = nil
		out.Changed = true
		out.Notices = append(out.Notices, n)

	// ── No state ─────────────────────────────────────────
	case MsgPing, MsgPong, MsgError, MsgFriendRequestError, MsgGameInviteError:

	default:
		out.Unknown = true
	}
	return out
}

// ============================================================================
// Snapshot application
// ============================================================================

// ApplySnapshot replaces all collections covered by snap.
func ApplySnapshot(st *State, snap *Snapshot, self string) Outcome {
	var out Outcome
	st.replaceFriends(snap.Friends, &out)

	received := make([]FriendRequest, 0, len(snap.Requests))
	for _, r := range snap.Requests {
		r.Direction, r.Status = DirectionReceived, RequestPending
		if r.ToUsername == "" {
			r.ToUsername = self
		}
		received = append(received, r)
	}
	st.replaceReceived(received, &out)

	sent := make([]FriendRequest, 0, len(snap.SentRequests))
	for _, r := range snap.SentRequests {
		r.Direction, r.Status = DirectionSent, RequestPending
		if r.FromUsername == "" {
			r.FromUsername = self
		}
		sent = append(sent, r)
	}
	st.replaceSent(sent, &out)

	var invites []GameInvite
	for _, inv := range snap.Invites {
		if inv.Status == "" {
			inv.Status = InvitePending
		}
		if inv.Direction == "" {
			inv.Direction = DirectionReceived
			if self != "" && inv.FromUsername == self {
				inv.Direction = DirectionSent
			}
		}
		invites = append(invites, inv)
	}
	// The REST list only carries pending invites; sent and accepted ones
	// known from the stream are kept.
	st.replaceReceivedInvites(invites, &out)
	return out
}

// ============================================================================
// View
// ============================================================================

// View copies st into an immutable StateView.
func (st *State) View() StateView {
	v := StateView{
		Friends:         sortedKeys(st.friends),
		PendingSent:     requestsOf(st.sent),
		PendingReceived: requestsOf(st.received),
		Invites:         make([]GameInvite, 0, len(st.invites)),
	}
	for _, inv := range st.invites {
		v.Invites = append(v.Invites, inv)
	}
	sort.Slice(v.Invites, func(i, j int) bool { return v.Invites[i].InviteID < v.Invites[j].InviteID })
	if st.tournament != nil {
		t := st.tournament.TournamentSession
		t.InvitedUsernames = append([]string(nil), t.InvitedUsernames...)
		v.Tournament = &t
	}
	return v
}

func requestsOf(m map[string]FriendRequest) []FriendRequest {
	out := make([]FriendRequest, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, m[k])
	}
	return out
}

// ============================================================================
// Mutations
// ============================================================================

func (st *State) addFriend(peer string) bool {
	if peer == "" {
		return false
	}
	changed := st.dropPending(peer)
	if _, ok := st.friends[peer]; !ok {
		st.friends[peer] = struct{}{}
		changed = true
	}
	return changed
}

// dropPending removes any pending request with peer. A pair of users has at
// most one pending request, so both directions are cleared.
func (st *State) dropPending(peer string) bool {
	_, s := st.sent[peer]
	_, r := st.received[peer]
	delete(st.sent, peer)
	delete(st.received, peer)
	return s || r
}

func (st *State) upsertRequest(req FriendRequest) bool {
	peer := req.Peer()
	if peer == "" {
		return false
	}
	coll := st.received
	if req.Direction == DirectionSent {
		coll = st.sent
	}
	changed := false
	if _, ok := st.friends[peer]; ok {
		delete(st.friends, peer)
		changed = true
	}
	if old, ok := coll[peer]; ok {
		if req.RequestID == 0 {
			req.RequestID = old.RequestID
		}
		if old == req {
			return changed
		}
	}
	coll[peer] = req
	return true
}

func (st *State) replaceReceived(reqs []FriendRequest, out *Outcome) {
	next := make(map[string]FriendRequest, len(reqs))
	for _, r := range reqs {
		if p := r.Peer(); p != "" {
			next[p] = r
			if _, ok := st.received[p]; !ok {
				out.Notices = append(out.Notices, Notice{
					Kind:     NoticeFriendRequest,
					Username: p,
					ID:       r.RequestID,
					Message:  fmt.Sprintf("%s sent you a friend request", p),
				})
			}
		}
	}
	st.replacePending(st.received, next, out)
	st.received = next
}

func (st *State) replaceSent(reqs []FriendRequest, out *Outcome) {
	next := make(map[string]FriendRequest, len(reqs))
	for _, r := range reqs {
		if p := r.Peer(); p != "" {
			next[p] = r
		}
	}
	st.replacePending(st.sent, next, out)
	st.sent = next
}

// replacePending marks out changed when next differs from cur and evicts
// the new pending peers from the friends set.
func (st *State) replacePending(cur, next map[string]FriendRequest, out *Outcome) {
	if len(cur) != len(next) {
		out.Changed = true
	}
	for p, r := range next {
		if old, ok := cur[p]; !ok || old != r {
			out.Changed = true
		}
		if _, ok := st.friends[p]; ok {
			delete(st.friends, p)
			out.Changed = true
		}
	}
}

func (st *State) replaceFriends(names []string, out *Outcome) {
	next := make(map[string]struct{}, len(names))
	for _, n := range names {
		next[n] = struct{}{}
	}
	if len(next) != len(st.friends) {
		out.Changed = true
	}
	for n := range next {
		if _, ok := st.friends[n]; !ok {
			out.Changed = true
		}
		if st.dropPending(n) {
			out.Changed = true
		}
	}
	st.friends = next
}

func (st *State) upsertInvite(inv GameInvite) bool {
	if inv.InviteID == 0 {
		return false
	}
	old, ok := st.invites[inv.InviteID]
	if ok {
		// never downgrade an accepted invite back to pending
		if old.Status == InviteAccepted {
			inv.Status, inv.GameID = old.Status, old.GameID
		}
		inv = mergeInvite(old, inv)
		if old == inv {
			return false
		}
	}
	st.invites[inv.InviteID] = inv
	return true
}

func (st *State) acceptInvite(inv GameInvite, out *Outcome) {
	if inv.InviteID == 0 {
		return
	}
	old, ok := st.invites[inv.InviteID]
	if ok {
		inv = mergeInvite(old, inv)
		if old.Status == InviteAccepted && old.GameID == inv.GameID {
			return
		}
	}
	inv.Status = InviteAccepted
	st.invites[inv.InviteID] = inv
	out.Changed = true
	if inv.GameMode != GameModeTournament {
		out.Games = append(out.Games, GameStart{
			GameID:   inv.GameID,
			Mode:     inv.GameMode,
			Opponent: inv.Peer(),
		})
	}
}

// replaceReceivedInvites swaps the pending received invites; sent and
// accepted invites are kept.
func (st *State) replaceReceivedInvites(invites []GameInvite, out *Outcome) {
	next := make(map[int64]GameInvite, len(invites))
	for _, inv := range invites {
		if inv.InviteID != 0 {
			next[inv.InviteID] = inv
		}
	}
	for id, inv := range st.invites {
		if inv.Direction != DirectionReceived || inv.Status != InvitePending {
			continue
		}
		if _, keep := next[id]; !keep {
			delete(st.invites, id)
			out.Changed = true
		}
	}
	for id, inv := range next {
		if _, ok := st.invites[id]; !ok && inv.Direction == DirectionReceived && inv.Status == InvitePending {
			out.Notices = append(out.Notices, inviteNotice(inv))
		}
		if st.upsertInvite(inv) {
			out.Changed = true
		}
	}
}

// trackTournament returns the tracked tournament for id, starting to track it
// when nothing is tracked yet (a joined tournament). Events for any other
// tournament return nil.
func (st *State) trackTournament(id int64) (*tournamentState, bool) {
	if st.tournament == nil {
		if id == 0 {
			return nil, false
		}
		st.tournament = newTournament(id, PhaseWaiting)
		return st.tournament, true
	}
	if id != 0 && st.tournament.TournamentID != id {
		return nil, false
	}
	return st.tournament, false
}

func newTournament(id int64, phase TournamentPhase) *tournamentState {
	return &tournamentState{
		TournamentSession: TournamentSession{
			TournamentID:     id,
			ParticipantCount: 1,
			Phase:            phase,
		},
		accepted: make(map[string]struct{}),
	}
}

// ============================================================================
// Helpers
// ============================================================================

func peerOf(env Envelope) string {
	for _, f := range []string{"friend_username", "from_username", "to_username", "username"} {
		if s := env.Str(f); s != "" {
			return s
		}
	}
	return ""
}

func usernameOf(item gjson.Result) string {
	if item.Type == gjson.String {
		return item.Str
	}
	return item.Get("username").String()
}

func inviteFromJSON(item gjson.Result, dir Direction, self string) GameInvite {
	inv := GameInvite{
		InviteID:     item.Get("invite_id").Int(),
		FromUsername: item.Get("from_username").String(),
		ToUsername:   item.Get("to_username").String(),
		Direction:    dir,
		GameMode:     GameMode(item.Get("game_mode").String()),
		TournamentID: item.Get("tournament_id").Int(),
		Status:       InvitePending,
	}
	if g := item.Get("game_id"); g.Exists() && g.Type != gjson.Null {
		inv.GameID = g.String()
	}
	if inv.GameMode == "" && inv.TournamentID != 0 {
		inv.GameMode = GameModeTournament
	}
	if dir == DirectionSent && inv.FromUsername == "" {
		inv.FromUsername = self
	}
	if dir == DirectionReceived && inv.ToUsername == "" {
		inv.ToUsername = self
	}
	return inv
}

// mergeInvite fills zero fields of next from prev.
func mergeInvite(prev, next GameInvite) GameInvite {
	if next.FromUsername == "" {
		next.FromUsername = prev.FromUsername
	}
	if next.ToUsername == "" {
		next.ToUsername = prev.ToUsername
	}
	if next.GameMode == "" {
		next.GameMode = prev.GameMode
	}
	if next.TournamentID == 0 {
		next.TournamentID = prev.TournamentID
	}
	if next.GameID == "" {
		next.GameID = prev.GameID
	}
	if prev.Direction != "" {
		next.Direction = prev.Direction
	}
	return next
}

func inviteNotice(inv GameInvite) Notice {
	return Notice{
		Kind:     NoticeGameInvite,
		Username: inv.FromUsername,
		ID:       inv.InviteID,
		Message:  fmt.Sprintf("%s invited you to a %s game", inv.FromUsername, modeLabel(inv.GameMode)),
	}
}

func modeLabel(m GameMode) string {
	if m == "" {
		return "pong"
	}
	return string(m)
}
