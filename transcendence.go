// Package transcendence is a client SDK that keeps a local view of a user's
// social and matchmaking state in sync with the game server.
//
// A Session owns one realtime channel to the server, reconnects it with
// exponential backoff, queues actions while offline and folds every pushed
// event into a single State Store. Observers subscribe through the
// Dispatcher.
//
// Example:
//
//	s := transcendence.NewSession(transcendence.SessionConfig{
//		BaseURL:  "https://pong.example",
//		Token:    token,
//		Username: "alice",
//	})
//	s.Dispatcher().OnChange(func(v transcendence.StateView) { ... })
//	_ = s.Start(ctx)
//	reply, _ := s.SendFriendRequest(ctx, "bob")
package transcendence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client fetches the REST snapshot of the social state.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("GET %s: %w", path, ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, decodeAPIError(resp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("GET %s: invalid JSON response", path)
	}
	return body, nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = gjson.GetBytes(body, "error").String()
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// ============================================================================
// Snapshot endpoints
// ============================================================================

// Snapshot is the REST view of the social state used to seed the store and
// as a fallback when the channel cannot be established.
type Snapshot struct {
	Friends      []string        `json:"friends"`
	Requests     []FriendRequest `json:"requests"`
	SentRequests []FriendRequest `json:"sent_requests"`
	Invites      []GameInvite    `json:"invites"`
}

// Friends returns the usernames of the caller's friends.
func (c *Client) Friends(ctx context.Context) ([]string, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/friends/")
	if err != nil {
		return nil, err
	}
	names := []string{}
	gjson.GetBytes(body, "friends").ForEach(func(_, item gjson.Result) bool {
		if name := usernameOf(item); name != "" {
			names = append(names, name)
		}
		return true
	})
	return names, nil
}

// FriendRequests returns pending requests received by the caller.
func (c *Client) FriendRequests(ctx context.Context) ([]FriendRequest, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/friend-requests/")
	if err != nil {
		return nil, err
	}
	return requestsFromJSON(gjson.GetBytes(body, "requests"), DirectionReceived), nil
}

// SentFriendRequests returns pending requests sent by the caller.
func (c *Client) SentFriendRequests(ctx context.Context) ([]FriendRequest, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/friend-requests/sent/")
	if err != nil {
		return nil, err
	}
	return requestsFromJSON(gjson.GetBytes(body, "sent_requests"), DirectionSent), nil
}

// GameInvites returns the caller's pending game invites. Direction is left
// empty; the store resolves it against the local username.
func (c *Client) GameInvites(ctx context.Context) ([]GameInvite, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/game-invites/")
	if err != nil {
		return nil, err
	}
	invites := []GameInvite{}
	gjson.GetBytes(body, "invites").ForEach(func(_, item gjson.Result) bool {
		inv := inviteFromJSON(item, "", "")
		if s := item.Get("status").String(); s != "" {
			inv.Status = InviteStatus(s)
		}
		if inv.InviteID != 0 {
			invites = append(invites, inv)
		}
		return true
	})
	return invites, nil
}

// Snapshot fetches all four collections concurrently. Any failure fails the
// whole snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Friends, err = c.Friends(ctx)
		return err
	})
	g.Go(func() (err error) {
		snap.Requests, err = c.FriendRequests(ctx)
		return err
	})
	g.Go(func() (err error) {
		snap.SentRequests, err = c.SentFriendRequests(ctx)
		return err
	})
	g.Go(func() (err error) {
		snap.Invites, err = c.GameInvites(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func requestsFromJSON(arr gjson.Result, dir Direction) []FriendRequest {
	reqs := []FriendRequest{}
	arr.ForEach(func(_, item gjson.Result) bool {
		r := FriendRequest{
			RequestID:    item.Get("request_id").Int(),
			FromUsername: item.Get("from_username").String(),
			ToUsername:   item.Get("to_username").String(),
			Direction:    dir,
			Status:       RequestPending,
		}
		if r.RequestID == 0 {
			r.RequestID = item.Get("id").Int()
		}
		if r.Peer() != "" {
			reqs = append(reqs, r)
		}
		return true
	})
	return reqs
}
