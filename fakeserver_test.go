package transcendence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// fakeServer speaks the social websocket protocol and serves an empty REST
// snapshot.
type fakeServer struct {
	t     *testing.T
	srv   *httptest.Server
	token string

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
	respond  func(msg gjson.Result) []string

	refuse   atomic.Bool
	received chan gjson.Result

	// hold, when set, blocks REST handlers until closed; restHits reports
	// every REST request as it arrives.
	hold     chan struct{}
	restHits chan string
}

func newFakeServer(t *testing.T, token string) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		token:    token,
		received: make(chan gjson.Result, 64),
		restHits: make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/social/", fs.serveSocket)
	rest := map[string]string{
		"/api/friends/":              `{"friends":[]}`,
		"/api/friend-requests/":      `{"requests":[]}`,
		"/api/friend-requests/sent/": `{"sent_requests":[]}`,
		"/api/game-invites/":         `{"invites":[]}`,
	}
	for path, body := range rest {
		body := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			select {
			case fs.restHits <- r.URL.Path:
			default:
			}
			fs.mu.Lock()
			hold := fs.hold
			fs.mu.Unlock()
			if hold != nil {
				<-hold
			}
			if r.Header.Get("Authorization") != "Bearer "+fs.token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(body))
		})
	}

	fs.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) URL() string { return fs.srv.URL }

func (fs *fakeServer) setResponder(f func(msg gjson.Result) []string) {
	fs.mu.Lock()
	fs.respond = f
	fs.mu.Unlock()
}

// holdREST blocks REST responses until the returned func is called.
func (fs *fakeServer) holdREST() (release func()) {
	hold := make(chan struct{})
	fs.mu.Lock()
	fs.hold = hold
	fs.mu.Unlock()
	var once sync.Once
	release = func() {
		once.Do(func() {
			fs.mu.Lock()
			fs.hold = nil
			fs.mu.Unlock()
			close(hold)
		})
	}
	fs.t.Cleanup(release)
	return release
}

func (fs *fakeServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	if fs.refuse.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("token") != fs.token || r.Header.Get("Authorization") != "Bearer "+fs.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.accepted++
	fs.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		select {
		case fs.received <- msg:
		default:
		}
		fs.mu.Lock()
		respond := fs.respond
		fs.mu.Unlock()
		if respond == nil {
			continue
		}
		for _, reply := range respond(msg) {
			if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
	}
}

// push writes raw to the most recent connection.
func (fs *fakeServer) push(raw string) {
	fs.t.Helper()
	fs.mu.Lock()
	require.NotEmpty(fs.t, fs.conns, "no client connected")
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(fs.t, conn.Write(ctx, websocket.MessageText, []byte(raw)))
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (fs *fakeServer) acceptedCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.accepted
}

// next returns the next message the client sent.
func (fs *fakeServer) next() gjson.Result {
	fs.t.Helper()
	select {
	case msg := <-fs.received:
		return msg
	case <-time.After(2 * time.Second):
		fs.t.Fatal("timed out waiting for client message")
		return gjson.Result{}
	}
}
