package transcendence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ChannelHandlers receive the lifecycle of one open connection.
// OnMessage is called from the read goroutine, one message at a time.
// OnClose fires once when the connection ends without Close being called.
type ChannelHandlers struct {
	OnMessage func(Envelope)
	OnClose   func(err error)
}

type channelConn struct {
	ws       *websocket.Conn
	cancel   context.CancelFunc
	handlers ChannelHandlers
}

// Channel owns at most one websocket connection to the social endpoint.
type Channel struct {
	mu    sync.Mutex
	state ConnectionState
	cur   *channelConn

	baseURL   string
	token     func() string
	readLimit int64
	metrics   *Metrics
	log       zerolog.Logger
}

func NewChannel(baseURL string, token func() string, m *Metrics, log zerolog.Logger) *Channel {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Channel{
		state:     StateClosed,
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		readLimit: 1 << 20,
		metrics:   m,
		log:       log.With().Str("component", "channel").Logger(),
	}
}

// socketURL derives ws(s)://host/ws/social/ from the REST base URL.
func socketURL(baseURL, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws/social/"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the endpoint and starts delivering messages to h. It fails if
// the channel is not closed.
func (c *Channel) Open(ctx context.Context, h ChannelHandlers) error {
	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("channel is %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	token := c.token()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	ws, resp, err := websocket.Dial(ctx, socketURL(c.baseURL, token), opts)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("websocket dial: %w", ErrUnauthorized)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(c.readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	cc := &channelConn{ws: ws, cancel: cancel, handlers: h}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing.
		c.mu.Unlock()
		cancel()
		ws.Close(websocket.StatusNormalClosure, "client closed")
		return ErrConnectionClosed
	}
	c.cur = cc
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Debug().Msg("channel open")
	go c.readLoop(connCtx, cc)
	return nil
}

// Send encodes v as JSON and writes it.
func (c *Channel) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	cc := c.cur
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || cc == nil {
		return ErrNotOpen
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := cc.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close ends the connection without reporting OnClose. Calling it on a
// closed channel is a no-op.
func (c *Channel) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	cc := c.cur
	c.cur = nil
	c.state = StateClosed
	if cc != nil {
		cc.handlers = ChannelHandlers{}
	}
	c.mu.Unlock()
	if cc == nil {
		return nil
	}
	cc.cancel()
	return cc.ws.Close(code, reason)
}

// Abort ends the connection as if the transport had failed with err.
func (c *Channel) Abort(err error) {
	c.mu.Lock()
	cc := c.cur
	c.mu.Unlock()
	if cc != nil {
		c.terminate(cc, err)
	}
}

func (c *Channel) readLoop(ctx context.Context, cc *channelConn) {
	for {
		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			c.terminate(cc, err)
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			c.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed message")
			continue
		}
		if env.Type == MsgPing {
			if err := c.Send(ctx, PingCommand{Type: MsgPong}); err != nil {
				c.log.Debug().Err(err).Msg("pong failed")
			}
			continue
		}
		c.mu.Lock()
		h := cc.handlers.OnMessage
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

// terminate tears down cc if it is still current and reports OnClose once.
func (c *Channel) terminate(cc *channelConn, err error) {
	c.mu.Lock()
	if c.cur != cc {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.state = StateClosed
	onClose := cc.handlers.OnClose
	cc.handlers = ChannelHandlers{}
	c.mu.Unlock()

	cc.cancel()
	cc.ws.Close(websocket.StatusGoingAway, "")

	c.log.Info().Err(err).Int("status", int(websocket.CloseStatus(err))).Msg("channel closed unexpectedly")
	if onClose != nil {
		onClose(err)
	}
}
