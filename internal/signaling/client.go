package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrConnectionUnavailable is returned when the signaling server could not
// be reached within the configured attempt budget. It is terminal: the
// caller is expected to leave the session and surface a notice.
var ErrConnectionUnavailable = errors.New("signaling server unavailable")

// Handler consumes the raw payload of one signaling event.
type Handler func(data json.RawMessage)

// Subscription is a handle to one registered handler. Cancelling it twice
// is safe.
type Subscription struct {
	c     *Client
	event string
	id    int64
}

// Cancel deregisters the handler. Every subscription taken for a
// connection role's lifetime must be cancelled exactly once on teardown,
// otherwise duplicate delivery corrupts negotiation state after a rejoin.
func (s *Subscription) Cancel() {
	if s == nil || s.c == nil {
		return
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if hs, ok := s.c.handlers[s.event]; ok {
		delete(hs, s.id)
		if len(hs) == 0 {
			delete(s.c.handlers, s.event)
		}
	}
	s.c = nil
}

// DialOptions bundles what Dial needs beyond the config.
type DialOptions struct {
	URL             string
	Token           oauth2.TokenSource
	ConnectAttempts int
	ConnectDelay    time.Duration
	AckTimeout      time.Duration
}

// Client wraps one websocket connection to the coordination server and
// fans incoming envelopes out to typed event handlers. The client is
// owned by the session that dialed it; there is no package-level socket.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]map[int64]Handler
	nextID   int64

	onDown func(error)

	closeOnce sync.Once
	closed    chan struct{}

	socketID string

	log *zap.Logger
}

// SocketID is the session-scoped id the server assigned in its connect
// acknowledgment. It changes across reconnects.
func (c *Client) SocketID() string { return c.socketID }

// Dial connects to the signaling server, retrying up to opts.ConnectAttempts
// with a constant inter-attempt delay. The connection only counts as
// established once the server's explicit "connected" acknowledgment frame
// arrives; a bare socket-open is not enough. The read pump is not started
// until Start is called, so handlers can be registered without racing
// early events.
func Dial(ctx context.Context, opts DialOptions, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("signaling")

	attempts := opts.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	remaining := attempts

	type dialResult struct {
		conn     *websocket.Conn
		socketID string
	}

	dial := func() (dialResult, error) {
		remaining--
		header := http.Header{}
		if opts.Token != nil {
			tok, err := opts.Token.Token()
			if err != nil {
				return dialResult{}, backoff.Permanent(fmt.Errorf("failed to read bearer credential: %w", err))
			}
			header.Set("Authorization", "Bearer "+tok.AccessToken)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
		if err != nil {
			return dialResult{}, fmt.Errorf("websocket dial failed: %w", err)
		}

		socketID, err := awaitAck(conn, opts.AckTimeout)
		if err != nil {
			conn.Close()
			return dialResult{}, err
		}
		return dialResult{conn: conn, socketID: socketID}, nil
	}

	notify := func(err error, _ time.Duration) {
		log.Warn("signaling connect failed, retrying",
			zap.Int("attempts_remaining", remaining),
			zap.Error(err))
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.ConnectDelay), uint64(attempts-1)),
		ctx)

	res, err := backoff.RetryNotifyWithData(dial, bo, notify)
	if err != nil {
		log.Error("signaling connect attempts exhausted", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}

	log.Info("signaling connected",
		zap.String("url", opts.URL),
		zap.String("socket_id", res.socketID))
	return &Client{
		conn:     res.conn,
		handlers: make(map[string]map[int64]Handler),
		closed:   make(chan struct{}),
		socketID: res.socketID,
		log:      log,
	}, nil
}

// awaitAck blocks until the server acknowledges the connection or the
// deadline expires, and returns the socket id the server assigned.
func awaitAck(conn *websocket.Conn, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("no connect acknowledgment: %w", err)
	}
	if env.Event != EventConnected {
		return "", fmt.Errorf("expected %q acknowledgment, got %q", EventConnected, env.Event)
	}
	var ack SocketMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return "", fmt.Errorf("malformed connect acknowledgment: %w", err)
		}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", err
	}
	return ack.SocketID, nil
}

// On registers a handler for an event name.
func (c *Client) On(event string, h Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int64]Handler)
	}
	c.handlers[event][id] = h
	return &Subscription{c: c, event: event, id: id}
}

// SetOnDown installs the callback invoked when the read pump exits with a
// transport error. Must be called before Start.
func (c *Client) SetOnDown(f func(error)) {
	c.onDown = f
}

// Start launches the read pump. Handlers run one at a time on the pump
// goroutine so events are delivered in wire order.
func (c *Client) Start() {
	go c.readPump()
}

func (c *Client) readPump() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.log.Warn("signaling connection lost", zap.Error(err))
			if c.onDown != nil {
				c.onDown(err)
			}
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	if len(hs) == 0 {
		c.log.Debug("no handler for event", zap.String("event", env.Event))
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}

// Emit sends one event envelope to the server.
func (c *Client) Emit(event string, payload any) error {
	select {
	case <-c.closed:
		return fmt.Errorf("signaling client closed")
	default:
	}

	var (
		data json.RawMessage
		err  error
	)
	if payload != nil {
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// CancelAll drops every registered handler. Used by session teardown
// before the transport itself is closed.
func (c *Client) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[string]map[int64]Handler)
}

// Close tears the transport down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.CancelAll()
		err = c.conn.Close()
	})
	return err
}
