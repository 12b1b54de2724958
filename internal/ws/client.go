package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmgr818/comment-overlay/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MB
	sendBufferSize = 256

	// DefaultBackoffBase and DefaultBackoffJitter put backoff delays in [7s, 20s).
	DefaultBackoffBase   = 7 * time.Second
	DefaultBackoffJitter = 13 * time.Second
)

var (
	ErrInvalidURL       = errors.New("invalid websocket url")
	ErrMalformedMessage = errors.New("malformed message")
	ErrClosed           = errors.New("client closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// CloseEvent describes why the current connection ended.
type CloseEvent struct {
	Code   int
	Reason string
}

// Handler receives connection lifecycle events. Callbacks for one connection
// arrive in order: OnOpen, then any OnMessage/OnError, then OnClose.
type Handler interface {
	OnOpen(ctl Control)
	OnClose(ev CloseEvent)
	OnError(err error)
	OnMessage(msg *model.Message)
}

// Control is the owner's handle on one open connection. Send is a no-op once
// that connection is no longer the client's current one.
type Control interface {
	Send(msg *model.Message) error
	Reconnect() error
	ReconnectWithBackoff()
	Close() error
}

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithBackoff sets the reconnect delay to base + jitter*rand().
func WithBackoff(base, jitter time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffJitter = jitter
	}
}

// WithRand overrides the [0,1) random source used for backoff jitter.
func WithRand(f func() float64) Option {
	return func(c *Client) { c.rand = f }
}

// WithAfterFunc overrides how backoff timers are scheduled.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Client) { c.afterFunc = f }
}

// Client owns at most one WebSocket connection at a time and keeps a stable
// control surface across reconnects. It never reconnects on its own; the
// owner decides from OnClose.
type Client struct {
	serverURL     string
	handler       Handler
	dialer        *websocket.Dialer
	logger        *slog.Logger
	rand          func() float64
	afterFunc     AfterFunc
	backoffBase   time.Duration
	backoffJitter time.Duration

	mu           sync.Mutex
	parentCtx    context.Context
	conn         *conn
	state        State
	closed       bool
	backoffTimer Timer
	reconnects   int
	attempt      uint64 // bumped by every dial
}

// conn is one transport instance.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// shutdown sends a normal close frame and tears the connection down. Safe to
// call more than once.
func (cn *conn) shutdown() {
	cn.once.Do(func() {
		close(cn.done)
		cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		cn.ws.Close()
	})
}

// NewClient creates a client for serverURL, which must be a ws:// or wss://
// URL with a host. Nothing is dialed until Connect.
func NewClient(serverURL string, handler Handler, opts ...Option) (*Client, error) {
	if err := ValidateURL(serverURL); err != nil {
		return nil, err
	}

	c := &Client{
		serverURL:     serverURL,
		handler:       handler,
		dialer:        websocket.DefaultDialer,
		logger:        slog.Default(),
		rand:          rand.Float64,
		afterFunc:     realAfterFunc,
		backoffBase:   DefaultBackoffBase,
		backoffJitter: DefaultBackoffJitter,
		parentCtx:     context.Background(),
		state:         StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ws")
	return c, nil
}

// ValidateURL checks that raw is a ws:// or wss:// URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// Connect dials the server. ctx bounds the dial and every later reconnect.
// A failed dial is also reported through OnError and OnClose, so the owner's
// close policy applies to it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.parentCtx = ctx
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.attempt++
	attempt := c.attempt
	c.state = StateConnecting
	c.mu.Unlock()

	wsConn, _, err := c.dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		c.mu.Lock()
		// Only the latest dial, with no connection installed since, owns
		// the close report.
		superseded := c.conn != nil || c.attempt != attempt
		if !superseded {
			c.state = StateClosed
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return ErrClosed
		}
		if superseded {
			c.logger.Debug("dial failed after being superseded", "url", c.serverURL, "error", err)
			return fmt.Errorf("dial failed: %w", err)
		}
		c.logger.Warn("dial failed", "url", c.serverURL, "error", err)
		c.handler.OnError(err)
		c.handler.OnClose(CloseEvent{Code: model.CloseAbnormal, Reason: err.Error()})
		return fmt.Errorf("dial failed: %w", err)
	}

	cn := &conn{
		ws:   wsConn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.shutdown()
		return ErrClosed
	}
	old := c.conn
	c.conn = cn
	c.state = StateOpen
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	c.logger.Info("connected", "url", c.serverURL)

	// The owner's handshake is queued before any inbound frame is read.
	c.handler.OnOpen(&control{client: c, conn: cn})

	go c.readPump(cn)
	go c.writePump(cn)

	return nil
}

// Send queues msg on the current connection. It is a no-op when not connected.
func (c *Client) Send(msg *model.Message) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		c.logger.Debug("send skipped, not connected", "type", msg.Type)
		return nil
	}
	return c.sendOn(cn, msg)
}

func (c *Client) sendOn(cn *conn, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	c.mu.Lock()
	current := c.conn == cn
	c.mu.Unlock()
	if !current {
		c.logger.Debug("send skipped, connection replaced", "type", msg.Type)
		return nil
	}

	select {
	case <-cn.done:
		return nil
	case cn.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Reconnect drops the current connection and dials a new one right away.
// A pending backoff reconnect is cancelled.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
	old := c.conn
	c.conn = nil
	c.state = StateClosing
	c.reconnects++
	ctx := c.parentCtx
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}

	c.logger.Info("reconnecting", "url", c.serverURL)
	return c.connect(ctx)
}

// ReconnectWithBackoff schedules one Reconnect after a random delay. Calls
// made while a reconnect is already scheduled are ignored.
func (c *Client) ReconnectWithBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.backoffTimer != nil {
		c.logger.Info("reconnect already scheduled, ignoring")
		return
	}

	delay := c.backoffBase + time.Duration(float64(c.backoffJitter)*c.rand())
	c.logger.Info("reconnecting with backoff", "delay", delay)

	var t Timer
	t = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.backoffTimer != t {
			c.mu.Unlock()
			return
		}
		c.backoffTimer = nil
		c.mu.Unlock()

		if err := c.Reconnect(); err != nil {
			c.logger.Warn("backoff reconnect failed", "error", err)
		}
	})
	c.backoffTimer = t
}

// Close cancels any scheduled reconnect and closes the connection for good.
// The close of a connection torn down this way is not reported to OnClose.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
		c.backoffTimer = nil
	}
	cn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if cn != nil {
		cn.shutdown()
	}
	c.logger.Info("closed")
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BackoffPending reports whether a backoff reconnect is scheduled.
func (c *Client) BackoffPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffTimer != nil
}

// Reconnects returns how many reconnects have been started.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) readPump(cn *conn) {
	cn.ws.SetReadLimit(maxMessageSize)
	cn.ws.SetReadDeadline(time.Now().Add(pongWait))
	cn.ws.SetPongHandler(func(string) error {
		cn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(cn, err)
			return
		}
		if !c.dispatch(cn, data) {
			return
		}
	}
}

// dispatch hands data to the handler unless cn has been torn down.
func (c *Client) dispatch(cn *conn, data []byte) bool {
	select {
	case <-cn.done:
		return false
	default:
	}
	c.handleMessage(data)
	return true
}

func (c *Client) writePump(cn *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-cn.send:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("write failed", "error", err)
				cn.ws.Close()
				return
			}

		case <-ticker.C:
			cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				cn.ws.Close()
				return
			}

		case <-cn.done:
			return
		}
	}
}

func (c *Client) handleDisconnect(cn *conn, err error) {
	select {
	case <-cn.done:
		// torn down locally
		return
	default:
	}
	cn.shutdown()

	c.mu.Lock()
	current := c.conn == cn
	if current {
		c.conn = nil
		c.state = StateClosed
	}
	c.mu.Unlock()

	if !current {
		return
	}

	ev := CloseEvent{Code: model.CloseAbnormal, Reason: err.Error()}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		ev = CloseEvent{Code: closeErr.Code, Reason: closeErr.Text}
	}
	if ev.Code == model.CloseAbnormal {
		c.handler.OnError(err)
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("disconnected", "code", ev.Code, "reason", ev.Reason)
	} else {
		c.logger.Info("disconnected", "code", ev.Code)
	}
	c.handler.OnClose(ev)
}

func (c *Client) handleMessage(data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("invalid message", "error", err)
		c.handler.OnError(fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return
	}
	c.handler.OnMessage(&msg)
}

// control binds the Control surface to one transport instance.
type control struct {
	client *Client
	conn   *conn
}

func (ctl *control) Send(msg *model.Message) error { return ctl.client.sendOn(ctl.conn, msg) }
func (ctl *control) Reconnect() error               { return ctl.client.Reconnect() }
func (ctl *control) ReconnectWithBackoff()          { ctl.client.ReconnectWithBackoff() }
func (ctl *control) Close() error                   { return ctl.client.Close() }
