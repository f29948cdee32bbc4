package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"convsync/internal/domain"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Status is reported to the listener on every state change.
type Status struct {
	State       State
	Reconnected bool // connected again after a drop
	Err         error
}

// Listener receives inbound frames and state changes. Both are called from
// the client's read goroutine, one at a time; blocking slows the reader.
type Listener interface {
	OnFrame(namespace string, f Frame)
	OnStatus(namespace string, st Status)
}

// Config configures one namespace connection.
type Config struct {
	URL                  string // http(s) or ws(s) base URL of the server
	Namespace            string
	UserID               string
	Token                string // sent as a bearer token when set
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 = unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	HTTPClient           *http.Client
	Listener             Listener
	Logger               *slog.Logger
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a WebSocket connection to one namespace with auto-reconnect,
// heartbeat and request/ack correlation.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            State
	intentionalClose bool
	runCtx           context.Context
	cancelFn         context.CancelFunc
	recon            *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan Frame
}

// New creates a disconnected client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("namespace", cfg.Namespace),
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
		pending: make(map[string]chan Frame),
	}
}

// Namespace returns the namespace this client serves.
func (c *Client) Namespace() string { return c.cfg.Namespace }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server. ctx bounds the dial only; the connection then
// lives until Close.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.UserID == "" {
		return domain.ErrEmptyUserID
	}
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCtx, c.cancelFn = runCtx, cancel
	c.mu.Unlock()

	if err := c.dial(ctx, runCtx, false); err != nil {
		cancel()
		c.setState(StateDisconnected)
		return &domain.ConnectionError{Namespace: c.cfg.Namespace, Err: err}
	}
	return nil
}

// Close shuts the connection down without reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	wasUp := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	c.failPending()
	if wasUp {
		c.notify(Status{State: StateDisconnected})
	}
	if conn != nil {
		// the cancelled reader may already have torn the socket down
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(ctx context.Context, event string, args ...any) error {
	f, err := NewFrame(event, args...)
	if err != nil {
		return err
	}
	return c.write(ctx, f)
}

// Request sends an event carrying an ack id and waits for the matching ack
// frame, up to the configured ack timeout.
func (c *Client) Request(ctx context.Context, event string, args ...any) (Frame, error) {
	f, err := NewFrame(event, args...)
	if err != nil {
		return Frame{}, err
	}
	f.AckID = uuid.NewString()

	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[f.AckID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.AckID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return Frame{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return Frame{}, domain.ErrNotConnected
		}
		return ack, nil
	case <-timer.C:
		return Frame{}, fmt.Errorf("%s: ack timeout", event)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &domain.ConnectionError{Namespace: c.cfg.Namespace, Err: err}
	}
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + c.cfg.Namespace
	q := u.Query()
	q.Set("userId", c.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx, runCtx context.Context, reconnected bool) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("X-User-Id", c.cfg.UserID)
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during dial")
		return errors.New("client closed")
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()
	c.recon.markConnected()

	c.logger.Info("connected", "reconnected", reconnected)
	c.notify(Status{State: StateConnected, Reconnected: reconnected})

	connCtx, cancel := context.WithCancel(runCtx)
	go c.readLoop(connCtx, cancel, conn)
	go c.heartbeatLoop(connCtx, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			c.failPending()
			if intentional {
				return
			}

			c.setState(StateDisconnected)
			c.logger.Warn("connection lost", "err", err)
			c.notify(Status{State: StateDisconnected, Err: &domain.ConnectionError{Namespace: c.cfg.Namespace, Err: err}})

			if c.cfg.AutoReconnect {
				c.reconnect()
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.logger.Debug("ignoring undecodable frame", "err", err)
			continue
		}

		if f.Event == EventAck {
			c.resolve(f)
			continue
		}
		if c.cfg.Listener != nil {
			c.cfg.Listener.OnFrame(c.cfg.Namespace, f)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Heartbeat failed, force close so the reader reconnects
				c.logger.Warn("heartbeat failed", "err", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Client) reconnect() {
	runCtx := c.runContext()
	for c.recon.shouldReconnect() {
		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		delay, attempt := c.recon.nextDelay()
		c.notify(Status{State: StateReconnecting})
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
			return
		}

		dialCtx, cancel := context.WithTimeout(runCtx, c.cfg.AckTimeout)
		err := c.dial(dialCtx, runCtx, true)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("reconnect failed", "err", err)
	}

	c.setState(StateDisconnected)
	c.notify(Status{State: StateDisconnected, Err: &domain.ConnectionError{
		Namespace: c.cfg.Namespace,
		Err:       errors.New("reconnect attempts exhausted"),
	}})
}

// runContext returns the context that lives until Close.
func (c *Client) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return c.runCtx
}

func (c *Client) resolve(f Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.AckID]
	if ok {
		delete(c.pending, f.AckID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for k, ch := range c.pending {
		close(ch)
		delete(c.pending, k)
	}
	c.pendingMu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) notify(st Status) {
	if c.cfg.Listener != nil {
		c.cfg.Listener.OnStatus(c.cfg.Namespace, st)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}
