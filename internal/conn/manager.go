// Package conn owns the two namespace connections of a signed-in user and
// the join handshake for the active conversation room.
//
// All Manager methods except Connect and Close run on the engine's actor
// loop. Transport callbacks are posted onto that loop.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"convsync/internal/bus"
	"convsync/internal/domain"
	"convsync/internal/metrics"
	"convsync/internal/transport"
)

// Namespaces.
const (
	NamespaceConversation  = "conversation"
	NamespaceNotifications = "notifications"
)

// Inbound event names.
const (
	EventNewMessage       = "new_message"
	EventMessagesReceived = "messages_received"
	EventMessagesSeen     = "messages_seen"
	EventNotification     = "notification"
)

// State of the conversation namespace.
type State int

const (
	Disconnected State = iota
	Connecting
	ConnectedUnjoined
	Joined
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case ConnectedUnjoined:
		return "connected"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Transport is the subset of *transport.Client the manager uses.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Emit(ctx context.Context, event string, args ...any) error
	Request(ctx context.Context, event string, args ...any) (transport.Frame, error)
}

// Handlers receive dispatched inbound events on the actor loop.
type Handlers struct {
	NewMessage       func(raw json.RawMessage)
	MessagesReceived func(list, meta json.RawMessage)
	MessagesSeen     func(ids, user json.RawMessage)
	Notification     func(raw json.RawMessage)
	Joined           func(room string)
}

// Config configures a Manager.
type Config struct {
	// Transport is the template for both namespace connections; URL,
	// Namespace, UserID and Listener are filled in by Connect.
	Transport    transport.Config
	NewTransport func(cfg transport.Config) Transport
	Post         func(f func()) error
	Handlers     Handlers
	Bus          *bus.Bus
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

// Manager tracks connection state and the active room.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]Transport

	// owned by the actor loop
	state      State
	notifyUp   bool
	userID     string
	lifetime   uint64
	joinSeq    uint64
	activeRoom string
	joinedRoom string
	attempted  map[string]bool
	errs       map[string]error
	closed     bool
}

// New creates a disconnected manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = func(c transport.Config) Transport { return transport.New(c) }
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		clients:   make(map[string]Transport),
		attempted: make(map[string]bool),
		errs:      make(map[string]error),
	}
}

// Connect opens both namespace transports for userID. It runs off the
// actor loop and blocks until both dials finish.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrEmptyUserID
	}
	if err := m.cfg.Post(func() {
		m.userID = userID
		m.closed = false
		m.state = Connecting
	}); err != nil {
		return err
	}

	var firstErr error
	for _, ns := range []string{NamespaceConversation, NamespaceNotifications} {
		cfg := m.cfg.Transport
		cfg.Namespace = ns
		cfg.UserID = userID
		cfg.Listener = m
		if cfg.Logger == nil {
			cfg.Logger = m.logger
		}
		t := m.cfg.NewTransport(cfg)

		m.mu.Lock()
		m.clients[ns] = t
		m.mu.Unlock()

		if err := t.Connect(ctx); err != nil {
			m.logger.Error("connect failed", "namespace", ns, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		_ = m.cfg.Post(func() {
			if m.state == Connecting {
				m.state = Disconnected
			}
		})
	}
	return firstErr
}

// Close tears both transports down. The manager stays Disconnected until
// the next Connect. Call it off the actor loop.
func (m *Manager) Close() error {
	_ = m.cfg.Post(func() {
		m.closed = true
		m.state = Disconnected
		m.notifyUp = false
		m.joinedRoom = ""
	})
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]Transport)
	m.mu.Unlock()

	var firstErr error
	for _, t := range clients {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnFrame implements transport.Listener. Blocking on a full inbox is the
// backpressure path.
func (m *Manager) OnFrame(namespace string, f transport.Frame) {
	if err := m.cfg.Post(func() { m.Dispatch(namespace, f) }); err != nil {
		m.logger.Debug("frame after shutdown", "event", f.Event)
	}
}

// OnStatus implements transport.Listener.
func (m *Manager) OnStatus(namespace string, st transport.Status) {
	_ = m.cfg.Post(func() { m.handleStatus(namespace, st) })
}

func (m *Manager) handleStatus(ns string, st transport.Status) {
	up := st.State == transport.StateConnected
	m.cfg.Metrics.Connection(ns, up, st.Reconnected)
	m.publish(bus.Event{
		Type:    bus.EventConnection,
		Payload: bus.ConnectionPayload{Namespace: ns, Connected: up, Reconnected: st.Reconnected, Err: st.Err},
	})

	if ns == NamespaceNotifications {
		m.notifyUp = up
		return
	}
	if m.closed {
		return
	}

	switch st.State {
	case transport.StateConnected:
		// every transport-level connect is a new lifetime
		m.lifetime++
		m.attempted = make(map[string]bool)
		m.joinedRoom = ""
		m.state = ConnectedUnjoined
		if m.activeRoom != "" {
			if err := m.JoinRoom(m.activeRoom); err != nil {
				m.logger.Warn("rejoin failed", "room", m.activeRoom, "err", err)
			}
		}
	case transport.StateReconnecting, transport.StateConnecting:
		m.state = Connecting
		m.joinedRoom = ""
	case transport.StateDisconnected:
		m.state = Disconnected
		m.joinedRoom = ""
		if st.Err != nil && m.activeRoom != "" {
			m.errs[m.activeRoom] = st.Err
		}
	}
}

// JoinRoom makes room the active room and starts the join handshake. When
// the transport is not up yet the room is remembered and joined on connect.
// Only one attempt per room is made per connection lifetime.
func (m *Manager) JoinRoom(room string) error {
	if room == "" {
		return fmt.Errorf("join: room is required")
	}
	if m.activeRoom != "" && m.activeRoom != room {
		m.leaveActive()
	}
	m.activeRoom = room

	if m.state != ConnectedUnjoined && m.state != Joined {
		return domain.ErrNotConnected
	}
	if m.joinedRoom == room {
		return nil
	}
	if m.attempted[room] {
		return domain.ErrJoinAttempted
	}
	m.attempted[room] = true
	delete(m.errs, room)

	t := m.client(NamespaceConversation)
	if t == nil {
		return domain.ErrNotConnected
	}
	m.joinSeq++
	lifetime, seq := m.lifetime, m.joinSeq
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		defer cancel()
		ack, err := t.Request(ctx, "join", map[string]string{"room": room})
		_ = m.cfg.Post(func() { m.joinResult(room, lifetime, seq, ack, err) })
	}()
	m.logger.Debug("join requested", "room", room)
	return nil
}

// RetryJoin clears the attempt guard for room and joins again.
func (m *Manager) RetryJoin(room string) error {
	delete(m.attempted, room)
	return m.JoinRoom(room)
}

func (m *Manager) joinResult(room string, lifetime, seq uint64, ack transport.Frame, err error) {
	var reply transport.AckReply
	if err == nil {
		if derr := ack.Decode(0, &reply); derr != nil {
			err = derr
		}
	}
	if lifetime != m.lifetime || seq != m.joinSeq || room != m.activeRoom || m.closed {
		m.logger.Debug("stale join result", "room", room)
		// the server joined us to a room the user already switched away from
		if err == nil && reply.Success && lifetime == m.lifetime && room != m.activeRoom && !m.closed {
			m.emitAsync(NamespaceConversation, "leave", []any{map[string]string{"room": room}}, nil)
		}
		return
	}
	if err == nil && !reply.Success {
		jerr := &domain.JoinError{Room: room, Reason: reply.Error}
		if jerr.Reason == "" {
			jerr.Reason = "rejected"
		}
		m.failJoin(jerr)
		return
	}
	if err != nil {
		m.failJoin(&domain.JoinError{Room: room, Err: err})
		return
	}

	m.state = Joined
	m.joinedRoom = room
	delete(m.errs, room)
	m.cfg.Metrics.Join(true)
	m.logger.Info("joined room", "room", room)
	m.publish(bus.Event{Type: bus.EventJoined, ConversationID: room})
	if m.cfg.Handlers.Joined != nil {
		m.cfg.Handlers.Joined(room)
	}
}

func (m *Manager) failJoin(err *domain.JoinError) {
	m.errs[err.Room] = err
	if m.state == Joined {
		m.state = ConnectedUnjoined
	}
	m.cfg.Metrics.Join(false)
	m.logger.Warn("join failed", "room", err.Room, "err", err)
	m.publish(bus.Event{
		Type:           bus.EventJoinError,
		ConversationID: err.Room,
		Payload:        bus.JoinErrorPayload{Err: err},
	})
}

// LeaveRoom leaves the joined room and clears the active room.
func (m *Manager) LeaveRoom() {
	m.leaveActive()
	m.activeRoom = ""
}

// leaveActive leaves the active room whether its join was acked, is still
// pending or failed. Without a live connection only the guard is cleared.
func (m *Manager) leaveActive() {
	room := m.activeRoom
	if room == "" {
		return
	}
	if m.state != ConnectedUnjoined && m.state != Joined {
		delete(m.attempted, room)
		return
	}
	m.leave(room)
}

// leave ends the membership of a joined room; opening it again later is a
// fresh attempt.
func (m *Manager) leave(room string) {
	delete(m.attempted, room)
	if m.joinedRoom == room {
		m.joinedRoom = ""
		if m.state == Joined {
			m.state = ConnectedUnjoined
		}
	}
	m.emitAsync(NamespaceConversation, "leave", []any{map[string]string{"room": room}}, nil)
}

// Emit sends an event to the joined room. It fails with ErrNotJoined when
// the active room is not joined; write failures are reported to onErr on
// the actor loop.
func (m *Manager) Emit(event string, args []any, onErr func(error)) error {
	if m.state != Joined || m.joinedRoom == "" {
		return domain.ErrNotJoined
	}
	m.emitAsync(NamespaceConversation, event, args, onErr)
	return nil
}

func (m *Manager) emitAsync(ns, event string, args []any, onErr func(error)) {
	t := m.client(ns)
	if t == nil {
		if onErr != nil {
			onErr(domain.ErrNotConnected)
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
		defer cancel()
		if err := t.Emit(ctx, event, args...); err != nil {
			m.logger.Warn("emit failed", "event", event, "err", err)
			if onErr != nil {
				_ = m.cfg.Post(func() { onErr(err) })
			}
		}
	}()
}

// Dispatch routes one inbound frame to its handler.
func (m *Manager) Dispatch(namespace string, f transport.Frame) {
	h := m.cfg.Handlers
	switch f.Event {
	case EventNewMessage:
		if h.NewMessage != nil {
			h.NewMessage(f.Arg(0))
		}
	case EventMessagesReceived:
		if h.MessagesReceived != nil {
			h.MessagesReceived(f.Arg(0), f.Arg(1))
		}
	case EventMessagesSeen:
		if h.MessagesSeen != nil {
			h.MessagesSeen(f.Arg(0), f.Arg(1))
		}
	case EventNotification:
		if h.Notification != nil {
			h.Notification(f.Arg(0))
		}
	default:
		m.logger.Debug("unhandled event", "namespace", namespace, "event", f.Event)
	}
}

// State returns the conversation namespace state.
func (m *Manager) State() State { return m.state }

// Connected reports whether the conversation transport is up.
func (m *Manager) Connected() bool {
	return m.state == ConnectedUnjoined || m.state == Joined
}

// NotificationsConnected reports whether the notifications transport is up.
func (m *Manager) NotificationsConnected() bool { return m.notifyUp }

// ActiveRoom returns the room the UI has open.
func (m *Manager) ActiveRoom() string { return m.activeRoom }

// JoinedRoom returns the room whose join was acknowledged.
func (m *Manager) JoinedRoom() string { return m.joinedRoom }

// Err returns the last transport or join error for room.
func (m *Manager) Err(room string) error { return m.errs[room] }

// UserID returns the connected user.
func (m *Manager) UserID() string { return m.userID }

func (m *Manager) client(ns string) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[ns]
}

func (m *Manager) publish(e bus.Event) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(e)
	}
}
