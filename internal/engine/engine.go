// Package engine wires the connection manager, message store, pagination
// controller, notification router and toast presenter onto one actor loop
// and exposes the commands and queries UI code uses.
//
// Every exported method may be called from any goroutine except from inside
// a bus handler: handlers run on the loop and must not call back into the
// Engine synchronously.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"convsync/internal/actor"
	"convsync/internal/bus"
	"convsync/internal/conn"
	"convsync/internal/domain"
	"convsync/internal/kvstore"
	"convsync/internal/metrics"
	"convsync/internal/msgstore"
	"convsync/internal/notify"
	"convsync/internal/pagination"
	"convsync/internal/session"
	"convsync/internal/toast"
	"convsync/internal/transport"
)

const (
	defaultPageSize     = 20
	defaultFetchTimeout = 8 * time.Second
	defaultInboxSize    = 256
)

var (
	// ErrNotRunning is returned for commands issued before Start or after Stop.
	ErrNotRunning = errors.New("engine not running")
	// ErrMessageNotFound is returned when a command names a message the
	// active conversation does not hold.
	ErrMessageNotFound = errors.New("message not found")
	// ErrEmptyMessage is returned for drafts without content or attachments.
	ErrEmptyMessage = errors.New("message is empty")
)

// Config holds the engine's collaborators and tuning.
type Config struct {
	ServerURL    string
	PageSize     int
	FetchTimeout time.Duration
	InboxSize    int

	// Transport is the template for both namespace connections.
	Transport    transport.Config
	NewTransport func(cfg transport.Config) conn.Transport

	ToastVisible   time.Duration
	ToastAnimation time.Duration
	ToastSettle    time.Duration
	HistoryCap     int

	// Store is wrapped in a write-behind queue and closed by Stop.
	Store     domain.KVStore
	Session   *session.Service
	Directory domain.Directory
	Uploader  domain.Uploader
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Now       func() time.Time

	// OnNavigate is called when a toast is tapped.
	OnNavigate func(n domain.Notification)
}

// Engine is the client-side sync engine for one signed-in user. It runs
// once: after Stop, create a new one.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	loop   *actor.Loop
	bus    *bus.Bus
	conn   *conn.Manager
	store  *msgstore.Store
	pager  *pagination.Controller
	router *notify.Router
	toasts *toast.Presenter
	kv     *kvstore.WriteBehind

	// owned by the loop
	user           session.User
	ref            domain.ConversationRef
	flushScheduled bool
	fetchStarted   time.Time
	fetchTimer     *time.Timer

	running  atomic.Bool
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	endHook  func()
	stopOnce sync.Once
	stopErr  error
}

// New builds an engine. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("engine: server url is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("engine: session service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemory()
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		loop:   actor.New(cfg.InboxSize, cfg.Logger),
		bus:    bus.New(cfg.Logger),
		pager:  pagination.New(""),
	}
	e.store = msgstore.New(msgstore.Config{Logger: cfg.Logger, Now: cfg.Now})
	e.kv = kvstore.NewWriteBehind(kvstore.WriteBehindConfig{
		Store:  cfg.Store,
		Logger: cfg.Logger,
		OnError: func(key string, err error) {
			cfg.Metrics.StorageError()
			cfg.Logger.Warn("persist failed", "key", key, "err", err)
		},
	})
	e.toasts = toast.New(toast.Config{
		Visible:   cfg.ToastVisible,
		Animation: cfg.ToastAnimation,
		Settle:    cfg.ToastSettle,
		After: func(d time.Duration, f func()) func() bool {
			return e.loop.After(d, f).Stop
		},
		Bus:      e.bus,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
		MarkRead: func(id string) { e.router.MarkConversationAsRead(id) },
		Navigate: cfg.OnNavigate,
	})
	e.router = notify.New(notify.Config{
		Store:      e.kv,
		Toaster:    e.toasts,
		Bus:        e.bus,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
		HistoryCap: cfg.HistoryCap,
	})

	tc := cfg.Transport
	tc.URL = cfg.ServerURL
	e.conn = conn.New(conn.Config{
		Transport:    tc,
		NewTransport: cfg.NewTransport,
		Post:         e.loop.Post,
		Handlers: conn.Handlers{
			NewMessage:       e.onNewMessage,
			MessagesReceived: e.onMessagesReceived,
			MessagesSeen:     e.onMessagesSeen,
			Notification:     e.onNotification,
			Joined:           e.onJoined,
		},
		Bus:     e.bus,
		Metrics: cfg.Metrics,
		Logger:  cfg.Logger,
	})
	return e, nil
}

// Start restores persisted notification state, then connects as the
// session's user. Live events are only accepted after the restore.
func (e *Engine) Start(ctx context.Context) error {
	user, ok := e.cfg.Session.Current()
	if !ok {
		return domain.ErrNoSession
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	go e.loop.Run(runCtx)
	e.running.Store(true)

	var loadErr error
	if err := e.loop.Do(ctx, func() {
		e.user = user
		loadErr = e.router.Load(ctx)
	}); err != nil {
		_ = e.Stop()
		return err
	}
	if loadErr != nil {
		e.logger.Warn("restored state is incomplete", "err", loadErr)
	}

	unhook := e.cfg.Session.OnEnd(func(session.User) {
		go func() { _ = e.Stop() }()
	})
	e.mu.Lock()
	e.endHook = unhook
	e.mu.Unlock()

	if err := e.conn.Connect(ctx, user.ID); err != nil {
		_ = e.Stop()
		return fmt.Errorf("connect: %w", err)
	}
	e.logger.Info("engine started", "user_id", user.ID, "server", e.cfg.ServerURL)
	return nil
}

// Stop disconnects, cancels timers, flushes pending writes and closes the
// store. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		unhook := e.endHook
		e.mu.Unlock()
		if unhook != nil {
			unhook()
		}
		var errs []error
		if err := e.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
		if e.running.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = e.loop.Do(ctx, func() {
				e.stopFetchTimer()
				e.toasts.Close()
			})
			cancel()
		}
		e.running.Store(false)
		e.loop.Stop()
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()
		if err := e.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		e.stopErr = errors.Join(errs...)
		e.logger.Info("engine stopped")
	})
	return e.stopErr
}

// Subscribe registers h for events of type t. Handlers run on the loop.
func (e *Engine) Subscribe(t bus.EventType, h bus.Handler) *bus.Subscription {
	return e.bus.Subscribe(t, h)
}

// Metrics returns the collector the engine reports to, possibly nil.
func (e *Engine) Metrics() *metrics.Collector { return e.cfg.Metrics }

func (e *Engine) do(ctx context.Context, f func()) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	if err := e.loop.Do(ctx, f); err != nil {
		if errors.Is(err, actor.ErrStopped) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// OpenConversation makes ref the active conversation: the log and
// pagination are reset, its unread entry is cleared and the room is
// joined. When the connection is down the join happens on connect. The
// conversation stays active even when an error is returned.
func (e *Engine) OpenConversation(ctx context.Context, ref domain.ConversationRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	var err error
	if derr := e.do(ctx, func() { err = e.open(ref) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) open(ref domain.ConversationRef) error {
	if e.ref.ID == ref.ID {
		e.ref = ref
		return nil
	}
	e.stopFetchTimer()
	e.ref = ref
	e.store.Reset(ref.ID)
	e.pager.Reset(ref.ID)
	e.router.SetActiveConversation(ref.ID)
	e.publishSnapshot()
	e.logger.Info("conversation opened", "conversation_id", ref.ID, "type", string(ref.Type))

	err := e.conn.JoinRoom(ref.ID)
	if err == nil || errors.Is(err, domain.ErrNotConnected) {
		return nil
	}
	return fmt.Errorf("open %s: %w", ref.ID, err)
}

// CloseConversation leaves the active room and clears the log.
func (e *Engine) CloseConversation(ctx context.Context) error {
	return e.do(ctx, func() {
		if e.ref.ID == "" {
			return
		}
		e.stopFetchTimer()
		e.conn.LeaveRoom()
		e.router.SetActiveConversation("")
		e.store.Reset("")
		e.pager.Reset("")
		e.ref = domain.ConversationRef{}
		e.publishSnapshot()
	})
}

// RetryJoin clears the join guard of the active room and joins again.
func (e *Engine) RetryJoin(ctx context.Context) error {
	var err error
	if derr := e.do(ctx, func() {
		if e.ref.ID == "" {
			err = fmt.Errorf("no conversation open")
			return
		}
		err = e.conn.RetryJoin(e.ref.ID)
	}); derr != nil {
		return derr
	}
	if errors.Is(err, domain.ErrNotConnected) {
		return nil
	}
	return err
}

// SendMessage sends draft to the active conversation and returns the
// optimistic message shown until the server echo replaces it. Without a
// joined room it fails with domain.ErrNotJoined and nothing is added.
func (e *Engine) SendMessage(ctx context.Context, d domain.Draft) (domain.Message, error) {
	var (
		msg domain.Message
		err error
	)
	if derr := e.do(ctx, func() { msg, err = e.send(d) }); derr != nil {
		return domain.Message{}, derr
	}
	return msg, err
}

func (e *Engine) send(d domain.Draft) (domain.Message, error) {
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return domain.Message{}, ErrEmptyMessage
	}
	if !e.joined() {
		e.cfg.Metrics.Send("not_joined")
		return domain.Message{}, domain.ErrNotJoined
	}

	temp, created := e.store.AddTemp(e.user.Sender(), d)
	payload := map[string]any{
		"room":        e.ref.ID,
		"content":     d.Content,
		"attachments": nonNil(d.Attachments),
		"special":     d.Special,
	}
	if temp.ReplyTo != nil {
		payload["replyTo"] = temp.ReplyTo
	}
	if d.ForwardedFrom != nil {
		payload["forwardedFrom"] = d.ForwardedFrom
	}
	field, id := e.ref.Destination()
	payload[field] = id

	tempID := temp.ID
	if err := e.conn.Emit("sendMessage", []any{payload}, func(err error) { e.sendFailed(tempID, err) }); err != nil {
		if created {
			e.store.RemoveTemp(tempID)
		}
		e.cfg.Metrics.Send("failed")
		return domain.Message{}, err
	}
	if created {
		e.publishSnapshot()
	}
	e.cfg.Metrics.Send("sent")
	return temp, nil
}

func (e *Engine) sendFailed(tempID string, err error) {
	e.cfg.Metrics.Send("failed")
	if e.store.RemoveTemp(tempID) {
		e.publishSnapshot()
	}
	e.logger.Warn("send failed", "temp_id", tempID, "err", err)
	e.bus.Publish(bus.Event{
		Type:           bus.EventSendFailed,
		ConversationID: e.ref.ID,
		Payload:        bus.SendFailedPayload{TempID: tempID, Err: err},
	})
}

// SendWithUploads uploads files, appends their URLs to the draft's
// attachments and sends it. Nothing is uploaded when the room is not joined.
func (e *Engine) SendWithUploads(ctx context.Context, d domain.Draft, files []domain.UploadFile) (domain.Message, error) {
	if e.cfg.Uploader == nil {
		return domain.Message{}, fmt.Errorf("no uploader configured")
	}
	joined := false
	if err := e.do(ctx, func() { joined = e.joined() }); err != nil {
		return domain.Message{}, err
	}
	if !joined {
		return domain.Message{}, domain.ErrNotJoined
	}

	urls, err := e.cfg.Uploader.Upload(ctx, files)
	if err != nil {
		return domain.Message{}, fmt.Errorf("upload: %w", err)
	}
	d.Attachments = append(append([]string(nil), d.Attachments...), urls...)
	return e.SendMessage(ctx, d)
}

// ForwardMessage sends a copy of a confirmed message to dest, crediting
// the original author. Forwarding into the active conversation goes
// through the optimistic send path.
func (e *Engine) ForwardMessage(ctx context.Context, messageID string, dest domain.Destination) error {
	var err error
	if derr := e.do(ctx, func() { err = e.forward(messageID, dest) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) forward(messageID string, dest domain.Destination) error {
	msg, ok := e.store.Find(messageID)
	if !ok || msg.Temp {
		return fmt.Errorf("forward %s: %w", messageID, ErrMessageNotFound)
	}
	if !e.joined() {
		return domain.ErrNotJoined
	}
	origin := msg.Sender
	if msg.ForwardedFrom != nil {
		origin = *msg.ForwardedFrom
	}

	field, id := e.ref.Destination()
	if dest.Field() == field && dest.ID == id {
		_, err := e.send(domain.Draft{
			Content:       msg.Content,
			Attachments:   msg.Attachments,
			Special:       msg.Special,
			ForwardedFrom: &origin,
		})
		return err
	}

	payload := map[string]any{
		"content":       msg.Content,
		"attachments":   nonNil(msg.Attachments),
		"special":       msg.Special,
		"forwardedFrom": origin,
		dest.Field():    dest.ID,
	}
	return e.conn.Emit("sendMessage", []any{payload}, func(err error) {
		e.cfg.Metrics.Send("failed")
		e.logger.Warn("forward failed", "message_id", messageID, "destination", dest.ID, "err", err)
	})
}

// ForwardDestinations lists users, groups and channels a message can be
// forwarded to. The signed-in user is left out.
func (e *Engine) ForwardDestinations(ctx context.Context) ([]domain.Destination, error) {
	if e.cfg.Directory == nil {
		return nil, fmt.Errorf("no directory configured")
	}
	self, _ := e.cfg.Session.Current()

	var out []domain.Destination
	users, err := e.cfg.Directory.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		if u.ID != self.ID {
			out = append(out, u)
		}
	}
	groups, err := e.cfg.Directory.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	channels, err := e.cfg.Directory.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	out = append(out, groups...)
	return append(out, channels...), nil
}

// LoadMore requests the next older page. It reports false when everything
// is loaded or a request is already in flight.
func (e *Engine) LoadMore(ctx context.Context) (bool, error) {
	var (
		started bool
		err     error
	)
	if derr := e.do(ctx, func() { started, err = e.requestPage() }); derr != nil {
		return false, derr
	}
	return started, err
}

// MarkSeen records the user's receipt on ids and reports it to the room.
// With no ids, every confirmed message from others without a receipt is
// marked.
func (e *Engine) MarkSeen(ctx context.Context, ids ...string) error {
	var err error
	if derr := e.do(ctx, func() {
		if !e.joined() {
			err = domain.ErrNotJoined
			return
		}
		if len(ids) == 0 {
			ids = e.store.UnseenBy(e.user.ID)
		}
		if len(ids) == 0 {
			return
		}
		if e.store.MarkSeen(ids, e.user.ID, e.cfg.Now()) > 0 {
			e.publishSnapshot()
		}
		err = e.conn.Emit("markSeen", []any{ids}, nil)
	}); derr != nil {
		return derr
	}
	return err
}

// MarkConversationAsRead clears the unread entry and badge of id.
func (e *Engine) MarkConversationAsRead(ctx context.Context, id string) (bool, error) {
	changed := false
	err := e.do(ctx, func() { changed = e.router.MarkConversationAsRead(id) })
	return changed, err
}

// MarkNotificationRead flags one history entry as read.
func (e *Engine) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	changed := false
	err := e.do(ctx, func() { changed = e.router.MarkNotificationRead(id) })
	return changed, err
}

// ClearNotifications empties the notification history.
func (e *Engine) ClearNotifications(ctx context.Context) error {
	return e.do(ctx, e.router.ClearHistory)
}

// TapToast acts on the visible toast: its conversation is marked read and
// the navigation hook runs. It reports false when no toast is visible.
func (e *Engine) TapToast(ctx context.Context) (bool, error) {
	tapped := false
	err := e.do(ctx, func() { tapped = e.toasts.Tap() })
	return tapped, err
}

// Status is a point-in-time view of the engine for UI code.
type Status struct {
	State                  conn.State
	NotificationsConnected bool
	Conversation           domain.ConversationRef
	Pagination             domain.ConversationState
	Err                    error // last transport or join error of the active conversation
}

// Status returns the connection and conversation state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() {
		st = Status{
			State:                  e.conn.State(),
			NotificationsConnected: e.conn.NotificationsConnected(),
			Conversation:           e.ref,
			Pagination:             e.pager.State(),
		}
		if e.ref.ID != "" {
			st.Err = e.conn.Err(e.ref.ID)
		}
	})
	return st, err
}

// Messages returns a copy of the active conversation's log.
func (e *Engine) Messages(ctx context.Context) ([]domain.Message, error) {
	var out []domain.Message
	err := e.do(ctx, func() { out = e.store.Snapshot() })
	return out, err
}

// Unread returns the unread map and the badge list.
func (e *Engine) Unread(ctx context.Context) (domain.UnreadMap, []string, error) {
	var (
		unread domain.UnreadMap
		badges []string
	)
	err := e.do(ctx, func() {
		unread = e.router.Unread()
		badges = e.router.Badges()
	})
	return unread, badges, err
}

// UnreadCount returns the unread counter of one conversation.
func (e *Engine) UnreadCount(ctx context.Context, id string) (int, error) {
	n := 0
	err := e.do(ctx, func() { n = e.router.UnreadCount(id) })
	return n, err
}

// HasUnreadMessages reports whether any conversation has unread activity.
func (e *Engine) HasUnreadMessages(ctx context.Context) (bool, error) {
	has := false
	err := e.do(ctx, func() { has = e.router.HasUnreadMessages() })
	return has, err
}

// Notifications returns the history, most recent first.
func (e *Engine) Notifications(ctx context.Context) ([]domain.Notification, error) {
	var out []domain.Notification
	err := e.do(ctx, func() { out = e.router.History() })
	return out, err
}

// VisibleToast returns the toast on screen, if any.
func (e *Engine) VisibleToast(ctx context.Context) (domain.Notification, bool, error) {
	var (
		n  domain.Notification
		ok bool
	)
	err := e.do(ctx, func() { n, ok = e.toasts.Visible() })
	return n, ok, err
}

func (e *Engine) joined() bool {
	return e.ref.ID != "" && e.conn.State() == conn.Joined && e.conn.JoinedRoom() == e.ref.ID
}

func (e *Engine) publishSnapshot() {
	e.bus.Publish(bus.Event{
		Type:           bus.EventSnapshot,
		ConversationID: e.ref.ID,
		Payload:        bus.SnapshotPayload{Messages: e.store.Snapshot()},
	})
}

func (e *Engine) publishPagination(timedOut bool) {
	e.bus.Publish(bus.Event{
		Type:           bus.EventPagination,
		ConversationID: e.ref.ID,
		Payload:        bus.PaginationPayload{State: e.pager.State(), TimedOut: timedOut},
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
