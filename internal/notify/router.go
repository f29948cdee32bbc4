// Package notify routes cross-conversation notifications into unread
// counters, a badge list, a capped history and the toast presenter.
//
// Every mutation is persisted through the configured KVStore under fixed
// keys. Writes are fire-and-forget; the in-memory state stays authoritative
// when a write fails.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"convsync/internal/bus"
	"convsync/internal/domain"
	"convsync/internal/metrics"
)

// Keys the router persists under.
const (
	KeyUnread  = "convsync/unread"
	KeyBadges  = "convsync/badges"
	KeyHistory = "convsync/notifications"
)

// DefaultHistoryCap bounds the notification history.
const DefaultHistoryCap = 100

// Toaster receives notifications that should be shown to the user.
type Toaster interface {
	Show(n domain.Notification)
}

// Config holds the router's collaborators.
type Config struct {
	Store      domain.KVStore
	Toaster    Toaster
	Bus        *bus.Bus
	Metrics    *metrics.Collector
	Logger     *slog.Logger
	HistoryCap int
}

// Router owns the unread map, badge list and history. It is driven from the
// actor loop and is not safe for concurrent use.
type Router struct {
	cfg     Config
	unread  domain.UnreadMap
	badges  []string
	history []domain.Notification
	active  string
}

// New creates a router with empty state. Call Load before feeding it.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	return &Router{cfg: cfg, unread: make(domain.UnreadMap)}
}

// Load restores persisted state. Missing keys yield empty state, corrupt
// blobs are logged and ignored, and a missing badge list is rebuilt from the
// unread map. The returned error only reports what was skipped.
func (r *Router) Load(ctx context.Context) error {
	if r.cfg.Store == nil {
		return nil
	}
	var errs []error

	unread := make(domain.UnreadMap)
	if _, err := r.read(ctx, KeyUnread, &unread); err != nil {
		errs = append(errs, err)
		unread = make(domain.UnreadMap)
	}
	for id, n := range unread {
		if id == "" || n <= 0 {
			delete(unread, id)
		}
	}
	r.unread = unread

	var badges []string
	found, err := r.read(ctx, KeyBadges, &badges)
	if err != nil {
		errs = append(errs, err)
	}
	if !found {
		badges = r.rebuildBadges()
	}
	r.badges = r.cleanBadges(badges)

	var history []domain.Notification
	if _, err := r.read(ctx, KeyHistory, &history); err != nil {
		errs = append(errs, err)
		history = nil
	}
	if len(history) > r.cfg.HistoryCap {
		history = history[:r.cfg.HistoryCap]
	}
	r.history = history

	r.cfg.Metrics.Unread(r.unread.Total())
	r.cfg.Logger.Info("notification state restored",
		"conversations", len(r.unread),
		"unread", r.unread.Total(),
		"history", len(r.history),
	)
	return errors.Join(errs...)
}

// Receive routes one notification. It is always recorded in history; when
// it belongs to the active conversation nothing else happens, otherwise the
// unread counter and badge list are updated and the toast is queued.
func (r *Router) Receive(n domain.Notification) (suppressed bool, err error) {
	if n.ConversationID == "" {
		r.cfg.Metrics.Notification("malformed")
		r.cfg.Logger.Warn("dropping notification without conversation", "notification_id", n.ID)
		return false, fmt.Errorf("%w: missing conversation id", domain.ErrMalformedNotification)
	}

	r.history = append([]domain.Notification{n}, r.history...)
	if len(r.history) > r.cfg.HistoryCap {
		r.history = r.history[:r.cfg.HistoryCap]
	}
	r.persist(KeyHistory, r.history)

	suppressed = n.ConversationID == r.active
	r.publish(bus.Event{
		Type:           bus.EventNotification,
		ConversationID: n.ConversationID,
		Payload:        bus.NotificationPayload{Notification: n, Suppressed: suppressed},
	})
	if suppressed {
		r.cfg.Metrics.Notification("suppressed")
		r.cfg.Logger.Debug("notification for active conversation", "conversation_id", n.ConversationID)
		return true, nil
	}

	r.unread[n.ConversationID]++
	if !r.hasBadge(n.ConversationID) {
		r.badges = append(r.badges, n.ConversationID)
	}
	r.unreadChanged()

	r.cfg.Metrics.Notification("delivered")
	if r.cfg.Toaster != nil {
		r.cfg.Toaster.Show(n)
	}
	return false, nil
}

// MarkConversationAsRead clears the unread entry and badge of id. It
// reports whether anything changed.
func (r *Router) MarkConversationAsRead(id string) bool {
	_, counted := r.unread[id]
	badged := r.hasBadge(id)
	if !counted && !badged {
		return false
	}
	delete(r.unread, id)
	r.removeBadge(id)
	r.unreadChanged()
	return true
}

// SetActiveConversation records the conversation open in the UI and marks
// it read, so its counter stays zero while it is active. An empty id means
// no conversation is open.
func (r *Router) SetActiveConversation(id string) {
	r.active = id
	if id != "" {
		r.MarkConversationAsRead(id)
	}
}

// ActiveConversation returns the conversation open in the UI.
func (r *Router) ActiveConversation() string { return r.active }

// MarkNotificationRead flags one history entry as read.
func (r *Router) MarkNotificationRead(id string) bool {
	for i := range r.history {
		if r.history[i].ID == id {
			if r.history[i].Read {
				return false
			}
			r.history[i].Read = true
			r.persist(KeyHistory, r.history)
			return true
		}
	}
	return false
}

// ClearHistory empties the notification history. Unread counters are kept.
func (r *Router) ClearHistory() {
	r.history = nil
	r.remove(KeyHistory)
}

// UnreadCount returns the unread counter for one conversation.
func (r *Router) UnreadCount(id string) int { return r.unread[id] }

// TotalUnread sums all counters.
func (r *Router) TotalUnread() int { return r.unread.Total() }

// HasUnreadMessages reports whether any conversation has unread activity.
func (r *Router) HasUnreadMessages() bool {
	return r.unread.Total() > 0 || len(r.badges) > 0
}

// Unread returns a copy of the unread map.
func (r *Router) Unread() domain.UnreadMap { return r.unread.Clone() }

// Badges returns the conversations with unseen activity in arrival order.
func (r *Router) Badges() []string { return append([]string(nil), r.badges...) }

// History returns a copy of the history, most recent first.
func (r *Router) History() []domain.Notification {
	return append([]domain.Notification(nil), r.history...)
}

func (r *Router) unreadChanged() {
	r.persist(KeyUnread, r.unread)
	r.persist(KeyBadges, r.badges)
	r.cfg.Metrics.Unread(r.unread.Total())
	r.publish(bus.Event{
		Type:    bus.EventUnreadChanged,
		Payload: bus.UnreadPayload{Unread: r.unread.Clone(), Badges: r.Badges()},
	})
}

func (r *Router) hasBadge(id string) bool {
	for _, b := range r.badges {
		if b == id {
			return true
		}
	}
	return false
}

func (r *Router) removeBadge(id string) {
	out := r.badges[:0]
	for _, b := range r.badges {
		if b != id {
			out = append(out, b)
		}
	}
	r.badges = out
}

func (r *Router) rebuildBadges() []string {
	ids := make([]string, 0, len(r.unread))
	for id := range r.unread {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// cleanBadges drops duplicates and empty ids and makes sure every counted
// conversation is badged.
func (r *Router) cleanBadges(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range r.rebuildBadges() {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) read(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.cfg.Store.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		r.cfg.Logger.Warn("cannot load notification state", "key", key, "err", err)
		return false, &domain.StorageError{Op: "get", Key: key, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		r.cfg.Logger.Warn("corrupt notification state", "key", key, "err", err)
		return false, &domain.StorageError{Op: "decode", Key: key, Err: err}
	}
	return true, nil
}

func (r *Router) persist(key string, v any) {
	if r.cfg.Store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.cfg.Logger.Error("cannot encode notification state", "key", key, "err", err)
		return
	}
	if err := r.cfg.Store.Put(context.Background(), key, data); err != nil {
		r.cfg.Metrics.StorageError()
		r.cfg.Logger.Warn("persist failed", "key", key, "err", err)
	}
}

func (r *Router) remove(key string) {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.Delete(context.Background(), key); err != nil {
		r.cfg.Metrics.StorageError()
		r.cfg.Logger.Warn("delete failed", "key", key, "err", err)
	}
}

func (r *Router) publish(e bus.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(e)
	}
}
