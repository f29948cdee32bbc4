package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"convsync/internal/bus"
	"convsync/internal/domain"
	"convsync/internal/kvstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeToaster struct {
	shown []domain.Notification
}

func (f *fakeToaster) Show(n domain.Notification) { f.shown = append(f.shown, n) }

func newRouter(t *testing.T, store domain.KVStore) (*Router, *fakeToaster) {
	t.Helper()
	toaster := &fakeToaster{}
	r := New(Config{Store: store, Toaster: toaster, Bus: bus.New(testLogger()), Logger: testLogger()})
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r, toaster
}

func note(id, conv string) domain.Notification {
	return domain.Notification{ID: id, ConversationID: conv, Type: domain.NotificationMessage, Content: "hi"}
}

func TestRouter_DeliversAndCounts(t *testing.T) {
	r, toaster := newRouter(t, kvstore.NewMemory())

	for i := 0; i < 3; i++ {
		if _, err := r.Receive(note(fmt.Sprintf("n%d", i), "dm_12")); err != nil {
			t.Fatal(err)
		}
	}
	r.Receive(note("n3", "grp_3"))

	if r.UnreadCount("dm_12") != 3 || r.UnreadCount("grp_3") != 1 || r.TotalUnread() != 4 {
		t.Errorf("unread = %v", r.Unread())
	}
	if b := r.Badges(); len(b) != 2 || b[0] != "dm_12" || b[1] != "grp_3" {
		t.Errorf("badges = %v", b)
	}
	if len(toaster.shown) != 4 {
		t.Errorf("toasts = %d", len(toaster.shown))
	}
	if h := r.History(); len(h) != 4 || h[0].ID != "n3" {
		t.Errorf("history should be most recent first: %+v", h)
	}
}

func TestRouter_SuppressesActiveConversation(t *testing.T) {
	r, toaster := newRouter(t, kvstore.NewMemory())
	r.SetActiveConversation("dm_12")

	var published []bus.NotificationPayload
	r.cfg.Bus.Subscribe(bus.EventNotification, func(e bus.Event) {
		published = append(published, e.Payload.(bus.NotificationPayload))
	})

	before := len(r.History())
	suppressed, err := r.Receive(note("n1", "dm_12"))
	if err != nil {
		t.Fatal(err)
	}

	if !suppressed {
		t.Error("notification for the open conversation should be suppressed")
	}
	if r.UnreadCount("dm_12") != 0 {
		t.Errorf("unread for active conversation = %d", r.UnreadCount("dm_12"))
	}
	if len(toaster.shown) != 0 {
		t.Error("no toast expected")
	}
	if len(r.History()) != before+1 {
		t.Errorf("history should still grow: %d", len(r.History()))
	}
	if len(published) != 1 || !published[0].Suppressed {
		t.Errorf("published = %+v", published)
	}
}

func TestRouter_ActivatingClearsUnread(t *testing.T) {
	r, _ := newRouter(t, kvstore.NewMemory())
	r.Receive(note("n1", "dm_12"))

	r.SetActiveConversation("dm_12")
	if r.UnreadCount("dm_12") != 0 || len(r.Badges()) != 0 {
		t.Errorf("opening a conversation should clear it: %v %v", r.Unread(), r.Badges())
	}

	r.SetActiveConversation("")
	r.Receive(note("n2", "dm_12"))
	if r.UnreadCount("dm_12") != 1 {
		t.Error("after leaving, notifications count again")
	}
}

func TestRouter_RestoresAfterRestart(t *testing.T) {
	store := kvstore.NewMemory()
	ctx := context.Background()
	_ = store.Put(ctx, KeyUnread, []byte(`{"dm_12":3}`))

	r, _ := newRouter(t, store)

	if !r.HasUnreadMessages() {
		t.Error("hasUnreadMessages should be true before any live event")
	}
	if r.UnreadCount("dm_12") != 3 {
		t.Errorf("unread = %d", r.UnreadCount("dm_12"))
	}
	if b := r.Badges(); len(b) != 1 || b[0] != "dm_12" {
		t.Errorf("badges should be rebuilt from the unread map: %v", b)
	}
}

func TestRouter_PersistsEveryMutation(t *testing.T) {
	store := kvstore.NewMemory()
	ctx := context.Background()

	r, _ := newRouter(t, store)
	r.Receive(note("n1", "dm_12"))
	r.Receive(note("n2", "grp_3"))
	r.MarkConversationAsRead("grp_3")

	var unread map[string]int
	raw, _ := store.Get(ctx, KeyUnread)
	if err := json.Unmarshal(raw, &unread); err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread["dm_12"] != 1 {
		t.Errorf("persisted unread = %v", unread)
	}

	restarted, _ := newRouter(t, store)
	if len(restarted.History()) != 2 || restarted.Badges()[0] != "dm_12" {
		t.Errorf("history=%d badges=%v", len(restarted.History()), restarted.Badges())
	}
}

func TestRouter_CorruptStateDegrades(t *testing.T) {
	store := kvstore.NewMemory()
	ctx := context.Background()
	_ = store.Put(ctx, KeyUnread, []byte(`not json`))
	_ = store.Put(ctx, KeyHistory, []byte(`{"also":"wrong"}`))

	r := New(Config{Store: store, Logger: testLogger()})
	err := r.Load(ctx)

	var se *domain.StorageError
	if !errors.As(err, &se) {
		t.Errorf("expected a StorageError, got %v", err)
	}
	if r.TotalUnread() != 0 || len(r.History()) != 0 {
		t.Error("corrupt blobs should load as empty state")
	}
	if _, err := r.Receive(note("n1", "dm_1")); err != nil {
		t.Errorf("router should stay usable: %v", err)
	}
}

func TestRouter_HistoryCap(t *testing.T) {
	r, _ := newRouter(t, kvstore.NewMemory())
	for i := 0; i < DefaultHistoryCap+20; i++ {
		r.Receive(note(fmt.Sprintf("n%d", i), "dm_1"))
	}

	h := r.History()
	if len(h) != DefaultHistoryCap {
		t.Fatalf("history = %d", len(h))
	}
	if h[0].ID != fmt.Sprintf("n%d", DefaultHistoryCap+19) {
		t.Errorf("newest entry should be first, got %s", h[0].ID)
	}
}

func TestRouter_DropsMalformed(t *testing.T) {
	r, toaster := newRouter(t, kvstore.NewMemory())

	_, err := r.Receive(domain.Notification{ID: "n1"})
	if !errors.Is(err, domain.ErrMalformedNotification) {
		t.Errorf("expected ErrMalformedNotification, got %v", err)
	}
	if len(r.History()) != 0 || len(toaster.shown) != 0 || r.TotalUnread() != 0 {
		t.Error("malformed notifications leave no trace")
	}
}

func TestRouter_MarkNotificationReadAndClear(t *testing.T) {
	r, _ := newRouter(t, kvstore.NewMemory())
	r.Receive(note("n1", "dm_1"))

	if !r.MarkNotificationRead("n1") || !r.History()[0].Read {
		t.Error("notification should be marked read")
	}
	if r.MarkNotificationRead("n1") || r.MarkNotificationRead("zzz") {
		t.Error("repeat or unknown ids report false")
	}

	r.ClearHistory()
	if len(r.History()) != 0 {
		t.Error("history should be empty")
	}
	if r.UnreadCount("dm_1") != 1 {
		t.Error("clearing history keeps unread counters")
	}
}

func TestRouter_MarkReadUnknown(t *testing.T) {
	r, _ := newRouter(t, kvstore.NewMemory())
	if r.MarkConversationAsRead("nothing") {
		t.Error("nothing to clear")
	}
}
