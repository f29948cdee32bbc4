package toast

import (
	"log/slog"
	"os"
	"sort"
	"testing"
	"time"

	"convsync/internal/bus"
	"convsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeClock fires scheduled callbacks synchronously as time is advanced.
type fakeClock struct {
	now    time.Duration
	nextID int
	timers map[int]fakeTimer
}

type fakeTimer struct {
	at time.Duration
	id int
	f  func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{timers: make(map[int]fakeTimer)}
}

func (c *fakeClock) After(d time.Duration, f func()) func() bool {
	id := c.nextID
	c.nextID++
	c.timers[id] = fakeTimer{at: c.now + d, id: id, f: f}
	return func() bool {
		_, ok := c.timers[id]
		delete(c.timers, id)
		return ok
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	end := c.now + d
	for {
		var due []fakeTimer
		for _, t := range c.timers {
			if t.at <= end {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at == due[j].at {
				return due[i].id < due[j].id
			}
			return due[i].at < due[j].at
		})
		t := due[0]
		delete(c.timers, t.id)
		c.now = t.at
		t.f()
	}
	c.now = end
}

type recorder struct {
	events []string
}

func (r *recorder) attach(b *bus.Bus) {
	b.Subscribe(bus.EventToastShown, func(e bus.Event) {
		r.events = append(r.events, "show:"+e.Payload.(bus.ToastPayload).Notification.ID)
	})
	b.Subscribe(bus.EventToastDismissed, func(e bus.Event) {
		r.events = append(r.events, "hide:"+e.Payload.(bus.ToastPayload).Notification.ID)
	})
}

func newPresenter(clock *fakeClock, b *bus.Bus, cfg Config) *Presenter {
	cfg.Visible = 4 * time.Second
	cfg.Animation = 300 * time.Millisecond
	cfg.Settle = 200 * time.Millisecond
	cfg.After = clock.After
	cfg.Bus = b
	cfg.Logger = testLogger()
	return New(cfg)
}

func note(id, conv string) domain.Notification {
	return domain.Notification{ID: id, ConversationID: conv, Type: domain.NotificationMessage}
}

func TestPresenter_SequentialDisplay(t *testing.T) {
	clock := newFakeClock()
	b := bus.New(testLogger())
	rec := &recorder{}
	rec.attach(b)
	p := newPresenter(clock, b, Config{})

	p.Show(note("n0", "dm_1"))
	p.Show(note("n1", "dm_2"))
	p.Show(note("n2", "dm_3"))
	p.Show(note("n3", "dm_4"))

	if got, _ := p.Visible(); got.ID != "n0" || p.Queued() != 3 {
		t.Fatalf("visible=%s queued=%d", got.ID, p.Queued())
	}

	clock.Advance(time.Minute)

	want := []string{
		"show:n0", "hide:n0",
		"show:n1", "hide:n1",
		"show:n2", "hide:n2",
		"show:n3", "hide:n3",
	}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events = %v", rec.events)
		}
	}
	if _, ok := p.Visible(); ok {
		t.Error("nothing should remain visible")
	}
}

func TestPresenter_Timing(t *testing.T) {
	clock := newFakeClock()
	b := bus.New(testLogger())
	rec := &recorder{}
	rec.attach(b)
	p := newPresenter(clock, b, Config{})

	p.Show(note("n0", "dm_1"))
	p.Show(note("n1", "dm_1"))

	clock.Advance(4299 * time.Millisecond)
	if len(rec.events) != 1 {
		t.Fatalf("toast dismissed too early: %v", rec.events)
	}
	clock.Advance(time.Millisecond)
	if len(rec.events) != 2 {
		t.Fatalf("toast should be dismissed after enter+visible: %v", rec.events)
	}
	// exit animation plus settle before the next one
	clock.Advance(499 * time.Millisecond)
	if len(rec.events) != 2 {
		t.Fatalf("next toast shown before settle: %v", rec.events)
	}
	clock.Advance(time.Millisecond)
	if len(rec.events) != 3 || rec.events[2] != "show:n1" {
		t.Fatalf("events = %v", rec.events)
	}
}

func TestPresenter_Tap(t *testing.T) {
	clock := newFakeClock()
	b := bus.New(testLogger())
	rec := &recorder{}
	rec.attach(b)

	var marked []string
	var navigated []string
	p := newPresenter(clock, b, Config{
		MarkRead: func(id string) { marked = append(marked, id) },
		Navigate: func(n domain.Notification) { navigated = append(navigated, n.ConversationID) },
	})

	if p.Tap() {
		t.Error("tap with nothing visible should report false")
	}

	p.Show(note("n0", "dm_12"))
	p.Show(note("n1", "dm_13"))
	if !p.Tap() {
		t.Fatal("tap should act on the visible toast")
	}
	if len(marked) != 1 || marked[0] != "dm_12" || len(navigated) != 1 || navigated[0] != "dm_12" {
		t.Errorf("marked=%v navigated=%v", marked, navigated)
	}
	if _, ok := p.Visible(); ok {
		t.Error("tap should dismiss immediately")
	}

	// the old auto-dismiss timer must not hide the next toast early
	clock.Advance(500 * time.Millisecond)
	if got, _ := p.Visible(); got.ID != "n1" {
		t.Fatalf("expected n1 visible, got %q", got.ID)
	}
	clock.Advance(3800 * time.Millisecond)
	if got, ok := p.Visible(); !ok || got.ID != "n1" {
		t.Error("n1 should still be visible for its full duration")
	}
}

func TestPresenter_Close(t *testing.T) {
	clock := newFakeClock()
	b := bus.New(testLogger())
	rec := &recorder{}
	rec.attach(b)
	p := newPresenter(clock, b, Config{})

	p.Show(note("n0", "dm_1"))
	p.Show(note("n1", "dm_1"))
	p.Close()
	clock.Advance(time.Minute)
	p.Show(note("n2", "dm_1"))

	if len(rec.events) != 1 {
		t.Errorf("no events expected after close: %v", rec.events)
	}
}
