// Package toast shows notifications one at a time with timed dismissal.
package toast

import (
	"log/slog"
	"time"

	"convsync/internal/bus"
	"convsync/internal/domain"
	"convsync/internal/metrics"
)

// Scheduler runs f after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// Config holds presenter timings and hooks.
type Config struct {
	Visible   time.Duration // time fully shown
	Animation time.Duration // enter and exit animation, each
	Settle    time.Duration // gap before the next toast

	After    Scheduler // defaults to time.AfterFunc; callers then serialize access
	Bus      *bus.Bus
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	MarkRead func(conversationID string)
	Navigate func(n domain.Notification)
}

// Presenter is a FIFO with a single visible slot. It is owned by the actor
// loop; the Scheduler must post callbacks back onto the same loop.
type Presenter struct {
	cfg      Config
	queue    []domain.Notification
	visible  *domain.Notification
	settling bool
	stop     func() bool
	gen      uint64
	closed   bool
}

// New creates an idle presenter.
func New(cfg Config) *Presenter {
	if cfg.Visible <= 0 {
		cfg.Visible = 4 * time.Second
	}
	if cfg.Animation < 0 {
		cfg.Animation = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.After == nil {
		cfg.After = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Presenter{cfg: cfg}
}

// Show displays n now when idle, otherwise queues it.
func (p *Presenter) Show(n domain.Notification) {
	if p.closed {
		return
	}
	if p.visible != nil || p.settling {
		p.queue = append(p.queue, n)
		return
	}
	p.display(n)
}

// Tap acts on the visible toast: the conversation is marked read, navigation
// is requested and the toast is dismissed. It reports false when nothing is
// shown.
func (p *Presenter) Tap() bool {
	if p.visible == nil {
		return false
	}
	n := *p.visible
	if p.cfg.MarkRead != nil {
		p.cfg.MarkRead(n.ConversationID)
	}
	if p.cfg.Navigate != nil {
		p.cfg.Navigate(n)
	}
	p.publish(bus.EventNavigate, n, true)
	p.dismiss(true)
	return true
}

// Visible returns the toast currently on screen.
func (p *Presenter) Visible() (domain.Notification, bool) {
	if p.visible == nil {
		return domain.Notification{}, false
	}
	return *p.visible, true
}

// Queued returns the number of toasts waiting.
func (p *Presenter) Queued() int { return len(p.queue) }

// Close cancels timers and drops the queue.
func (p *Presenter) Close() {
	p.closed = true
	p.cancelTimer()
	p.queue = nil
	p.visible = nil
	p.settling = false
}

func (p *Presenter) display(n domain.Notification) {
	p.visible = &n
	p.cfg.Metrics.ToastShown()
	p.publish(bus.EventToastShown, n, false)
	p.schedule(p.cfg.Animation+p.cfg.Visible, func() { p.dismiss(false) })
}

func (p *Presenter) dismiss(tapped bool) {
	if p.visible == nil {
		return
	}
	p.cancelTimer()
	n := *p.visible
	p.visible = nil
	p.settling = true
	p.publish(bus.EventToastDismissed, n, tapped)
	p.schedule(p.cfg.Animation+p.cfg.Settle, p.next)
}

func (p *Presenter) next() {
	p.settling = false
	if p.closed || len(p.queue) == 0 {
		return
	}
	n := p.queue[0]
	p.queue = p.queue[1:]
	p.display(n)
}

func (p *Presenter) schedule(d time.Duration, f func()) {
	p.cancelTimer()
	p.gen++
	gen := p.gen
	p.stop = p.cfg.After(d, func() {
		// a stopped timer may already have posted its callback
		if !p.closed && gen == p.gen {
			f()
		}
	})
}

func (p *Presenter) cancelTimer() {
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}

func (p *Presenter) publish(t bus.EventType, n domain.Notification, tapped bool) {
	if p.cfg.Bus == nil {
		return
	}
	p.cfg.Bus.Publish(bus.Event{
		Type:           t,
		ConversationID: n.ConversationID,
		Payload:        bus.ToastPayload{Notification: n, Tapped: tapped},
	})
}
