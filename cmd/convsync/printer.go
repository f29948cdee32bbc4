package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"convsync/internal/bus"
	"convsync/internal/domain"
)

// printer renders engine events as terminal lines. handle runs on the engine
// loop, so it only writes; it never calls back into the engine.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	self string

	conversation string
	printed      map[string]bool
}

func newPrinter(w io.Writer, self string) *printer {
	return &printer{w: w, self: self, printed: make(map[string]bool)}
}

func (p *printer) handle(e bus.Event) {
	switch pl := e.Payload.(type) {
	case bus.SnapshotPayload:
		p.snapshot(e.ConversationID, pl.Messages)
	case bus.ConnectionPayload:
		state := "down"
		if pl.Connected {
			state = "up"
			if pl.Reconnected {
				state = "up (reconnected)"
			}
		}
		p.printf("* %s connection %s", pl.Namespace, state)
	case bus.JoinErrorPayload:
		p.printf("! could not join %s: %v (use /retry)", e.ConversationID, pl.Err)
	case bus.PaginationPayload:
		if pl.TimedOut {
			p.printf("! history for %s did not arrive in time", e.ConversationID)
		}
	case bus.SeenPayload:
		if pl.UserID != p.self {
			p.printf("* %s saw %d message(s)", pl.UserID, len(pl.MessageIDs))
		}
	case bus.ToastPayload:
		if e.Type == bus.EventToastShown {
			n := pl.Notification
			p.printf("[%s] %s in %s: %s (/tap to open)", n.Type, n.SenderID, n.ConversationID, n.Content)
		}
	case bus.SendFailedPayload:
		p.printf("! message %s was not sent: %v", pl.TempID, pl.Err)
	default:
		if e.Type == bus.EventJoined {
			p.printf("* joined %s", e.ConversationID)
		}
	}
}

// snapshot prints the confirmed messages not shown yet.
func (p *printer) snapshot(conversation string, msgs []domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conversation != p.conversation {
		p.conversation = conversation
		p.printed = make(map[string]bool)
	}
	for _, m := range msgs {
		if m.Temp || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.w, formatMessage(m))
	}
}

func formatMessage(m domain.Message) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.Local().Format("15:04"))
	b.WriteString(" ")
	b.WriteString(m.Sender.DisplayName)
	if m.Special {
		b.WriteString(" [!]")
	}
	if m.ForwardedFrom != nil {
		b.WriteString(" (fwd from " + m.ForwardedFrom.DisplayName + ")")
	}
	b.WriteString(": ")
	if m.ReplyTo != nil {
		b.WriteString("> " + m.ReplyTo.Sender.DisplayName + ": " + m.ReplyTo.Content + " | ")
	}
	b.WriteString(m.Content)
	for _, a := range m.Attachments {
		b.WriteString(" <" + a + ">")
	}
	b.WriteString("  #" + m.ID)
	return b.String()
}

func (p *printer) printf(format string, args ...any) {
	p.println(fmt.Sprintf(format, args...))
}

func (p *printer) errorf(format string, args ...any) {
	p.println("! " + fmt.Sprintf(format, args...))
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func printUnread(p *printer, unread domain.UnreadMap, badges []string) {
	if len(unread) == 0 {
		p.println("no unread conversations")
		return
	}
	ids := make([]string, 0, len(unread))
	for id := range unread {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p.printf("  %-24s %d", id, unread[id])
	}
	p.printf("badges: %s", strings.Join(badges, ", "))
}

func printHistory(p *printer, history []domain.Notification) {
	if len(history) == 0 {
		p.println("no notifications")
		return
	}
	for _, n := range history {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		p.printf("%s %s %-8s %s in %s: %s", mark, n.Timestamp.Local().Format(time.DateTime), n.Type, n.SenderID, n.ConversationID, n.Content)
	}
}
