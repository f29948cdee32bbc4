package engine

import (
	"encoding/json"
	"time"

	"convsync/internal/bus"
	"convsync/internal/domain"
	"convsync/internal/ingress"
)

// Inbound handlers. All of them run on the loop.

func (e *Engine) onJoined(room string) {
	if room != e.ref.ID {
		return
	}
	// every join, including a rejoin after reconnect, reloads from the
	// newest page; the store drops what it already holds
	e.stopFetchTimer()
	e.pager.Reset(room)
	if _, err := e.requestPage(); err != nil {
		e.logger.Warn("initial fetch failed", "conversation_id", room, "err", err)
	}
}

func (e *Engine) onNewMessage(raw json.RawMessage) {
	msg, err := ingress.Message(raw, e.cfg.Now())
	if err != nil {
		e.cfg.Metrics.Dropped(1)
		e.logger.Warn("dropping message", "err", err)
		return
	}
	if e.ref.ID == "" || (msg.ConversationID != "" && msg.ConversationID != e.ref.ID) {
		e.logger.Debug("message for inactive conversation", "message_id", msg.ID, "conversation_id", msg.ConversationID)
		return
	}
	e.ingest(msg)
}

func (e *Engine) onMessagesReceived(list, meta json.RawMessage) {
	info := ingress.Page(meta)
	if e.ref.ID == "" || (info.Room != "" && info.Room != e.ref.ID) {
		e.logger.Debug("dropping page for inactive conversation", "room", info.Room, "conversation_id", e.ref.ID)
		return
	}

	msgs, dropped, err := ingress.Messages(list, e.cfg.Now())
	if err != nil {
		e.logger.Warn("undecodable page", "conversation_id", e.ref.ID, "err", err)
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != e.ref.ID {
			dropped++
			continue
		}
		kept = append(kept, m)
	}
	if dropped > 0 {
		e.cfg.Metrics.Dropped(dropped)
		e.logger.Warn("dropped unusable messages from page", "conversation_id", e.ref.ID, "count", dropped)
	}
	e.ingest(kept...)

	e.stopFetchTimer()
	if !e.fetchStarted.IsZero() {
		e.cfg.Metrics.Fetched(e.cfg.Now().Sub(e.fetchStarted))
		e.fetchStarted = time.Time{}
	}
	e.pager.Complete(info)
	e.publishPagination(false)
}

func (e *Engine) onMessagesSeen(rawIDs, rawUser json.RawMessage) {
	ids := ingress.SeenIDs(rawIDs)
	userID := ingress.UserID(rawUser)
	if len(ids) == 0 || userID == "" {
		return
	}
	// receipts may name messages still waiting for the flush
	e.flush()
	if e.store.MarkSeen(ids, userID, e.cfg.Now()) == 0 {
		return
	}
	e.bus.Publish(bus.Event{
		Type:           bus.EventMessagesSeen,
		ConversationID: e.ref.ID,
		Payload:        bus.SeenPayload{MessageIDs: ids, UserID: userID},
	})
	e.publishSnapshot()
}

func (e *Engine) onNotification(raw json.RawMessage) {
	n, err := ingress.Notification(raw, e.cfg.Now())
	if err != nil {
		e.cfg.Metrics.Notification("malformed")
		e.logger.Warn("dropping notification", "err", err)
		return
	}
	if _, err := e.router.Receive(n); err != nil {
		e.logger.Warn("notification rejected", "notification_id", n.ID, "err", err)
	}
}

// ingest queues messages and schedules a single flush behind everything
// already in the inbox, so a burst of arrivals is applied as one batch.
func (e *Engine) ingest(msgs ...domain.Message) {
	if len(msgs) == 0 {
		return
	}
	e.store.Enqueue(msgs...)
	if e.flushScheduled {
		return
	}
	e.flushScheduled = true
	if !e.loop.TryPost(e.flush) {
		// inbox full: posting from the loop would block on itself
		e.flush()
	}
}

func (e *Engine) flush() {
	e.flushScheduled = false
	if n := e.store.Flush(); n > 0 {
		e.cfg.Metrics.Flushed(n)
		e.publishSnapshot()
	}
}

// requestPage asks for the next older page of the active conversation and
// arms the timeout.
func (e *Engine) requestPage() (bool, error) {
	if !e.joined() {
		return false, domain.ErrNotJoined
	}
	page, seq, ok := e.pager.Begin()
	if !ok {
		return false, nil
	}
	err := e.conn.Emit("fetchMessages", []any{page, e.cfg.PageSize}, func(err error) {
		e.fetchGaveUp(seq, err)
	})
	if err != nil {
		e.pager.Timeout(seq)
		return false, err
	}

	e.fetchStarted = e.cfg.Now()
	e.stopFetchTimer()
	e.fetchTimer = e.loop.After(e.cfg.FetchTimeout, func() {
		e.fetchGaveUp(seq, domain.ErrFetchTimeout)
	})
	e.logger.Debug("page requested", "conversation_id", e.ref.ID, "page", page)
	e.publishPagination(false)
	return true, nil
}

// fetchGaveUp degrades an unanswered request to "no more messages". A
// response that still arrives later is applied normally.
func (e *Engine) fetchGaveUp(seq uint64, cause error) {
	if !e.pager.Timeout(seq) {
		return
	}
	e.stopFetchTimer()
	e.fetchStarted = time.Time{}
	e.cfg.Metrics.FetchTimedOut()
	e.logger.Warn("page fetch gave up", "conversation_id", e.ref.ID, "err", cause)
	e.publishPagination(true)
}

func (e *Engine) stopFetchTimer() {
	if e.fetchTimer != nil {
		e.fetchTimer.Stop()
		e.fetchTimer = nil
	}
}
