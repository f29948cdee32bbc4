// Package msgstore keeps the ordered message log of the active conversation.
//
// Inbound messages are queued with Enqueue and applied in one batch by
// Flush, which deduplicates by id, replaces optimistic echoes and re-sorts by
// timestamp. A Store is owned by the engine's actor loop and is not safe for
// concurrent use.
package msgstore

import (
	"log/slog"
	"sort"
	"time"

	"convsync/internal/domain"

	"github.com/google/uuid"
)

// TempPrefix marks locally generated message ids.
const TempPrefix = "temp-"

// Config holds the store's dependencies.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Store is the message log of one conversation at a time.
type Store struct {
	conversationID string
	messages       []domain.Message
	pending        []domain.Message
	processed      map[string]struct{}
	logger         *slog.Logger
	now            func() time.Time
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		processed: make(map[string]struct{}),
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Reset drops all messages, the pending queue and the processed-id set and
// binds the store to conversationID.
func (s *Store) Reset(conversationID string) {
	s.conversationID = conversationID
	s.messages = nil
	s.pending = nil
	s.processed = make(map[string]struct{})
}

// ConversationID returns the conversation the store is bound to.
func (s *Store) ConversationID() string { return s.conversationID }

// Enqueue appends messages to the pending queue without applying them.
func (s *Store) Enqueue(msgs ...domain.Message) {
	s.pending = append(s.pending, msgs...)
}

// Pending returns the number of queued, unapplied messages.
func (s *Store) Pending() int { return len(s.pending) }

// Flush applies every pending message in arrival order and returns how many
// were applied. Ids already applied are skipped, so redelivery is a no-op.
func (s *Store) Flush() int {
	if len(s.pending) == 0 {
		return 0
	}
	batch := s.pending
	s.pending = nil

	applied := 0
	for _, m := range batch {
		if _, seen := s.processed[m.ID]; seen {
			continue
		}
		s.processed[m.ID] = struct{}{}
		if m.ConversationID == "" {
			m.ConversationID = s.conversationID
		}
		m.Temp = false
		if i := s.tempIndex(m.Content, m.Sender.ID); i >= 0 {
			s.logger.Debug("temp message confirmed", "temp_id", s.messages[i].ID, "message_id", m.ID)
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		}
		s.messages = append(s.messages, m)
		applied++
	}
	if applied > 0 {
		s.sort()
	}
	return applied
}

// AddTemp appends an optimistic message for sender and returns it. If a temp
// with the same content and sender is still unconfirmed it is returned
// instead and created is false.
func (s *Store) AddTemp(sender domain.Sender, d domain.Draft) (msg domain.Message, created bool) {
	if i := s.tempIndex(d.Content, sender.ID); i >= 0 {
		return s.messages[i].Clone(), false
	}
	msg = domain.Message{
		ID:             TempPrefix + uuid.NewString(),
		ConversationID: s.conversationID,
		Sender:         sender,
		Content:        d.Content,
		Attachments:    append([]string(nil), d.Attachments...),
		Timestamp:      s.now(),
		Temp:           true,
		Special:        d.Special,
		ForwardedFrom:  d.ForwardedFrom,
	}
	if d.ReplyToID != "" {
		ref := domain.MessageRef{ID: d.ReplyToID}
		if orig, ok := s.Find(d.ReplyToID); ok {
			ref.Content = orig.Content
			ref.Sender = orig.Sender
		}
		msg.ReplyTo = &ref
	}
	s.messages = append(s.messages, msg)
	s.sort()
	return msg.Clone(), true
}

// RemoveTemp drops an unconfirmed message, used when the send is rejected.
func (s *Store) RemoveTemp(id string) bool {
	for i := range s.messages {
		if s.messages[i].ID == id && s.messages[i].Temp {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// MarkSeen records a receipt from userID on every known id and returns how
// many messages changed. Unknown ids and repeated receipts are ignored.
func (s *Store) MarkSeen(ids []string, userID string, at time.Time) int {
	if userID == "" || len(ids) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	changed := 0
	for i := range s.messages {
		m := &s.messages[i]
		if _, ok := want[m.ID]; !ok || m.SeenByUser(userID) {
			continue
		}
		m.SeenBy = append(m.SeenBy, domain.SeenReceipt{UserID: userID, SeenAt: at})
		changed++
	}
	return changed
}

// Find returns the stored message with id.
func (s *Store) Find(id string) (domain.Message, bool) {
	for _, m := range s.messages {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return domain.Message{}, false
}

// Len returns the number of stored messages.
func (s *Store) Len() int { return len(s.messages) }

// Snapshot returns a deep copy of the log in display order.
func (s *Store) Snapshot() []domain.Message {
	out := make([]domain.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// UnseenBy returns ids of confirmed messages from other senders that userID
// has no receipt on.
func (s *Store) UnseenBy(userID string) []string {
	var ids []string
	for i := range s.messages {
		m := &s.messages[i]
		if m.Temp || m.Sender.ID == userID || m.SeenByUser(userID) {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

func (s *Store) tempIndex(content, senderID string) int {
	for i := range s.messages {
		m := &s.messages[i]
		if m.Temp && m.Content == content && m.Sender.ID == senderID {
			return i
		}
	}
	return -1
}

func (s *Store) sort() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Timestamp.Before(s.messages[j].Timestamp)
	})
}
