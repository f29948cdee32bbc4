package domain

import "time"

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// UnknownSender stands in for messages that arrive without a usable sender.
var UnknownSender = Sender{ID: "unknown", DisplayName: "Unknown"}

// SeenReceipt records that a user has seen a message.
type SeenReceipt struct {
	UserID string    `json:"userId"`
	SeenAt time.Time `json:"seenAt"`
}

// MessageRef is the abbreviated form of a message quoted by a reply.
type MessageRef struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	Sender  Sender `json:"sender"`
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId,omitempty"`
	Sender         Sender        `json:"senderId"`
	Content        string        `json:"content"`
	Attachments    []string      `json:"attachments,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	SeenBy         []SeenReceipt `json:"seenBy,omitempty"`
	Temp           bool          `json:"temp,omitempty"`    // not yet confirmed by the server
	Special        bool          `json:"special,omitempty"` // highlighted
	ReplyTo        *MessageRef   `json:"replyTo,omitempty"`
	ForwardedFrom  *Sender       `json:"forwardedFrom,omitempty"`
}

// SeenByUser reports whether userID already has a receipt on m.
func (m *Message) SeenByUser(userID string) bool {
	for _, r := range m.SeenBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots can be handed to subscribers safely.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.SeenBy != nil {
		out.SeenBy = append([]SeenReceipt(nil), m.SeenBy...)
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	if m.ForwardedFrom != nil {
		s := *m.ForwardedFrom
		out.ForwardedFrom = &s
	}
	return out
}

// Draft is a message composed locally and not yet sent.
type Draft struct {
	Content       string
	Attachments   []string
	Special       bool
	ReplyToID     string
	ForwardedFrom *Sender
}

// PageInfo accompanies a page of history.
type PageInfo struct {
	CurrentPage int    `json:"currentPage"`
	TotalPages  int    `json:"totalPages"`
	Room        string `json:"room,omitempty"`
}
