package domain

import "time"

// NotificationType classifies a notification.
type NotificationType string

const (
	NotificationMessage  NotificationType = "message"
	NotificationMention  NotificationType = "mention"
	NotificationReaction NotificationType = "reaction"
)

// Notification is a cross-conversation activity event.
type Notification struct {
	ID               string           `json:"id"`
	Type             NotificationType `json:"type"`
	SenderID         string           `json:"senderId"`
	ConversationID   string           `json:"conversationId"`
	ConversationType ConversationType `json:"conversationType,omitempty"`
	Content          string           `json:"content"`
	Timestamp        time.Time        `json:"timestamp"`
	Read             bool             `json:"read"`
}

// UnreadMap counts unseen activity per conversation.
type UnreadMap map[string]int

// Total sums all counters.
func (u UnreadMap) Total() int {
	n := 0
	for _, c := range u {
		n += c
	}
	return n
}

// Clone copies the map.
func (u UnreadMap) Clone() UnreadMap {
	out := make(UnreadMap, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}
