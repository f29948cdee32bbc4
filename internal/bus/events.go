package bus

import (
	"time"

	"convsync/internal/domain"
)

// EventType enumerates everything the engine publishes.
type EventType int

const (
	EventAny EventType = iota
	EventConnection
	EventJoined
	EventJoinError
	EventSnapshot
	EventPagination
	EventMessagesSeen
	EventNotification
	EventUnreadChanged
	EventToastShown
	EventToastDismissed
	EventNavigate
	EventSendFailed
)

var eventNames = map[EventType]string{
	EventAny:            "*",
	EventConnection:     "connection",
	EventJoined:         "joined",
	EventJoinError:      "join_error",
	EventSnapshot:       "snapshot",
	EventPagination:     "pagination",
	EventMessagesSeen:   "messages_seen",
	EventNotification:   "notification",
	EventUnreadChanged:  "unread_changed",
	EventToastShown:     "toast_shown",
	EventToastDismissed: "toast_dismissed",
	EventNavigate:       "navigate",
	EventSendFailed:     "send_failed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is one published occurrence. Payload holds one of the typed
// payloads below, selected by Type.
type Event struct {
	Type           EventType
	ConversationID string
	Payload        any
	Timestamp      time.Time
}

// ConnectionPayload accompanies EventConnection.
type ConnectionPayload struct {
	Namespace   string
	Connected   bool
	Reconnected bool
	Err         error
}

// JoinErrorPayload accompanies EventJoinError.
type JoinErrorPayload struct {
	Err *domain.JoinError
}

// SnapshotPayload accompanies EventSnapshot. Messages is a private copy.
type SnapshotPayload struct {
	Messages []domain.Message
}

// PaginationPayload accompanies EventPagination.
type PaginationPayload struct {
	State    domain.ConversationState
	TimedOut bool
}

// SeenPayload accompanies EventMessagesSeen.
type SeenPayload struct {
	MessageIDs []string
	UserID     string
}

// NotificationPayload accompanies EventNotification.
type NotificationPayload struct {
	Notification domain.Notification
	Suppressed   bool
}

// UnreadPayload accompanies EventUnreadChanged.
type UnreadPayload struct {
	Unread domain.UnreadMap
	Badges []string
}

// ToastPayload accompanies EventToastShown, EventToastDismissed and EventNavigate.
type ToastPayload struct {
	Notification domain.Notification
	Tapped       bool
}

// SendFailedPayload accompanies EventSendFailed.
type SendFailedPayload struct {
	TempID string
	Err    error
}
