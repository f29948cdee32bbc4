// Package ingress turns loosely shaped server payloads into the canonical
// domain model. Nothing downstream of this package sees raw JSON.
package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"convsync/internal/domain"

	"github.com/google/uuid"
)

// ErrMissingID is returned for messages that cannot be deduplicated.
var ErrMissingID = errors.New("message has no id")

// Message normalizes one raw message. A missing or unusable sender becomes
// domain.UnknownSender; a missing timestamp becomes now.
func Message(raw json.RawMessage, now time.Time) (domain.Message, error) {
	var m map[string]any
	if err := decode(raw, &m); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return messageFromMap(m, now)
}

func messageFromMap(m map[string]any, now time.Time) (domain.Message, error) {
	if m == nil {
		return domain.Message{}, fmt.Errorf("decode message: not an object")
	}
	msg := domain.Message{
		ID:             firstString(m, "id", "_id", "messageId"),
		ConversationID: firstString(m, "conversationId", "room", "roomId"),
		Content:        firstString(m, "content", "text", "message"),
		Attachments:    stringList(m["attachments"], "url"),
		Timestamp:      firstTime(m, now, "timestamp", "createdAt", "created_at"),
		Special:        boolOr(m, "special", false) || boolOr(m, "isSpecial", false),
	}
	if msg.ID == "" {
		return domain.Message{}, ErrMissingID
	}

	msg.Sender = senderFrom(first(m, "senderId", "sender", "sender_id", "from"))

	if seen, ok := m["seenBy"].([]any); ok {
		for _, s := range seen {
			if r, ok := receiptFrom(s, now); ok {
				msg.SeenBy = append(msg.SeenBy, r)
			}
		}
	}

	switch rt := first(m, "replyTo", "reply_to").(type) {
	case string:
		if rt != "" {
			msg.ReplyTo = &domain.MessageRef{ID: rt}
		}
	case map[string]any:
		ref := domain.MessageRef{
			ID:      firstString(rt, "id", "_id"),
			Content: firstString(rt, "content", "text"),
			Sender:  senderFrom(first(rt, "senderId", "sender")),
		}
		if ref.ID != "" {
			msg.ReplyTo = &ref
		}
	}

	if fwd := first(m, "forwardedFrom", "forwarded_from"); fwd != nil {
		s := senderFrom(fwd)
		if s != domain.UnknownSender {
			msg.ForwardedFrom = &s
		}
	}
	return msg, nil
}

// Messages normalizes a list of raw messages. Elements that are not objects
// or carry no id are skipped and counted as dropped; only a list that is not
// an array fails as a whole.
func Messages(raw json.RawMessage, now time.Time) ([]domain.Message, int, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, 0, fmt.Errorf("decode message list: %w", err)
	}
	out := make([]domain.Message, 0, len(list))
	dropped := 0
	for _, elem := range list {
		msg, err := Message(elem, now)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, msg)
	}
	return out, dropped, nil
}

// Page decodes the pagination metadata of messages_received. Missing fields
// are zero; numbers may arrive as strings.
func Page(raw json.RawMessage) domain.PageInfo {
	var m map[string]any
	if len(raw) == 0 || decode(raw, &m) != nil {
		return domain.PageInfo{}
	}
	return domain.PageInfo{
		CurrentPage: intOr(m, "currentPage", intOr(m, "page", 0)),
		TotalPages:  intOr(m, "totalPages", intOr(m, "total_pages", 0)),
		Room:        firstString(m, "room", "conversationId"),
	}
}

// SeenIDs decodes the message id list of messages_seen. Entries may be
// plain ids or objects carrying an id.
func SeenIDs(raw json.RawMessage) []string {
	var list []any
	if err := decode(raw, &list); err != nil {
		return nil
	}
	return stringList(list, "id")
}

// UserID decodes a user reference that may be a bare string or an object.
func UserID(raw json.RawMessage) string {
	var v any
	if err := decode(raw, &v); err != nil {
		return ""
	}
	return senderFrom(v).ID
}

// Notification normalizes a notification payload. Payloads without a
// conversation id are rejected with domain.ErrMalformedNotification.
func Notification(raw json.RawMessage, now time.Time) (domain.Notification, error) {
	var m map[string]any
	if err := decode(raw, &m); err != nil || m == nil {
		return domain.Notification{}, fmt.Errorf("%w: undecodable payload", domain.ErrMalformedNotification)
	}
	n := domain.Notification{
		ID:               firstString(m, "id", "_id", "notificationId"),
		Type:             notificationType(firstString(m, "type", "kind")),
		SenderID:         senderFrom(first(m, "senderId", "sender", "from")).ID,
		ConversationID:   firstString(m, "conversationId", "roomId", "room"),
		ConversationType: domain.ConversationType(firstString(m, "conversationType", "roomType")),
		Content:          firstString(m, "content", "message", "text"),
		Timestamp:        firstTime(m, now, "timestamp", "createdAt", "created_at"),
		Read:             boolOr(m, "read", false),
	}
	if n.ConversationID == "" {
		return domain.Notification{}, fmt.Errorf("%w: missing conversation id", domain.ErrMalformedNotification)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	return n, nil
}

func notificationType(s string) domain.NotificationType {
	switch domain.NotificationType(strings.ToLower(s)) {
	case domain.NotificationMention:
		return domain.NotificationMention
	case domain.NotificationReaction:
		return domain.NotificationReaction
	default:
		return domain.NotificationMessage
	}
}

func senderFrom(v any) domain.Sender {
	switch s := v.(type) {
	case string:
		if s == "" {
			return domain.UnknownSender
		}
		return domain.Sender{ID: s, DisplayName: s}
	case json.Number:
		return domain.Sender{ID: s.String(), DisplayName: s.String()}
	case map[string]any:
		id := firstString(s, "id", "_id", "userId")
		if id == "" {
			return domain.UnknownSender
		}
		name := firstString(s, "displayName", "name", "fullName", "username")
		if name == "" {
			name = id
		}
		return domain.Sender{
			ID:          id,
			DisplayName: name,
			AvatarURL:   firstString(s, "avatarUrl", "avatar", "photo"),
		}
	default:
		return domain.UnknownSender
	}
}

func receiptFrom(v any, now time.Time) (domain.SeenReceipt, bool) {
	switch r := v.(type) {
	case string:
		if r == "" {
			return domain.SeenReceipt{}, false
		}
		return domain.SeenReceipt{UserID: r, SeenAt: now}, true
	case map[string]any:
		uid := firstString(r, "userId", "user")
		if uid == "" {
			uid = senderFrom(r["user"]).ID
			if uid == domain.UnknownSender.ID {
				return domain.SeenReceipt{}, false
			}
		}
		return domain.SeenReceipt{UserID: uid, SeenAt: firstTime(r, now, "seenAt", "seen_at")}, true
	default:
		return domain.SeenReceipt{}, false
	}
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func firstTime(m map[string]any, fallback time.Time, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC()
			}
		case json.Number:
			if ms, err := v.Int64(); err == nil {
				return time.UnixMilli(ms).UTC()
			}
			if f, err := v.Float64(); err == nil {
				return time.UnixMilli(int64(f)).UTC()
			}
		}
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func boolOr(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

// stringList accepts ["a","b"] or [{"<key>":"a"}, ...].
func stringList(v any, key string) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch s := item.(type) {
		case string:
			if s != "" {
				out = append(out, s)
			}
		case json.Number:
			out = append(out, s.String())
		case map[string]any:
			if u := firstString(s, key, "id", "url"); u != "" {
				out = append(out, u)
			}
		}
	}
	return out
}

// decode keeps numbers as json.Number so integer ids beyond 2^53 keep every
// digit.
func decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
