package domain

import "fmt"

// ConversationType distinguishes the three kinds of rooms.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
)

// ConversationRef addresses a conversation. The room name is the ID.
type ConversationRef struct {
	ID     string           `json:"id"`
	Type   ConversationType `json:"type"`
	PeerID string           `json:"peerId,omitempty"` // receiver for direct, group/channel id otherwise
}

// Validate checks that the reference can be joined and addressed.
func (r ConversationRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	switch r.Type {
	case ConversationDirect, ConversationGroup, ConversationChannel:
	default:
		return fmt.Errorf("unknown conversation type %q", r.Type)
	}
	if r.PeerID == "" {
		return fmt.Errorf("conversation %s: peer id is required", r.ID)
	}
	return nil
}

// Destination returns the addressing field sendMessage expects for this
// conversation: receiverId, groupId or channelId.
func (r ConversationRef) Destination() (field, id string) {
	switch r.Type {
	case ConversationGroup:
		return "groupId", r.PeerID
	case ConversationChannel:
		return "channelId", r.PeerID
	default:
		return "receiverId", r.PeerID
	}
}

// ConversationState tracks history loading for one conversation.
type ConversationState struct {
	ConversationID string `json:"conversationId"`
	LastLoadedPage int    `json:"lastLoadedPage"`
	FullyLoaded    bool   `json:"fullyLoaded"`
	TotalPages     *int   `json:"totalPages,omitempty"`
	Loading        bool   `json:"loading"`
}
