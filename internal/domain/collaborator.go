package domain

import (
	"context"
	"io"
)

// DestinationKind is the kind of target a message can be forwarded to.
type DestinationKind string

const (
	DestinationUser    DestinationKind = "user"
	DestinationGroup   DestinationKind = "group"
	DestinationChannel DestinationKind = "channel"
)

// Destination is a forward target listed by the directory.
type Destination struct {
	Kind DestinationKind `json:"kind"`
	ID   string          `json:"id"`
	Name string          `json:"name"`
}

// Field returns the sendMessage addressing field for the destination.
func (d Destination) Field() string {
	switch d.Kind {
	case DestinationGroup:
		return "groupId"
	case DestinationChannel:
		return "channelId"
	default:
		return "receiverId"
	}
}

// Directory lists users, channels and groups from the backend REST API.
type Directory interface {
	ListUsers(ctx context.Context) ([]Destination, error)
	ListGroups(ctx context.Context) ([]Destination, error)
	ListChannels(ctx context.Context) ([]Destination, error)
}

// UploadFile is a local file handed to the upload service.
type UploadFile struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Uploader stores files and returns their attachment URLs in order.
type Uploader interface {
	Upload(ctx context.Context, files []UploadFile) ([]string, error)
}
