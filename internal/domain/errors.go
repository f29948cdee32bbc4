package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyUserID is returned when connecting without a user.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrNotJoined is returned for commands that need a joined room.
	ErrNotJoined = errors.New("conversation not joined")
	// ErrNotConnected is returned when the transport is down.
	ErrNotConnected = errors.New("not connected")
	// ErrJoinAttempted guards the one-join-per-room-per-connection rule.
	ErrJoinAttempted = errors.New("join already attempted for this connection")
	// ErrFetchTimeout marks a page request that got no response in time.
	ErrFetchTimeout = errors.New("page fetch timed out")
	// ErrMalformedNotification marks notifications without a conversation id.
	ErrMalformedNotification = errors.New("malformed notification")
	// ErrNotFound is returned by KVStore.Get for missing keys.
	ErrNotFound = errors.New("key not found")
	// ErrNoSession is returned when the engine starts without a signed-in user.
	ErrNoSession = errors.New("no active session")
)

// ConnectionError reports a transport-level failure on a namespace.
type ConnectionError struct {
	Namespace string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Namespace, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// JoinError reports a failed or rejected join handshake.
type JoinError struct {
	Room   string
	Reason string
	Err    error
}

func (e *JoinError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("join %s: %s", e.Room, e.Reason)
	}
	return fmt.Sprintf("join %s: %v", e.Room, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// StorageError reports a failed durable read or write. It is logged, never fatal.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
