// ABOUTME: Data types and the Store interface for relaygram persistence
// ABOUTME: Defines remote users, threads, message records, templates and settings

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write would violate a uniqueness constraint
var ErrDuplicate = errors.New("already exists")

// Thread is the local conversation container bound to one remote user.
// ThreadID is the platform identifier and may change on rebind; ID is stable.
type Thread struct {
	ID        int64
	ThreadID  string
	Name      string
	CreatedAt time.Time

	// Owner is populated by GetThreadByThreadID. Owner.Thread is left nil.
	Owner *RemoteUser
}

// RemoteUser is an end user of the remote platform.
type RemoteUser struct {
	ID        int64
	RemoteID  string
	Name      string
	Active    bool
	Banned    bool
	CreatedAt time.Time

	// Thread is populated by GetUserByRemoteID. Thread.Owner is left nil.
	Thread *Thread
}

// MessageRecord pairs a relayed message's identifiers on both platforms.
type MessageRecord struct {
	ID            int64
	RemoteMsgID   string
	LocalMsgID    string
	SentFromLocal bool
	RemoteID      string // owning user's remote id
	ThreadID      string // owning thread's current id
	CreatedAt     time.Time
}

// MessageLookup selects a message record by one of its identifiers.
// LocalMsgID wins when both are set.
type MessageLookup struct {
	RemoteMsgID string
	LocalMsgID  string
}

// Template event types
const (
	EventWelcome    = "welcome"     // first message from an unknown remote user
	EventChatOpened = "chat_opened" // remote user opened the conversation without writing
)

// PendingMessage is a stored template sent automatically on an event type.
type PendingMessage struct {
	EventType string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settings is the singleton feature flag row.
type Settings struct {
	AutoCreateOnOpen bool
	SendWelcome      bool
	MarkAsRead       bool
}

// UserPatch is a partial update of a remote user. Nil fields are unchanged.
type UserPatch struct {
	Name   *string
	Active *bool
	Banned *bool
}

// ThreadPatch is a partial update of a thread. A non-nil ThreadID rebinds
// the thread to a new platform identifier.
type ThreadPatch struct {
	ThreadID *string
	Name     *string
}

// SettingsPatch is a partial update of the settings row.
type SettingsPatch struct {
	AutoCreateOnOpen *bool
	SendWelcome      *bool
	MarkAsRead       *bool
}

// Store defines the persistence operations the relay needs
type Store interface {
	// Users and threads
	CreateUserAndThread(ctx context.Context, remoteID, name, threadID string) (*RemoteUser, error)
	GetUserByRemoteID(ctx context.Context, remoteID string) (*RemoteUser, error)
	GetThreadByThreadID(ctx context.Context, threadID string) (*Thread, error)
	UpdateUser(ctx context.Context, remoteID string, patch UserPatch) error
	UpdateThread(ctx context.Context, threadID string, patch ThreadPatch) error

	// Message records
	CreateMessage(ctx context.Context, rec *MessageRecord) error
	GetMessage(ctx context.Context, lookup MessageLookup) (*MessageRecord, error)
	GetLastMessage(ctx context.Context, remoteID string) (*MessageRecord, error)

	// Templates
	SetPendingMessage(ctx context.Context, eventType, text string) error
	GetPendingMessage(ctx context.Context, eventType string) (*PendingMessage, error)

	// Settings
	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, patch SettingsPatch) error

	// Close releases any resources held by the store
	Close() error
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
