// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite, with the same error semantics

package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

type mockUser struct {
	RemoteUser
	threadRef int64
}

type mockMessage struct {
	MessageRecord
	threadRef int64
}

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	nextID   int64
	threads  map[int64]*Thread    // keyed by row id
	users    map[string]*mockUser // keyed by remote id
	messages []*mockMessage       // insertion order
	pending  map[string]*PendingMessage
	settings *Settings
	closed   bool
	calls    map[string]int // Store method invocations by name
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads: make(map[int64]*Thread),
		users:   make(map[string]*mockUser),
		pending: make(map[string]*PendingMessage),
		calls:   make(map[string]int),
	}
}

func (m *MockStore) record(name string) error {
	m.calls[name]++
	if m.closed {
		return errClosed
	}
	return nil
}

var errClosed = errors.New("store is closed")

func (m *MockStore) threadByID(threadID string) *Thread {
	for _, t := range m.threads {
		if t.ThreadID == threadID {
			return t
		}
	}
	return nil
}

func (m *MockStore) ownerOf(ref int64) *mockUser {
	for _, u := range m.users {
		if u.threadRef == ref {
			return u
		}
	}
	return nil
}

// CreateUserAndThread stores a user and its thread together.
func (m *MockStore) CreateUserAndThread(ctx context.Context, remoteID, name, threadID string) (*RemoteUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateUserAndThread"); err != nil {
		return nil, err
	}

	if _, ok := m.users[remoteID]; ok || m.threadByID(threadID) != nil {
		return nil, ErrDuplicate
	}

	now := time.Now().UTC().Truncate(time.Second)
	m.nextID++
	thread := &Thread{ID: m.nextID, ThreadID: threadID, Name: name, CreatedAt: now}
	m.threads[thread.ID] = thread

	m.nextID++
	u := &mockUser{
		RemoteUser: RemoteUser{ID: m.nextID, RemoteID: remoteID, Name: name, Active: true, CreatedAt: now},
		threadRef:  thread.ID,
	}
	m.users[remoteID] = u

	return m.userView(u), nil
}

func (m *MockStore) userView(u *mockUser) *RemoteUser {
	out := u.RemoteUser
	t := *m.threads[u.threadRef]
	t.Owner = nil
	out.Thread = &t
	return &out
}

// GetUserByRemoteID returns a user with its thread.
func (m *MockStore) GetUserByRemoteID(ctx context.Context, remoteID string) (*RemoteUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetUserByRemoteID"); err != nil {
		return nil, err
	}

	u, ok := m.users[remoteID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.userView(u), nil
}

// GetThreadByThreadID returns a thread with its owner.
func (m *MockStore) GetThreadByThreadID(ctx context.Context, threadID string) (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetThreadByThreadID"); err != nil {
		return nil, err
	}

	t := m.threadByID(threadID)
	if t == nil {
		return nil, ErrNotFound
	}
	out := *t
	if owner := m.ownerOf(t.ID); owner != nil {
		u := owner.RemoteUser
		u.Thread = nil
		out.Owner = &u
	}
	return &out, nil
}

// UpdateUser applies a partial update.
func (m *MockStore) UpdateUser(ctx context.Context, remoteID string, patch UserPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UpdateUser"); err != nil {
		return err
	}

	if patch.Name == nil && patch.Active == nil && patch.Banned == nil {
		return nil
	}
	u, ok := m.users[remoteID]
	if !ok {
		return ErrNotFound
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Active != nil {
		u.Active = *patch.Active
	}
	if patch.Banned != nil {
		u.Banned = *patch.Banned
	}
	return nil
}

// UpdateThread applies a partial update, rebinding on a new ThreadID.
func (m *MockStore) UpdateThread(ctx context.Context, threadID string, patch ThreadPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UpdateThread"); err != nil {
		return err
	}

	if patch.ThreadID == nil && patch.Name == nil {
		return nil
	}
	t := m.threadByID(threadID)
	if t == nil {
		return ErrNotFound
	}
	if patch.ThreadID != nil && *patch.ThreadID != threadID && m.threadByID(*patch.ThreadID) != nil {
		return ErrDuplicate
	}
	if patch.ThreadID != nil {
		t.ThreadID = *patch.ThreadID
	}
	if patch.Name != nil {
		t.Name = *patch.Name
	}
	return nil
}

// CreateMessage stores a message record. The user and thread must exist.
func (m *MockStore) CreateMessage(ctx context.Context, rec *MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateMessage"); err != nil {
		return err
	}

	if _, ok := m.users[rec.RemoteID]; !ok {
		return ErrNotFound
	}
	t := m.threadByID(rec.ThreadID)
	if t == nil {
		return ErrNotFound
	}
	for _, existing := range m.messages {
		if existing.RemoteMsgID == rec.RemoteMsgID || existing.LocalMsgID == rec.LocalMsgID {
			return ErrDuplicate
		}
	}

	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now().UTC().Truncate(time.Second)
	m.messages = append(m.messages, &mockMessage{MessageRecord: *rec, threadRef: t.ID})
	return nil
}

// messageView reports the record with its thread's current id.
func (m *MockStore) messageView(msg *mockMessage) *MessageRecord {
	out := msg.MessageRecord
	out.ThreadID = m.threads[msg.threadRef].ThreadID
	return &out
}

// GetMessage finds a record by local or remote id; LocalMsgID wins.
func (m *MockStore) GetMessage(ctx context.Context, lookup MessageLookup) (*MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetMessage"); err != nil {
		return nil, err
	}

	for _, msg := range m.messages {
		switch {
		case lookup.LocalMsgID != "":
			if msg.LocalMsgID == lookup.LocalMsgID {
				return m.messageView(msg), nil
			}
		case lookup.RemoteMsgID != "":
			if msg.RemoteMsgID == lookup.RemoteMsgID {
				return m.messageView(msg), nil
			}
		}
	}
	return nil, ErrNotFound
}

// GetLastMessage returns the user's most recent record.
func (m *MockStore) GetLastMessage(ctx context.Context, remoteID string) (*MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetLastMessage"); err != nil {
		return nil, err
	}

	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].RemoteID == remoteID {
			return m.messageView(m.messages[i]), nil
		}
	}
	return nil, ErrNotFound
}

// SetPendingMessage creates or replaces a template.
func (m *MockStore) SetPendingMessage(ctx context.Context, eventType, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("SetPendingMessage"); err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)
	if p, ok := m.pending[eventType]; ok {
		p.Text = text
		p.UpdatedAt = now
		return nil
	}
	m.pending[eventType] = &PendingMessage{EventType: eventType, Text: text, CreatedAt: now, UpdatedAt: now}
	return nil
}

// GetPendingMessage returns a template.
func (m *MockStore) GetPendingMessage(ctx context.Context, eventType string) (*PendingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetPendingMessage"); err != nil {
		return nil, err
	}

	p, ok := m.pending[eventType]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

// GetSettings returns the flags, all off until first updated.
func (m *MockStore) GetSettings(ctx context.Context) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("GetSettings"); err != nil {
		return nil, err
	}

	if m.settings == nil {
		m.settings = &Settings{}
	}
	out := *m.settings
	return &out, nil
}

// UpdateSettings applies a partial flag update.
func (m *MockStore) UpdateSettings(ctx context.Context, patch SettingsPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("UpdateSettings"); err != nil {
		return err
	}

	if m.settings == nil {
		m.settings = &Settings{}
	}
	if patch.AutoCreateOnOpen != nil {
		m.settings.AutoCreateOnOpen = *patch.AutoCreateOnOpen
	}
	if patch.SendWelcome != nil {
		m.settings.SendWelcome = *patch.SendWelcome
	}
	if patch.MarkAsRead != nil {
		m.settings.MarkAsRead = *patch.MarkAsRead
	}
	return nil
}

// CallCount returns how many times a method was called.
func (m *MockStore) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[name]
}

// Close marks the store closed; later calls fail.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
