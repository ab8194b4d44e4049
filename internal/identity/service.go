// ABOUTME: Cached identity store wrapping the SQLite store with read-through buckets
// ABOUTME: Evicts affected cache keys around every write for read-after-write consistency

package identity

import (
	"context"
	"log/slog"

	"github.com/2389/relaygram/internal/cache"
	"github.com/2389/relaygram/internal/store"
)

// Cache bucket names
const (
	BucketUser        = "user_by_remote_id"
	BucketThread      = "thread_by_thread_id"
	BucketMessage     = "message"
	BucketLastMessage = "last_message"
	BucketPending     = "pending_message"
	BucketSettings    = "settings"
)

const settingsKey = "singleton"

// Service is a store.Store whose reads are served from a cache.
type Service struct {
	store  store.Store
	cache  *cache.Cache
	logger *slog.Logger
}

// New creates an identity service. A nil cache gets a fresh one.
func New(st store.Store, c *cache.Cache, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		cache:  c,
		logger: logger.With("component", "identity"),
	}
}

// Cache exposes the underlying cache for stats.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// around evicts keys, runs the write, then evicts the same keys again.
func (s *Service) around(evict func(), write func() error) error {
	evict()
	defer evict()
	return write()
}

func messageKey(lookup store.MessageLookup) string {
	if lookup.LocalMsgID != "" {
		return cache.Key(cache.P("local", lookup.LocalMsgID), cache.P("remote", nil))
	}
	return cache.Key(cache.P("local", nil), cache.P("remote", lookup.RemoteMsgID))
}

// CreateUserAndThread creates a remote user and its thread.
func (s *Service) CreateUserAndThread(ctx context.Context, remoteID, name, threadID string) (*store.RemoteUser, error) {
	var user *store.RemoteUser
	err := s.around(func() {
		s.cache.Delete(BucketUser, remoteID)
		s.cache.Delete(BucketThread, threadID)
	}, func() error {
		var err error
		user, err = s.store.CreateUserAndThread(ctx, remoteID, name, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("identity created", "remote_id", remoteID, "thread_id", threadID)
	return cloneUser(user), nil
}

// GetUserByRemoteID returns the user with its thread.
func (s *Service) GetUserByRemoteID(ctx context.Context, remoteID string) (*store.RemoteUser, error) {
	user, err := cache.Fetch(ctx, s.cache, BucketUser, remoteID, func(ctx context.Context) (*store.RemoteUser, error) {
		return s.store.GetUserByRemoteID(ctx, remoteID)
	})
	if err != nil {
		return nil, err
	}
	return cloneUser(user), nil
}

// GetThreadByThreadID returns the thread with its owner.
func (s *Service) GetThreadByThreadID(ctx context.Context, threadID string) (*store.Thread, error) {
	thread, err := cache.Fetch(ctx, s.cache, BucketThread, threadID, func(ctx context.Context) (*store.Thread, error) {
		return s.store.GetThreadByThreadID(ctx, threadID)
	})
	if err != nil {
		return nil, err
	}
	return cloneThread(thread), nil
}

// UpdateUser patches a user, evicting both the user and its thread entry.
func (s *Service) UpdateUser(ctx context.Context, remoteID string, patch store.UserPatch) error {
	current, err := s.store.GetUserByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}

	return s.around(func() {
		s.cache.Delete(BucketUser, remoteID)
		if current.Thread != nil {
			s.cache.Delete(BucketThread, current.Thread.ThreadID)
		}
	}, func() error {
		return s.store.UpdateUser(ctx, remoteID, patch)
	})
}

// UpdateThread patches a thread. A rebind evicts the old and new thread ids
// as well as the owner.
func (s *Service) UpdateThread(ctx context.Context, threadID string, patch store.ThreadPatch) error {
	current, err := s.store.GetThreadByThreadID(ctx, threadID)
	if err != nil {
		return err
	}

	err = s.around(func() {
		s.cache.Delete(BucketThread, threadID)
		if patch.ThreadID != nil {
			s.cache.Delete(BucketThread, *patch.ThreadID)
		}
		if current.Owner != nil {
			s.cache.Delete(BucketUser, current.Owner.RemoteID)
			// Cached message records carry the thread id.
			s.cache.DeleteBucket(BucketMessage)
			s.cache.Delete(BucketLastMessage, current.Owner.RemoteID)
		}
	}, func() error {
		return s.store.UpdateThread(ctx, threadID, patch)
	})
	if err != nil {
		return err
	}
	if patch.ThreadID != nil {
		s.logger.Info("thread rebound", "old_thread_id", threadID, "new_thread_id", *patch.ThreadID)
	}
	return nil
}

// CreateMessage records a relayed message.
func (s *Service) CreateMessage(ctx context.Context, rec *store.MessageRecord) error {
	return s.around(func() {
		s.cache.Delete(BucketMessage, messageKey(store.MessageLookup{LocalMsgID: rec.LocalMsgID}))
		s.cache.Delete(BucketMessage, messageKey(store.MessageLookup{RemoteMsgID: rec.RemoteMsgID}))
		s.cache.Delete(BucketLastMessage, rec.RemoteID)
	}, func() error {
		return s.store.CreateMessage(ctx, rec)
	})
}

// GetMessage looks a record up by local or remote id.
func (s *Service) GetMessage(ctx context.Context, lookup store.MessageLookup) (*store.MessageRecord, error) {
	if lookup.LocalMsgID != "" {
		lookup.RemoteMsgID = ""
	}
	if lookup.LocalMsgID == "" && lookup.RemoteMsgID == "" {
		return nil, store.ErrNotFound
	}

	rec, err := cache.Fetch(ctx, s.cache, BucketMessage, messageKey(lookup), func(ctx context.Context) (*store.MessageRecord, error) {
		return s.store.GetMessage(ctx, lookup)
	})
	if err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

// GetLastMessage returns the user's most recent record.
func (s *Service) GetLastMessage(ctx context.Context, remoteID string) (*store.MessageRecord, error) {
	rec, err := cache.Fetch(ctx, s.cache, BucketLastMessage, remoteID, func(ctx context.Context) (*store.MessageRecord, error) {
		return s.store.GetLastMessage(ctx, remoteID)
	})
	if err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

// SetPendingMessage creates or replaces a template.
func (s *Service) SetPendingMessage(ctx context.Context, eventType, text string) error {
	return s.around(func() {
		s.cache.Delete(BucketPending, eventType)
	}, func() error {
		return s.store.SetPendingMessage(ctx, eventType, text)
	})
}

// GetPendingMessage returns a template.
func (s *Service) GetPendingMessage(ctx context.Context, eventType string) (*store.PendingMessage, error) {
	pm, err := cache.Fetch(ctx, s.cache, BucketPending, eventType, func(ctx context.Context) (*store.PendingMessage, error) {
		return s.store.GetPendingMessage(ctx, eventType)
	})
	if err != nil {
		return nil, err
	}
	cp := *pm
	return &cp, nil
}

// GetSettings returns the feature flags.
func (s *Service) GetSettings(ctx context.Context) (*store.Settings, error) {
	st, err := cache.Fetch(ctx, s.cache, BucketSettings, settingsKey, func(ctx context.Context) (*store.Settings, error) {
		return s.store.GetSettings(ctx)
	})
	if err != nil {
		return nil, err
	}
	cp := *st
	return &cp, nil
}

// UpdateSettings patches the feature flags.
func (s *Service) UpdateSettings(ctx context.Context, patch store.SettingsPatch) error {
	return s.around(func() {
		s.cache.DeleteBucket(BucketSettings)
	}, func() error {
		return s.store.UpdateSettings(ctx, patch)
	})
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}

func cloneUser(u *store.RemoteUser) *store.RemoteUser {
	if u == nil {
		return nil
	}
	cp := *u
	if u.Thread != nil {
		t := *u.Thread
		t.Owner = nil
		cp.Thread = &t
	}
	return &cp
}

func cloneThread(t *store.Thread) *store.Thread {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Owner != nil {
		u := *t.Owner
		u.Thread = nil
		cp.Owner = &u
	}
	return &cp
}

var _ store.Store = (*Service)(nil)
