// Package store provides persistent storage for relaygram using SQLite.
//
// # Data Models
//
//   - RemoteUser: an end user of the remote platform, keyed by remote id
//   - Thread: the local forum thread bound to exactly one remote user
//   - MessageRecord: a relayed message's id on both platforms
//   - PendingMessage: a template sent automatically on an event type
//   - Settings: the singleton feature flag row
//
// A user and its thread are created together in one transaction and are
// never deleted. Rebinding a thread after the local platform loses it
// updates the thread's platform id in place, so message records keep
// pointing at the same row.
//
// # SQLite Configuration
//
// Every pooled connection is opened with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// and transactions start with BEGIN IMMEDIATE.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: a unique identifier is already taken
//
// All methods accept context.Context for cancellation support.
package store
