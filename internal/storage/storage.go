// Package storage defines the engine-neutral persistence contract for the
// local chat cache. Three backends implement it: an embedded key-value store
// (badger), an embedded relational store (sqlite), and a client/server
// relational store (postgres). Callers operate purely through Backend and Txn
// and never learn which engine is active.
package storage

import (
	"context"
	"errors"

	"chatcache/internal/models"
)

// SchemaVersion is written once at backend construction and reserved for
// future migration logic.
const SchemaVersion = 1

var (
	// ErrForeignTxn is returned when an operation receives a transaction
	// handle created by a different backend. Each backend only accepts its
	// own strongly-typed handle.
	ErrForeignTxn = errors.New("storage: transaction belongs to a different backend")

	// ErrTxnDone is returned when a transaction is committed twice or used
	// after it finished.
	ErrTxnDone = errors.New("storage: transaction already finished")
)

// Txn is one unit of work against a backend. Construction (Backend.Begin or
// Txn.Begin for a nested scope) starts the native transaction or savepoint.
// Callers pair every Begin with a deferred Rollback; Rollback after a
// successful Commit is a no-op, so no partial write survives an early return
// on any code path.
type Txn interface {
	// Begin opens a nested scope within this transaction. Relational
	// backends use named savepoints with identifiers unique per backend
	// instance; the key-value backend emulates the scope with a write
	// overlay merged into the parent on commit.
	Begin(ctx context.Context) (Txn, error)

	// Commit finalises the transaction or nested scope. On failure the
	// handle remains rollback-able.
	Commit() error

	// Rollback aborts the transaction or nested scope. It is idempotent
	// and a no-op after a successful Commit.
	Rollback() error
}

// Backend is the capability contract shared by all storage engines.
//
// Every operation reads or mutates through the transaction handle it is
// given and never commits or rolls it back itself; only the transaction
// owner does. All save operations are upserts: repeating a save with the
// same key replaces the prior content and leaves exactly one record.
type Backend interface {
	// Begin opens a top-level transaction. It either returns a usable
	// handle or an error; no partially started handle is ever returned.
	Begin(ctx context.Context) (Txn, error)

	SaveRoom(ctx context.Context, txn Txn, roomID string, info models.RoomInfo) error
	// GetRoom returns the stored room enriched with the live membership
	// count, or (nil, nil) when the room is absent or its stored envelope
	// fails to decode.
	GetRoom(ctx context.Context, txn Txn, roomID string) (*models.RoomInfo, error)
	ListRoomIDs(ctx context.Context, txn Txn) ([]string, error)
	// DeleteRoom removes the room and cascades over all dependent
	// membership, event, state-event, media-metadata, and search-index
	// records. Dependent deletions are independent: one failure does not
	// stop the others, and any failures are joined into the returned
	// error after maximal cleanup.
	DeleteRoom(ctx context.Context, txn Txn, roomID string) error

	SaveEvent(ctx context.Context, txn Txn, eventID, roomID string, eventJSON []byte) error
	// GetEvent returns the stored event body, or (nil, nil) when absent.
	GetEvent(ctx context.Context, txn Txn, eventID string) ([]byte, error)
	// SaveStateEvent upserts the event body first and then points the
	// (room, type, stateKey) slot at it, within the caller's transaction.
	SaveStateEvent(ctx context.Context, txn Txn, eventID, roomID, eventType, stateKey string, eventJSON []byte) error
	// GetStateEventID returns the event ID the (room, type, stateKey) slot
	// currently points at, or "" when the slot is empty.
	GetStateEventID(ctx context.Context, txn Txn, roomID, eventType, stateKey string) (string, error)

	SaveMember(ctx context.Context, txn Txn, roomID, userID string, memberJSON []byte, membership string) error
	DeleteMember(ctx context.Context, txn Txn, roomID, userID string) error

	// SaveMediaMetadata upserts the media record and keeps the filename
	// search index in lock-step within the same transaction.
	SaveMediaMetadata(ctx context.Context, txn Txn, meta models.MediaMetadata) error
	// SearchMediaFilenames returns event IDs whose stored filename matches
	// the query, using whichever search structure the schema manager
	// managed to build.
	SearchMediaFilenames(ctx context.Context, txn Txn, query string) ([]string, error)

	// Relational reports whether callers may rely on ad-hoc relational
	// query features. A non-relational backend still satisfies the full
	// operation set through equivalent means.
	Relational() bool

	Ping(ctx context.Context) error
	Close() error
}
