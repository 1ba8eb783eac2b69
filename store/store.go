// Package store provides the crash-surviving staging area for undelivered
// telemetry messages, plus a safe, non-blocking replay procedure.
//
// Messages that fail transient delivery are registered here and replayed
// later, giving at-least-once delivery across process restarts. The package
// provides:
//   - Store interface for message persistence
//   - Manager for register/update/fetch/replay operations
//   - Replayer for periodic background replay
//   - Multiple store implementations (SQLite, Redis, MongoDB, Memory)
//
// # Basic Usage
//
//	st, err := store.OpenSQLite(filepath.Join(home, ".tracepipe", "messages.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr := store.NewManager(st).
//	    WithBatchSize(50).
//	    WithReplayDelay(time.Second)
//	defer mgr.Close()
//
//	// When the sender hits a transient failure:
//	mgr.Register(ctx, msg, store.StatusFailed)
//
//	// Later, re-deliver everything that failed:
//	delivered := mgr.Replay(ctx, func(ctx context.Context, m message.Message) error {
//	    return sender.Send(ctx, m)
//	})
//
// # Degradation
//
// A broken staging store must never crash the instrumented application.
// If the store cannot be opened or its schema cannot be created, the
// manager enters a permanent failed state and every later operation
// becomes a no-op or neutral return. The single exception is the explicit
// caller-contract error: registering a message without an id.
package store

import (
	"context"
	"errors"

	"github.com/tracepipe/tracepipe/message"
)

// Status is the lifecycle state of a staged message.
//
// StatusDelivered is never stored as a row value: transitioning a message
// to delivered deletes its row. Only failed rows are replay-eligible.
type Status string

const (
	// StatusRegistered marks a message staged but not yet failed.
	StatusRegistered Status = "registered"

	// StatusFailed marks a message whose delivery failed; it will be
	// picked up by the next replay pass.
	StatusFailed Status = "failed"

	// StatusDelivered marks successful delivery. Updating a message to
	// this status removes it from the store.
	StatusDelivered Status = "delivered"
)

// Record is the persisted row representation of a message:
// one row per non-delivered message, keyed by the message id.
type Record struct {
	MessageID int64
	Kind      message.Kind
	Payload   []byte // encoded message, see package message
	Status    Status
}

// Sentinel errors returned by the manager. Check with errors.Is as they
// may be wrapped with additional context.
var (
	// ErrMissingMessageID reports a caller-contract violation: the
	// message handed to Register has no id assigned.
	ErrMissingMessageID = errors.New("message id is not set")

	// ErrNotFound reports that no row exists for the requested id.
	ErrNotFound = errors.New("message not found")
)

// FromRecord reconstructs the concrete message a record was built from,
// dispatching on the stored kind tag.
func FromRecord(rec Record) (message.Message, error) {
	return message.Decode(rec.Kind, rec.Payload)
}

// Store defines the persistence interface for staged messages.
//
// Implementations must be safe for concurrent use and must keep at most
// one row per message id. Multi-record operations are atomic: either all
// records are written or none are.
//
// Implementations:
//   - SQLiteStore: embedded, crash-surviving local store (the default)
//   - MemoryStore: for tests and ephemeral pipelines (see memory.go)
//   - RedisStore: for a shared staging store (see redis.go)
//   - MongoStore: for MongoDB (see mongodb.go)
type Store interface {
	// Init creates the schema if absent. Called once by the manager.
	Init(ctx context.Context) error

	// Upsert inserts or replaces records keyed by message id, atomically.
	Upsert(ctx context.Context, records []Record) error

	// UpdateStatus sets the status of the given ids in place.
	// Missing ids are ignored.
	UpdateStatus(ctx context.Context, ids []int64, status Status) error

	// Delete removes the rows for the given ids. Missing ids are ignored.
	Delete(ctx context.Context, ids []int64) error

	// Get retrieves a single record by id.
	// Returns ErrNotFound if no row exists.
	Get(ctx context.Context, id int64) (*Record, error)

	// GetMany retrieves the records for the given ids, ascending by
	// message id. Ids without a row are silently omitted.
	GetMany(ctx context.Context, ids []int64) ([]Record, error)

	// FailedIDs returns the ids of all failed rows, ascending.
	FailedIDs(ctx context.Context) ([]int64, error)

	// FailedCount returns the number of failed rows.
	FailedCount(ctx context.Context) (int64, error)

	// Close releases the underlying resources.
	Close() error
}
