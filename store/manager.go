package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tracepipe/tracepipe/message"
)

const meterName = "tracepipe.store"

// Deliver re-delivers one staged message. Returning an error leaves the
// message failed for the next replay pass.
type Deliver func(ctx context.Context, msg message.Message) error

// Manager owns the persistent message table and exposes the
// register/update/fetch/replay operations on it.
//
// Two independent synchronization primitives guard the store: a short-held
// metadata lock scoping each CRUD operation, and a single-slot replay mutex
// serializing whole replay passes. Neither is ever held across a sleep or a
// delivery callback, so producers on the application's hot path return
// quickly even mid-replay.
//
// Example:
//
//	st, _ := store.OpenSQLite("messages.db")
//	mgr := store.NewManager(st).
//	    WithBatchSize(50).
//	    WithReplayDelay(time.Second)
//	defer mgr.Close()
//
//	mgr.Register(ctx, msg, store.StatusFailed)
//	delivered := mgr.Replay(ctx, sender.Send)
type Manager struct {
	store  Store
	logger *slog.Logger

	batchSize   int
	replayDelay time.Duration
	limiter     *rate.Limiter

	metricsEnabled bool
	tracingEnabled bool

	mu       sync.Mutex // metadata lock: manager state + store CRUD
	replayMu sync.Mutex // single slot, acquired with TryLock only
	closed   bool
	failed   bool
}

// NewManager creates a manager on the given store and initializes its
// schema. If the store is unusable the manager enters a permanent failed
// state: the failure is logged once and every later operation becomes a
// no-op or neutral return, so a broken replay subsystem cannot crash the
// host application.
func NewManager(store Store) *Manager {
	m := &Manager{
		store:       store,
		logger:      slog.Default().With("component", "store.manager"),
		batchSize:   100,
		replayDelay: 0,
	}
	if err := store.Init(context.Background()); err != nil {
		m.failed = true
		m.logger.Error("message store unavailable, staging disabled", "error", err)
	}
	return m
}

// WithBatchSize sets the replay page size. It also bounds how many rows a
// single RegisterBatch transaction carries. Values < 1 are ignored.
//
// Returns the manager for method chaining.
func (m *Manager) WithBatchSize(size int) *Manager {
	if size > 0 {
		m.batchSize = size
	}
	return m
}

// WithReplayDelay sets the pause between replay pages. The delay is slept
// with no lock held; producers registering messages during the pause are
// not blocked. Negative values are ignored.
//
// Returns the manager for method chaining.
func (m *Manager) WithReplayDelay(d time.Duration) *Manager {
	if d >= 0 {
		m.replayDelay = d
	}
	return m
}

// WithLogger sets a custom logger.
//
// Returns the manager for method chaining.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithRateLimit paces replay deliveries with a local token bucket of
// perSecond tokens and the given burst. Zero disables pacing.
//
// Returns the manager for method chaining.
func (m *Manager) WithRateLimit(perSecond float64, burst int) *Manager {
	if perSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return m
}

// WithMetrics enables OpenTelemetry counters for register and replay
// activity.
//
// Returns the manager for method chaining.
func (m *Manager) WithMetrics(enabled bool) *Manager {
	m.metricsEnabled = enabled
	return m
}

// WithTracing enables an OpenTelemetry span around each replay pass.
//
// Returns the manager for method chaining.
func (m *Manager) WithTracing(enabled bool) *Manager {
	m.tracingEnabled = enabled
	return m
}

// unavailable reports whether operations should degrade to no-ops.
// Callers must hold the metadata lock.
func (m *Manager) unavailable() bool {
	return m.closed || m.failed
}

// Register upserts one message keyed by its id.
//
// The message id is a caller contract: a missing id returns
// ErrMissingMessageID synchronously. When the manager is closed or failed
// the call is a safe no-op.
func (m *Manager) Register(ctx context.Context, msg message.Message, status Status) error {
	return m.RegisterBatch(ctx, []message.Message{msg}, status)
}

// RegisterBatch upserts many messages in one atomic write: either every
// record is stored or none is.
func (m *Manager) RegisterBatch(ctx context.Context, msgs []message.Message, status Status) error {
	records := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID() == 0 {
			return fmt.Errorf("%w: cannot register %s message", ErrMissingMessageID, msg.Kind())
		}
		payload, err := message.Encode(msg)
		if err != nil {
			return fmt.Errorf("register message %d: %w", msg.ID(), err)
		}
		records = append(records, Record{
			MessageID: msg.ID(),
			Kind:      msg.Kind(),
			Payload:   payload,
			Status:    status,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable() {
		return nil
	}

	if err := m.store.Upsert(ctx, records); err != nil {
		m.logger.Error("failed to register messages",
			"count", len(records),
			"status", status,
			"error", err)
		return fmt.Errorf("register messages: %w", err)
	}

	if m.metricsEnabled {
		meter := otel.Meter(meterName)
		registered, _ := meter.Int64Counter("tracepipe.messages.registered",
			metric.WithDescription("Total messages registered in the staging store"))
		registered.Add(ctx, int64(len(records)), metric.WithAttributes(
			attribute.String("status", string(status))))
	}

	return nil
}

// Update transitions one message. StatusDelivered deletes the row; any
// other status updates it in place. No-op when closed.
func (m *Manager) Update(ctx context.Context, id int64, status Status) error {
	return m.UpdateBatch(ctx, []int64{id}, status)
}

// UpdateBatch is the batched, single-call version of Update.
func (m *Manager) UpdateBatch(ctx context.Context, ids []int64, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable() {
		return nil
	}

	var err error
	if status == StatusDelivered {
		err = m.store.Delete(ctx, ids)
	} else {
		err = m.store.UpdateStatus(ctx, ids, status)
	}
	if err != nil {
		m.logger.Error("failed to update messages",
			"count", len(ids),
			"status", status,
			"error", err)
		return fmt.Errorf("update messages: %w", err)
	}
	return nil
}

// Get fetches and decodes one message. An absent row yields (nil, nil), as
// does a closed or failed manager.
func (m *Manager) Get(ctx context.Context, id int64) (message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable() {
		return nil, nil
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return FromRecord(*rec)
}

// FailedCount returns the number of failed rows, or -1 when the manager is
// closed, failed, or the query itself fails. A query failure also flips the
// manager into the permanent failed state.
func (m *Manager) FailedCount(ctx context.Context) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable() {
		return -1
	}

	count, err := m.store.FailedCount(ctx)
	if err != nil {
		m.failed = true
		m.logger.Error("failed-message count query failed, staging disabled", "error", err)
		return -1
	}
	return count
}

// FetchFailedBatched returns a lazy cursor over the messages that were
// failed when the call was made, ascending by message id, in pages of
// batchSize (every page full except possibly the last). The cursor is
// read-only: it never mutates message status. Messages marked failed after
// the snapshot are not included.
func (m *Manager) FetchFailedBatched(ctx context.Context, batchSize int) *FailedCursor {
	if batchSize < 1 {
		batchSize = m.batchSize
	}
	cur := &FailedCursor{mgr: m, size: batchSize}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable() {
		return cur
	}

	ids, err := m.store.FailedIDs(ctx)
	if err != nil {
		m.logger.Error("failed to snapshot failed messages", "error", err)
		return cur
	}
	cur.ids = ids
	return cur
}

// Replay re-delivers every message that was failed when the pass started.
//
// The pass is serialized by a non-blocking single-slot mutex: a second
// concurrent call returns 0 immediately without touching the store. Within
// the pass, messages are delivered in ascending message-id order, page by
// page. A successful delivery deletes the row; a delivery error is logged
// and the row stays failed for the next pass. Between pages the configured
// replay delay is slept with no lock held.
//
// Returns the number of successful deliveries.
func (m *Manager) Replay(ctx context.Context, deliver Deliver) int {
	if !m.replayMu.TryLock() {
		return 0
	}
	defer m.replayMu.Unlock()

	if m.tracingEnabled {
		tracer := otel.Tracer(meterName)
		var span oteltrace.Span
		ctx, span = tracer.Start(ctx, "store.replay",
			oteltrace.WithSpanKind(oteltrace.SpanKindInternal))
		defer span.End()
	}

	cur := m.FetchFailedBatched(ctx, m.batchSize)

	delivered := 0
	for {
		batch, ok := cur.Next(ctx)
		if !ok {
			break
		}

		for _, msg := range batch {
			if m.limiter != nil {
				if err := m.limiter.Wait(ctx); err != nil {
					return delivered
				}
			}
			if err := deliver(ctx, msg); err != nil {
				m.logger.Error("replay delivery failed",
					"message_id", msg.ID(),
					"kind", msg.Kind(),
					"error", err)
				m.countReplay(ctx, "failed", 1)
				continue
			}
			if err := m.Update(ctx, msg.ID(), StatusDelivered); err != nil {
				m.logger.Error("failed to mark message delivered",
					"message_id", msg.ID(),
					"error", err)
			}
			delivered++
		}

		if cur.More() && m.replayDelay > 0 {
			select {
			case <-time.After(m.replayDelay):
			case <-ctx.Done():
				return delivered
			}
		}
	}

	m.countReplay(ctx, "delivered", int64(delivered))
	if delivered > 0 {
		m.logger.Info("replayed failed messages", "delivered", delivered)
	}
	return delivered
}

func (m *Manager) countReplay(ctx context.Context, result string, n int64) {
	if !m.metricsEnabled || n == 0 {
		return
	}
	meter := otel.Meter(meterName)
	replayed, _ := meter.Int64Counter("tracepipe.messages.replayed",
		metric.WithDescription("Total replay delivery attempts by result"))
	replayed.Add(ctx, n, metric.WithAttributes(attribute.String("result", result)))
}

// Close ends the manager's lifecycle. It is idempotent and safe to call
// from any goroutine; afterwards every operation is a safe no-op. An
// in-flight replay pass finishes its current page and then finds the store
// closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// getRecords reads one page of records under the metadata lock. ok is
// false once the manager is closed or failed.
func (m *Manager) getRecords(ctx context.Context, ids []int64) ([]Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable() {
		return nil, false
	}

	records, err := m.store.GetMany(ctx, ids)
	if err != nil {
		m.logger.Error("failed to fetch replay page", "error", err)
		return nil, true
	}
	return records, true
}

// FailedCursor pages through the failed-message snapshot taken when it was
// created. Rows deleted or re-registered after the snapshot are skipped;
// rows marked failed after the snapshot are not visited.
type FailedCursor struct {
	mgr  *Manager
	ids  []int64
	size int
	pos  int
}

// Next returns the next page of decoded messages. The second return value
// is false once the snapshot is exhausted or the manager has been closed.
// A page may come back smaller than the snapshot slice if rows vanished
// mid-pass; undecodable rows are logged and skipped.
func (c *FailedCursor) Next(ctx context.Context) ([]message.Message, bool) {
	if c.pos >= len(c.ids) {
		return nil, false
	}

	end := min(c.pos+c.size, len(c.ids))
	chunk := c.ids[c.pos:end]
	c.pos = end

	records, ok := c.mgr.getRecords(ctx, chunk)
	if !ok {
		c.pos = len(c.ids)
		return nil, false
	}

	msgs := make([]message.Message, 0, len(records))
	for _, rec := range records {
		msg, err := FromRecord(rec)
		if err != nil {
			c.mgr.logger.Error("skipping undecodable message",
				"message_id", rec.MessageID,
				"kind", rec.Kind,
				"error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, true
}

// More reports whether unvisited snapshot entries remain.
func (c *FailedCursor) More() bool {
	return c.pos < len(c.ids)
}
