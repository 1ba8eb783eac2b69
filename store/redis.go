package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracepipe/tracepipe/message"
)

/*
Redis Schema:

- String: tracepipe:msg:{id} - msgpack-encoded record
- ZSet:   tracepipe:failed   - failed message ids, scored by id so replay
  fetches them in ascending creation order
*/

// RedisStore is a Redis-backed store for pipelines that want a shared
// staging area instead of a per-process file. Records are encoded with
// msgpack; the failed set is a sorted set scored by message id.
type RedisStore struct {
	client    redis.Cmdable
	msgPrefix string
	failedKey string
}

// NewRedisStore creates a new Redis store. The client's lifecycle is owned
// by the caller; Close on the store is a no-op.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:    client,
		msgPrefix: "tracepipe:msg:",
		failedKey: "tracepipe:failed",
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.msgPrefix = prefix + "msg:"
	s.failedKey = prefix + "failed"
	return s
}

// redisRecord is the msgpack wire form of a Record.
type redisRecord struct {
	MessageID int64  `msgpack:"message_id"`
	Kind      string `msgpack:"message_type"`
	Payload   []byte `msgpack:"message_json"`
	Status    string `msgpack:"status"`
}

// Init is a no-op; Redis needs no schema.
func (s *RedisStore) Init(ctx context.Context) error {
	return nil
}

// Upsert writes records and maintains the failed set in one MULTI/EXEC
// pipeline.
func (s *RedisStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	encoded := make([][]byte, len(records))
	for i, rec := range records {
		data, err := msgpack.Marshal(redisRecord{
			MessageID: rec.MessageID,
			Kind:      string(rec.Kind),
			Payload:   rec.Payload,
			Status:    string(rec.Status),
		})
		if err != nil {
			return fmt.Errorf("encode record %d: %w", rec.MessageID, err)
		}
		encoded[i] = data
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, rec := range records {
			pipe.Set(ctx, s.msgKey(rec.MessageID), encoded[i], 0)
			if rec.Status == StatusFailed {
				pipe.ZAdd(ctx, s.failedKey, redis.Z{
					Score:  float64(rec.MessageID),
					Member: rec.MessageID,
				})
			} else {
				pipe.ZRem(ctx, s.failedKey, rec.MessageID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}
	return nil
}

// UpdateStatus rewrites the stored records with the new status.
func (s *RedisStore) UpdateStatus(ctx context.Context, ids []int64, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	records, err := s.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	for i := range records {
		records[i].Status = status
	}
	return s.Upsert(ctx, records)
}

// Delete removes records and their failed-set entries.
func (s *RedisStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.msgKey(id))
			pipe.ZRem(ctx, s.failedKey, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// Get retrieves a single record by id.
func (s *RedisStore) Get(ctx context.Context, id int64) (*Record, error) {
	data, err := s.client.Get(ctx, s.msgKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return decodeRedisRecord(data)
}

// GetMany retrieves the records for the given ids, ascending by message id.
func (s *RedisStore) GetMany(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.msgKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	var records []Record
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // missing key
		}
		rec, err := decodeRedisRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(a.MessageID, b.MessageID)
	})
	return records, nil
}

// FailedIDs returns the ids in the failed set, ascending by score.
func (s *RedisStore) FailedIDs(ctx context.Context) ([]int64, error) {
	members, err := s.client.ZRange(ctx, s.failedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed ids: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse failed id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FailedCount returns the cardinality of the failed set.
func (s *RedisStore) FailedCount(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.failedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count failed messages: %w", err)
	}
	return count, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) msgKey(id int64) string {
	return s.msgPrefix + strconv.FormatInt(id, 10)
}

func decodeRedisRecord(data []byte) (*Record, error) {
	var wire redisRecord
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &Record{
		MessageID: wire.MessageID,
		Kind:      message.Kind(wire.Kind),
		Payload:   wire.Payload,
		Status:    Status(wire.Status),
	}, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
