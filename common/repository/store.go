package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Partition is a logical namespace of the store. Each one maps to its own Redis database.
type Partition int

const (
	TenantPartition Partition = iota
	QueuePartition
	ConfigPartition
	TimelinePartition
)

var Partitions = []Partition{TenantPartition, QueuePartition, ConfigPartition, TimelinePartition}

func (p Partition) String() string {
	switch p {
	case TenantPartition:
		return "TENANT"
	case QueuePartition:
		return "QUEUE"
	case ConfigPartition:
		return "CONFIG"
	case TimelinePartition:
		return "TIMELINE"
	}
	return "UNKNOWN"
}

var ErrUnknownPartition = errors.New("unknown partition")

// BatchError is a batch that failed part way. The partitions in Done were
// committed before Partition failed; later ones never ran.
type BatchError struct {
	Partition Partition
	Done      []Partition
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("exec %s batch: %v", e.Partition, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

func (e *BatchError) Committed(p Partition) bool {
	for _, d := range e.Done {
		if d == p {
			return true
		}
	}
	return false
}

// ChangeEvent is emitted by the change feed for every write on a watched partition.
type ChangeEvent struct {
	Partition Partition
	Operation string // redis command, e.g. "hset", "del", "expired"
	Key       string
}

// Store is the persistence contract used by the engine.
// Reads of absent keys return zero values, not errors.
type Store interface {
	HGetAll(ctx context.Context, p Partition, key string) (map[string]string, error)
	HGet(ctx context.Context, p Partition, key, field string) (string, error)
	HIncrBy(ctx context.Context, p Partition, key, field string, n int64) (int64, error)
	SIsMember(ctx context.Context, p Partition, key, member string) (bool, error)
	LRange(ctx context.Context, p Partition, key string) ([]string, error)
	Keys(ctx context.Context, p Partition, pattern string) ([]string, error)
	SetNX(ctx context.Context, p Partition, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, p Partition, key string) (string, error)
	Expire(ctx context.Context, p Partition, key string, ttl time.Duration) error

	// HSetIfExists writes fields only when key already exists and reports whether it did.
	HSetIfExists(ctx context.Context, p Partition, key string, fields map[string]interface{}) (bool, error)

	// Pipeline starts an atomic batch. Commands are grouped per partition and each
	// group runs in one MULTI/EXEC. Groups run in partition order.
	Pipeline() Batch

	// Watch subscribes to writes on p. The channel closes when ctx is done.
	Watch(ctx context.Context, p Partition) (<-chan ChangeEvent, error)

	Close() error
}

// Batch accumulates write commands until Exec.
type Batch interface {
	HSet(p Partition, key string, fields map[string]interface{}) Batch
	HIncrBy(p Partition, key, field string, n int64) Batch
	Set(p Partition, key, value string, ttl time.Duration) Batch
	SAdd(p Partition, key string, members ...interface{}) Batch
	RPush(p Partition, key string, values ...interface{}) Batch
	Del(p Partition, keys ...string) Batch
	Expire(p Partition, key string, ttl time.Duration) Batch
	Exec(ctx context.Context) error
}
