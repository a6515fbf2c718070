package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout    = 5 * time.Second
	scanCount         = 200
	watchBufferSize   = 1024
	keyspaceEventsCfg = "Kghx"
)

var hsetIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

type RedisOptions struct {
	Address        string
	Password       string
	BaseDB         int  // partition p lives in BaseDB+p
	KeyspaceEvents bool // enable keyspace notifications for the change feed
}

// RedisStore implements Store with one client per partition.
type RedisStore struct {
	clients map[Partition]*redis.Client
	dbs     map[Partition]int
}

var _ Store = (*RedisStore)(nil)

func RedisConnect(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Address == "" {
		return nil, errors.New("REDIS_ADDRESS not set in environment")
	}

	s := &RedisStore{
		clients: make(map[Partition]*redis.Client, len(Partitions)),
		dbs:     make(map[Partition]int, len(Partitions)),
	}
	for _, p := range Partitions {
		db := opts.BaseDB + int(p)
		client := redis.NewClient(&redis.Options{
			Addr:     opts.Address,
			Password: opts.Password,
			DB:       db,
		})
		s.clients[p] = client
		s.dbs[p] = db

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to redis db %d: %w", db, err)
		}
	}

	if opts.KeyspaceEvents {
		if err := s.clients[QueuePartition].ConfigSet(ctx, "notify-keyspace-events", keyspaceEventsCfg).Err(); err != nil {
			log.Warn().Err(err).Msg("Could not enable keyspace notifications, change feed may stay silent")
		}
	}

	log.Info().Str("address", opts.Address).Int("base_db", opts.BaseDB).Msg("Connected to Redis")
	return s, nil
}

func (s *RedisStore) client(p Partition) (*redis.Client, error) {
	c, ok := s.clients[p]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, p)
	}
	return c, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, p Partition, key string) (map[string]string, error) {
	c, err := s.client(p)
	if err != nil {
		return nil, err
	}
	return c.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HGet(ctx context.Context, p Partition, key, field string) (string, error) {
	c, err := s.client(p)
	if err != nil {
		return "", err
	}
	v, err := c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) HIncrBy(ctx context.Context, p Partition, key, field string, n int64) (int64, error) {
	c, err := s.client(p)
	if err != nil {
		return 0, err
	}
	return c.HIncrBy(ctx, key, field, n).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, p Partition, key, member string) (bool, error) {
	c, err := s.client(p)
	if err != nil {
		return false, err
	}
	return c.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) LRange(ctx context.Context, p Partition, key string) ([]string, error) {
	c, err := s.client(p)
	if err != nil {
		return nil, err
	}
	return c.LRange(ctx, key, 0, -1).Result()
}

// Keys walks the keyspace with SCAN so large partitions do not block the server.
func (s *RedisStore) Keys(ctx context.Context, p Partition, pattern string) ([]string, error) {
	c, err := s.client(p)
	if err != nil {
		return nil, err
	}
	var keys []string
	iter := c.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) SetNX(ctx context.Context, p Partition, key, value string, ttl time.Duration) (bool, error) {
	c, err := s.client(p)
	if err != nil {
		return false, err
	}
	return c.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, p Partition, key string) (string, error) {
	c, err := s.client(p)
	if err != nil {
		return "", err
	}
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) Expire(ctx context.Context, p Partition, key string, ttl time.Duration) error {
	c, err := s.client(p)
	if err != nil {
		return err
	}
	return c.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) HSetIfExists(ctx context.Context, p Partition, key string, fields map[string]interface{}) (bool, error) {
	c, err := s.client(p)
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	n, err := hsetIfExists.Run(ctx, c, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Pipeline() Batch {
	return &redisBatch{store: s, cmds: make(map[Partition][]batchCmd)}
}

// Watch listens on keyspace notifications of the partition's database.
func (s *RedisStore) Watch(ctx context.Context, p Partition) (<-chan ChangeEvent, error) {
	c, err := s.client(p)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("__keyspace@%d__:", s.dbs[p])
	pubsub := c.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to keyspace events: %w", err)
	}

	out := make(chan ChangeEvent, watchBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event := ChangeEvent{
					Partition: p,
					Operation: msg.Payload,
					Key:       strings.TrimPrefix(msg.Channel, prefix),
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	var errs []error
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type batchCmd func(ctx context.Context, pipe redis.Pipeliner)

type redisBatch struct {
	store *RedisStore
	cmds  map[Partition][]batchCmd
}

func (b *redisBatch) add(p Partition, cmd batchCmd) Batch {
	b.cmds[p] = append(b.cmds[p], cmd)
	return b
}

func (b *redisBatch) HSet(p Partition, key string, fields map[string]interface{}) Batch {
	if len(fields) == 0 {
		return b
	}
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, fields)
	})
}

func (b *redisBatch) HIncrBy(p Partition, key, field string, n int64) Batch {
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HIncrBy(ctx, key, field, n)
	})
}

func (b *redisBatch) Set(p Partition, key, value string, ttl time.Duration) Batch {
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Set(ctx, key, value, ttl)
	})
}

func (b *redisBatch) SAdd(p Partition, key string, members ...interface{}) Batch {
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.SAdd(ctx, key, members...)
	})
}

func (b *redisBatch) RPush(p Partition, key string, values ...interface{}) Batch {
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.RPush(ctx, key, values...)
	})
}

func (b *redisBatch) Del(p Partition, keys ...string) Batch {
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Del(ctx, keys...)
	})
}

func (b *redisBatch) Expire(p Partition, key string, ttl time.Duration) Batch {
	return b.add(p, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.Expire(ctx, key, ttl)
	})
}

// Exec runs one MULTI/EXEC per partition, in partition order. A failing
// partition stops the remaining ones and is reported as a *BatchError.
func (b *redisBatch) Exec(ctx context.Context) error {
	for p := range b.cmds {
		if _, err := b.store.client(p); err != nil {
			return err
		}
	}
	var committed []Partition
	for _, p := range Partitions {
		cmds := b.cmds[p]
		if len(cmds) == 0 {
			continue
		}
		c, _ := b.store.client(p)
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, cmd := range cmds {
				cmd(ctx, pipe)
			}
			return nil
		})
		if err != nil {
			return &BatchError{Partition: p, Done: committed, Err: err}
		}
		committed = append(committed, p)
	}
	return nil
}
