package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"yoto-remote/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrMiss the key does not exist.
var ErrMiss = errors.New("cache miss")

// ErrConflict an optimistic write kept losing to concurrent writers.
var ErrConflict = errors.New("concurrent modification")

// KV minimal key/value store; RedisKV in production, a map in tests.
// Mutate is a read-modify-write that is atomic across processes: fn sees the
// current value (found=false when the key is missing) and returns the new one.
// fn may run more than once.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Mutate(ctx context.Context, key string, fn func(current string, found bool) (string, error)) error
}

// maxTxAttempts optimistic retries before Mutate gives up.
const maxTxAttempts = 100

type RedisKV struct {
	c *redis.Client
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

// Mutate runs fn under WATCH key and commits with MULTI/EXEC, retrying when
// another client wrote the key in between.
func (r *RedisKV) Mutate(ctx context.Context, key string, fn func(current string, found bool) (string, error)) error {
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		found := true
		if err == redis.Nil {
			current, found = "", false
		} else if err != nil {
			return err
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.c.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

// DefaultSchedulesKey key holding the JSON schedule list.
const DefaultSchedulesKey = "yoto:schedules"

// KVScheduleRepository keeps all schedules as one JSON list under a single key.
// Writes go through KV.Mutate, so several processes (daemon, CLI) can share the
// key; mu only keeps this process's own writers from retrying against each other.
type KVScheduleRepository struct {
	kv  KV
	key string
	mu  sync.Mutex
}

// NewKVScheduleRepository creates the repository; an empty key uses DefaultSchedulesKey.
func NewKVScheduleRepository(kv KV, key string) *KVScheduleRepository {
	if key == "" {
		key = DefaultSchedulesKey
	}
	return &KVScheduleRepository{kv: kv, key: key}
}

var _ ScheduleRepository = (*KVScheduleRepository)(nil)

func decodeSchedules(raw string) ([]models.Schedule, error) {
	var list []models.Schedule
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode schedules: %w", err)
	}
	return list, nil
}

func (r *KVScheduleRepository) load(ctx context.Context) ([]models.Schedule, error) {
	raw, err := r.kv.Get(ctx, r.key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}
	return decodeSchedules(raw)
}

// mutate applies fn to the stored list atomically. Errors returned by fn are
// passed through unchanged and nothing is written.
func (r *KVScheduleRepository) mutate(ctx context.Context, fn func([]models.Schedule) ([]models.Schedule, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fnErr error
	err := r.kv.Mutate(ctx, r.key, func(current string, found bool) (string, error) {
		var list []models.Schedule
		if found {
			var err error
			if list, err = decodeSchedules(current); err != nil {
				return "", err
			}
		}
		next, err := fn(list)
		if err != nil {
			fnErr = err
			return "", err
		}
		if next == nil {
			next = []models.Schedule{}
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return "", fmt.Errorf("failed to encode schedules: %w", err)
		}
		return string(raw), nil
	})
	if err != nil && fnErr == nil {
		return fmt.Errorf("failed to save schedules: %w", err)
	}
	return err
}

func (r *KVScheduleRepository) Insert(ctx context.Context, s models.Schedule) error {
	return r.mutate(ctx, func(list []models.Schedule) ([]models.Schedule, error) {
		for _, existing := range list {
			if existing.ID == s.ID {
				return nil, fmt.Errorf("%w: %s", ErrScheduleExists, s.ID)
			}
		}
		return append(list, s.Clone()), nil
	})
}

func (r *KVScheduleRepository) Get(ctx context.Context, id string) (*models.Schedule, error) {
	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range list {
		if s.ID == id {
			out := s.Clone()
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
}

func (r *KVScheduleRepository) List(ctx context.Context, deviceID string) ([]models.Schedule, error) {
	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Schedule, 0, len(list))
	for _, s := range list {
		if deviceID == "" || s.DeviceID == deviceID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (r *KVScheduleRepository) Update(ctx context.Context, id string, fn func(*models.Schedule) error) (*models.Schedule, error) {
	var out models.Schedule
	err := r.mutate(ctx, func(list []models.Schedule) ([]models.Schedule, error) {
		for i := range list {
			if list[i].ID != id {
				continue
			}
			updated := list[i].Clone()
			if err := fn(&updated); err != nil {
				return nil, err
			}
			updated.ID = id
			list[i] = updated
			out = updated.Clone()
			return list, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *KVScheduleRepository) Delete(ctx context.Context, id string) error {
	return r.mutate(ctx, func(list []models.Schedule) ([]models.Schedule, error) {
		for i := range list {
			if list[i].ID == id {
				return append(list[:i], list[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	})
}
