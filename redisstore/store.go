// Package redisstore provides a Redis checkpoint store.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	workflow "github.com/voronode/invoiceflow"
)

// Options configures New.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key. Defaults to "invoiceflow".
	Prefix string
}

// Store keeps the latest state of each instance in a string key, its history
// in a list and sorted-set indexes by creation time for listings.
type Store struct {
	client *redis.Client
	prefix string
}

var _ workflow.CheckpointStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "invoiceflow"
	}
	return &Store{client: client, prefix: prefix + ":"}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) instanceKey(id string) string {
	return s.prefix + "instance:" + id
}

func (s *Store) historyKey(id string) string {
	return s.prefix + "history:" + id
}

func (s *Store) statusKey(status workflow.Status) string {
	return s.prefix + "status:" + string(status)
}

func (s *Store) allKey() string {
	return s.prefix + "all"
}

// score orders by creation time in microseconds, which float64 holds exactly.
func score(inst *workflow.Instance) float64 {
	return float64(inst.CreatedAt.UnixMicro())
}

func (s *Store) SaveCheckpoint(ctx context.Context, inst *workflow.Instance) error {
	previous, err := s.LoadCheckpoint(ctx, inst.ID)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return err
	}
	sequence, err := s.client.LLen(ctx, s.historyKey(inst.ID)).Result()
	if err != nil {
		return fmt.Errorf("read history length of %s: %w", inst.ID, err)
	}

	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	checkpoint, err := json.Marshal(&workflow.Checkpoint{
		InstanceID:   inst.ID,
		Sequence:     int(sequence) + 1,
		Instance:     inst,
		CheckpointAt: inst.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	member := redis.Z{Score: score(inst), Member: inst.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.instanceKey(inst.ID), state, 0)
		pipe.RPush(ctx, s.historyKey(inst.ID), checkpoint)
		if previous != nil && previous.Status != inst.Status {
			pipe.ZRem(ctx, s.statusKey(previous.Status), inst.ID)
		}
		pipe.ZAdd(ctx, s.statusKey(inst.Status), member)
		pipe.ZAdd(ctx, s.allKey(), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, id string) (*workflow.Instance, error) {
	data, err := s.client.Get(ctx, s.instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load %s: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return workflow.DecodeInstance(data)
}

func (s *Store) ListCheckpoints(ctx context.Context, filter workflow.ListFilter) ([]*workflow.Instance, error) {
	index := s.allKey()
	if filter.Status != "" {
		index = s.statusKey(filter.Status)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	instances := []*workflow.Instance{}
	if len(ids) == 0 {
		return instances, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.instanceKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		inst, err := workflow.DecodeInstance([]byte(data))
		if err != nil {
			return nil, err
		}
		// Index entries can lag behind a concurrent status change.
		if filter.Matches(inst) {
			instances = append(instances, inst)
		}
	}
	workflow.SortNewestFirst(instances)
	return filter.ApplyLimit(instances), nil
}

func (s *Store) CheckpointHistory(ctx context.Context, id string) ([]*workflow.Checkpoint, error) {
	entries, err := s.client.LRange(ctx, s.historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", id, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("history of %s: %w", id, workflow.ErrNotFound)
	}
	checkpoints := make([]*workflow.Checkpoint, 0, len(entries))
	for _, entry := range entries {
		var checkpoint workflow.Checkpoint
		if err := json.Unmarshal([]byte(entry), &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	return checkpoints, nil
}
