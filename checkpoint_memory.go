package workflow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. It is the default store
// and the one used in tests.
type MemoryStore struct {
	mutex   sync.RWMutex
	history map[string][]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: map[string][]*Checkpoint{}}
}

func (s *MemoryStore) SaveCheckpoint(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	checkpoints := s.history[inst.ID]
	s.history[inst.ID] = append(checkpoints, &Checkpoint{
		InstanceID:   inst.ID,
		Sequence:     len(checkpoints) + 1,
		Instance:     inst.Clone(),
		CheckpointAt: inst.UpdatedAt,
	})
	return nil
}

func (s *MemoryStore) LoadCheckpoint(ctx context.Context, id string) (*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoints := s.history[id]
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("load %s: %w", id, ErrNotFound)
	}
	return checkpoints[len(checkpoints)-1].Instance.Clone(), nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	instances := []*Instance{}
	for _, checkpoints := range s.history {
		latest := checkpoints[len(checkpoints)-1].Instance
		if filter.Matches(latest) {
			instances = append(instances, latest.Clone())
		}
	}
	SortNewestFirst(instances)
	return filter.ApplyLimit(instances), nil
}

func (s *MemoryStore) CheckpointHistory(ctx context.Context, id string) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoints := s.history[id]
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	out := make([]*Checkpoint, len(checkpoints))
	for i, cp := range checkpoints {
		c := *cp
		c.Instance = cp.Instance.Clone()
		out[i] = &c
	}
	return out, nil
}
