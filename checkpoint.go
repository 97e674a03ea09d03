package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Checkpoint is one durable snapshot of an instance. Later checkpoints
// supersede earlier ones; none are deleted.
type Checkpoint struct {
	InstanceID   string    `json:"instance_id"`
	Sequence     int       `json:"sequence"`
	Instance     *Instance `json:"instance"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}

// ListFilter narrows ListCheckpoints. Zero values match everything.
type ListFilter struct {
	Status Status
	Limit  int
}

// Matches reports whether inst passes the status filter.
func (f ListFilter) Matches(inst *Instance) bool {
	return f.Status == "" || inst.Status == f.Status
}

// CheckpointStore persists instances after every transition.
type CheckpointStore interface {
	// SaveCheckpoint upserts the instance as its latest checkpoint and appends
	// it to the instance's history.
	SaveCheckpoint(ctx context.Context, inst *Instance) error

	// LoadCheckpoint loads the latest checkpoint of an instance. It returns
	// ErrNotFound for unknown ids.
	LoadCheckpoint(ctx context.Context, id string) (*Instance, error)

	// ListCheckpoints returns the latest checkpoint of every matching
	// instance, newest first.
	ListCheckpoints(ctx context.Context, filter ListFilter) ([]*Instance, error)

	// CheckpointHistory returns every checkpoint of an instance, oldest first.
	CheckpointHistory(ctx context.Context, id string) ([]*Checkpoint, error)
}

// SortNewestFirst orders instances by creation time, newest first, breaking
// ties by id.
func SortNewestFirst(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].CreatedAt.After(instances[j].CreatedAt)
		}
		return instances[i].ID > instances[j].ID
	})
}

// ApplyLimit truncates instances to the filter's limit.
func (f ListFilter) ApplyLimit(instances []*Instance) []*Instance {
	if f.Limit > 0 && len(instances) > f.Limit {
		return instances[:f.Limit]
	}
	return instances
}

// DecodeInstance unmarshals a stored instance and fills any missing
// collections.
func DecodeInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	inst.normalize()
	return &inst, nil
}
