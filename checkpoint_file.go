package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore is a file-based CheckpointStore. Each instance gets a directory
// holding checkpoint-N.json files and a latest.json link to the newest one.
type FileStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileStore creates a file-based store rooted at dataDir. An empty dataDir
// means ~/.invoiceflow/workflows.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".invoiceflow", "workflows")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileStore{dataDir: dataDir}, nil
}

// SaveCheckpoint writes the next checkpoint file and moves latest.json to it
func (s *FileStore) SaveCheckpoint(ctx context.Context, inst *Instance) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	instanceDir := filepath.Join(s.dataDir, inst.ID)
	if err := os.MkdirAll(instanceDir, 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	sequence, err := s.lastSequence(instanceDir)
	if err != nil {
		return err
	}
	checkpoint := &Checkpoint{
		InstanceID:   inst.ID,
		Sequence:     sequence + 1,
		Instance:     inst,
		CheckpointAt: inst.UpdatedAt,
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	checkpointPath := filepath.Join(instanceDir, checkpointFileName(checkpoint.Sequence))
	tmpPath := checkpointPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	latestPath := filepath.Join(instanceDir, "latest.json")
	if err := s.updateLatestSymlink(checkpointPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for an instance. Without a
// latest.json link it falls back to the highest numbered checkpoint file.
func (s *FileStore) LoadCheckpoint(ctx context.Context, id string) (*Instance, error) {
	instanceDir := filepath.Join(s.dataDir, id)
	checkpoint, err := s.readCheckpoint(filepath.Join(instanceDir, "latest.json"))
	if errors.Is(err, os.ErrNotExist) {
		checkpoint, err = s.readNewest(instanceDir)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return checkpoint.Instance, nil
}

func (s *FileStore) readNewest(instanceDir string) (*Checkpoint, error) {
	last, err := s.lastSequence(instanceDir)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, os.ErrNotExist
	}
	return s.readCheckpoint(filepath.Join(instanceDir, checkpointFileName(last)))
}

// ListCheckpoints returns the latest checkpoint of every instance on disk
func (s *FileStore) ListCheckpoints(ctx context.Context, filter ListFilter) ([]*Instance, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Instance{}, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	instances := []*Instance{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		inst, err := s.LoadCheckpoint(ctx, entry.Name())
		if err != nil {
			// Skip instances we can't read
			continue
		}
		if filter.Matches(inst) {
			instances = append(instances, inst)
		}
	}
	SortNewestFirst(instances)
	return filter.ApplyLimit(instances), nil
}

// CheckpointHistory reads every checkpoint file of an instance in order
func (s *FileStore) CheckpointHistory(ctx context.Context, id string) ([]*Checkpoint, error) {
	instanceDir := filepath.Join(s.dataDir, id)
	paths, err := s.checkpointPaths(instanceDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("history %s: %w", id, ErrNotFound)
	}
	checkpoints := make([]*Checkpoint, 0, len(paths))
	for _, path := range paths {
		checkpoint, err := s.readCheckpoint(path)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Sequence < checkpoints[j].Sequence
	})
	return checkpoints, nil
}

func (s *FileStore) readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if checkpoint.Instance == nil {
		return nil, fmt.Errorf("checkpoint %s has no instance", path)
	}
	checkpoint.Instance.normalize()
	return &checkpoint, nil
}

func (s *FileStore) checkpointPaths(instanceDir string) ([]string, error) {
	entries, err := os.ReadDir(instanceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read instance directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			paths = append(paths, filepath.Join(instanceDir, name))
		}
	}
	return paths, nil
}

func (s *FileStore) lastSequence(instanceDir string) (int, error) {
	paths, err := s.checkpointPaths(instanceDir)
	if err != nil {
		return 0, err
	}
	last := 0
	for _, path := range paths {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(path), "checkpoint-%d.json", &n); err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

func checkpointFileName(sequence int) string {
	return fmt.Sprintf("checkpoint-%06d.json", sequence)
}

// updateLatestSymlink points latest.json at the newest checkpoint. The link
// is built under a temporary name and renamed into place, so readers always
// find either the old or the new target.
func (s *FileStore) updateLatestSymlink(checkpointPath, latestPath string) error {
	tmpPath := latestPath + ".tmp"
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale latest link: %w", err)
	}

	// On Windows, copy the file instead of creating a symlink
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(checkpointPath)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint for copy: %w", err)
		}
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return err
		}
		return os.Rename(tmpPath, latestPath)
	}

	rel, err := filepath.Rel(filepath.Dir(latestPath), checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	if err := os.Symlink(rel, tmpPath); err != nil {
		return err
	}
	return os.Rename(tmpPath, latestPath)
}
