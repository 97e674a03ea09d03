package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStageLogger is an implementation of StageLogger that logs to a file.
// A file is created per instance. The file is formatted as newline-delimited JSON.
type FileStageLogger struct {
	directory string
	mutex     sync.Mutex
}

func NewFileStageLogger(directory string) *FileStageLogger {
	return &FileStageLogger{directory: directory}
}

func (l *FileStageLogger) instanceLogPath(instanceID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", instanceID))
}

func (l *FileStageLogger) GetStageHistory(ctx context.Context, instanceID string) ([]*StageLogEntry, error) {
	data, err := os.ReadFile(l.instanceLogPath(instanceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*StageLogEntry{}, nil
		}
		return nil, err
	}
	var entries []*StageLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StageLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileStageLogger) LogStage(ctx context.Context, entry *StageLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.instanceLogPath(entry.InstanceID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
