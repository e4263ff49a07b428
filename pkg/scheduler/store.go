package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists schedules as JSON-lines. Save writes the whole table to a
// temp file and renames it into place, so a crash never leaves a torn file.
type Store struct {
	path string
}

// NewStore builds a store over the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save writes all schedules atomically.
func (s *Store) Save(schedules []*Schedule) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("schedule store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".schedules-*")
	if err != nil {
		return fmt.Errorf("schedule store: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, sch := range schedules {
		if err := enc.Encode(sch); err != nil {
			tmp.Close()
			return fmt.Errorf("schedule store: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("schedule store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("schedule store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("schedule store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("schedule store: %w", err)
	}
	return nil
}

// Load reads all schedules, skipping malformed lines.
func (s *Store) Load() ([]*Schedule, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("schedule store: %w", err)
	}
	defer f.Close()

	var out []*Schedule
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sch Schedule
		if err := json.Unmarshal(line, &sch); err != nil {
			continue
		}
		if sch.ScheduleID == "" {
			continue
		}
		out = append(out, &sch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("schedule store: %w", err)
	}
	return out, nil
}
