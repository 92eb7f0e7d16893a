package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/yanun0323/errors"
)

const defaultStateFile = "day_state.json"

// FileStore keeps the latest day state in a JSON file.
type FileStore struct {
	path string
}

// NewFileStore stores state under dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, defaultStateFile)}
}

// Path returns the state file location.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes the state atomically via a temp file and rename.
func (s *FileStore) Save(_ context.Context, st DayState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal day state")
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create state dir")
		}
	}
	tmp, err := os.CreateTemp(dir, defaultStateFile+".*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "sync state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close state")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "rename state")
	}
	return nil
}

// Latest loads the saved state, if any.
func (s *FileStore) Latest(_ context.Context) (DayState, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return DayState{}, false, nil
	}
	if err != nil {
		return DayState{}, false, errors.Wrap(err, "read state")
	}
	var st DayState
	if err := json.Unmarshal(data, &st); err != nil {
		return DayState{}, false, errors.Wrap(err, "decode state "+s.path)
	}
	return st, true, nil
}
