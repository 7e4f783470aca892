package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"futures-agent/internal/position"
)

// FilePositionStore keeps one JSON file per symbol under dir. Files are replaced
// atomically so readers outside the process never see a partial record.
type FilePositionStore struct {
	dir string
}

// NewFilePositionStore creates dir if needed.
func NewFilePositionStore(dir string) (*FilePositionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}
	return &FilePositionStore{dir: dir}, nil
}

func (s *FilePositionStore) path(symbol string) string {
	return filepath.Join(s.dir, strings.ToUpper(symbol)+".json")
}

func (s *FilePositionStore) Save(_ context.Context, state position.State) error {
	if state.Symbol == "" {
		return errors.New("cannot save state without symbol")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal position state: %w", err)
	}
	return writeFileAtomic(s.path(state.Symbol), data)
}

func (s *FilePositionStore) Load(_ context.Context, symbol string) (position.State, error) {
	data, err := os.ReadFile(s.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return position.State{}, position.ErrStateNotFound
	}
	if err != nil {
		return position.State{}, fmt.Errorf("failed to read state for %s: %w", symbol, err)
	}
	var state position.State
	if err := json.Unmarshal(data, &state); err != nil {
		return position.State{}, fmt.Errorf("failed to parse state for %s: %w", symbol, err)
	}
	return state, nil
}

func (s *FilePositionStore) Clear(_ context.Context, symbol string) error {
	err := os.Remove(s.path(symbol))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear state for %s: %w", symbol, err)
	}
	return nil
}

// List returns every stored state sorted by symbol. Unreadable files are skipped.
func (s *FilePositionStore) List(ctx context.Context) ([]position.State, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]position.State, 0, len(matches))
	for _, m := range matches {
		symbol := strings.TrimSuffix(filepath.Base(m), ".json")
		state, err := s.Load(ctx, symbol)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
