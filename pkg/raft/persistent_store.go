package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"
)

type StateStore interface {
	Open() error
	Close()
	Read(*PersistentState) error
	Write(PersistentState) error
}

// PersistenceError is reported when the persistent state cannot be written.
// It is never fatal: the in-memory state stays authoritative and the write is
// retried on the next health tick.
type PersistenceError struct {
	Err error
}

func (err *PersistenceError) Error() string {
	return fmt.Sprintf("cannot persist state: %v", err.Err)
}

func (err *PersistenceError) Unwrap() error {
	return err.Err
}

// FileStore keeps the persistent state in a JSON file. Each write replaces
// the whole file through a temporary file and a rename, so a crash never
// leaves a partially written state behind.
type FileStore struct {
	filePath string

	mu sync.Mutex
}

func NewFileStore(filePath string) *FileStore {
	return &FileStore{
		filePath: filePath,
	}
}

func (s *FileStore) Open() error {
	dirPath := path.Dir(s.filePath)

	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", dirPath, err)
	}

	_, err := os.Stat(s.filePath)
	if err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	if err := s.Write(PersistentState{}); err != nil {
		return fmt.Errorf("cannot write default state: %w", err)
	}

	return nil
}

func (s *FileStore) Close() {
}

func (s *FileStore) Read(state *PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("cannot decode json data from %q: %w",
			s.filePath, err)
	}

	return nil
}

func (s *FileStore) Write(state PersistentState) error {
	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("cannot encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.filePath + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpPath, err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("cannot rename %q: %w", tmpPath, err)
	}

	return nil
}

// MemoryStore keeps the persistent state in memory. It is used for observer
// nodes which do not need durability, and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	state    PersistentState
	nbWrites int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Open() error {
	return nil
}

func (s *MemoryStore) Close() {
}

func (s *MemoryStore) Read(state *PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	*state = s.state
	state.Log = append([]LogEntry(nil), s.state.Log...)

	return nil
}

func (s *MemoryStore) Write(state PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	s.state.Log = append([]LogEntry(nil), state.Log...)
	s.nbWrites++

	return nil
}

func (s *MemoryStore) NbWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nbWrites
}
