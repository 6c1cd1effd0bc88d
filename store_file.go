package apiqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the queue slot in a JSON file. Saves go through a temp file
// and a rename so a crash never leaves a half-written queue.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the file. A missing file is an empty queue.
func (s *FileStore) Load(context.Context) ([]QueuedRequest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []QueuedRequest{}, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	return decodeQueue(data)
}

// Save replaces the file contents with queue.
func (s *FileStore) Save(_ context.Context, queue []QueuedRequest) error {
	data, err := encodeQueue(queue)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}

// MemoryStore keeps the queue slot in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	queue []QueuedRequest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the queue.
func (s *MemoryStore) Load(context.Context) ([]QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneQueue(s.queue), nil
}

// Save replaces the queue with a copy of queue.
func (s *MemoryStore) Save(_ context.Context, queue []QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = cloneQueue(queue)
	return nil
}

func cloneQueue(queue []QueuedRequest) []QueuedRequest {
	cp := make([]QueuedRequest, len(queue))
	for i, qr := range queue {
		cp[i] = qr.clone()
	}
	return cp
}
