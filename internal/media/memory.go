package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

var ErrObjectNotFound = errors.New("media object not found")

// MemoryStore keeps objects in process memory. It backs tests and local experiments.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (store *MemoryStore) Put(_ context.Context, key string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.objects[key] = data
	return nil
}

func (store *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	data, ok := store.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (store *MemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for key := range store.objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasPrefix(key, prefix) {
			delete(store.objects, key)
		}
	}
	return nil
}

// Keys lists stored object names.
func (store *MemoryStore) Keys() []string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	keys := make([]string, 0, len(store.objects))
	for key := range store.objects {
		keys = append(keys, key)
	}
	return keys
}
