package objstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
)

// MemoryStore is a map-backed Store. It is the default backend for
// local development and the one the tests run against, the same way
// the SQLite store backs the relational layer.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) GetJSON(ctx context.Context, bucket, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "objstore: get")
	}

	s.mu.RLock()
	data, ok := s.objects[bucket+"/"+key]
	s.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrNotFound, "objstore: get %s/%s", bucket, key)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "objstore: decode %s/%s", bucket, key)
	}
	return nil
}

func (s *MemoryStore) PutJSON(ctx context.Context, bucket, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "objstore: put")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "objstore: encode %s/%s", bucket, key)
	}

	s.mu.Lock()
	s.objects[bucket+"/"+key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "objstore: delete")
	}

	s.mu.Lock()
	delete(s.objects, bucket+"/"+key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, eris.Wrap(err, "objstore: exists")
	}

	s.mu.RLock()
	_, ok := s.objects[bucket+"/"+key]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) EnsureBucket(context.Context, string) error { return nil }

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len reports the number of stored objects. Used by tests and the
// status command against the memory backend.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
