package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	meta map[string]string
}

// MemoryStore is an in-process Store used by tests and local runs
type MemoryStore struct {
	bucket  string
	objects map[string]memoryObject
	mutex   sync.RWMutex
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

// EnsureContainer records the bucket name; calling it again is a no-op
func (s *MemoryStore) EnsureContainer(ctx context.Context, name string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.bucket = name
	return nil
}

// Put stores a copy of data under key
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	m := make(map[string]string, len(meta))
	for k, v := range meta {
		m[k] = v
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.objects[key] = memoryObject{data: buf, meta: m}
	return nil
}

// IssueLink returns a memory:// URL carrying the expiry time
func (s *MemoryStore) IssueLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("%w: object %q not found", ErrStoreRead, key)
	}

	u := url.URL{
		Scheme:   "memory",
		Host:     s.bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {s.now().Add(ttl).UTC().Format(time.RFC3339)}}.Encode(),
	}
	return u.String(), nil
}

// Get returns the stored bytes for key
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	obj, ok := s.objects[key]
	return obj.data, ok
}

// Metadata returns the metadata stored with key
func (s *MemoryStore) Metadata(key string) map[string]string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.objects[key].meta
}

// Size returns the number of stored objects
func (s *MemoryStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.objects)
}
