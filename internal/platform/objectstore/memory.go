package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory. It backs local runs started
// with the memory store and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memoryObject{}}
}

func (s *MemoryStore) Put(ctx context.Context, loc Location, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[loc.String()] = memoryObject{data: data, contentType: contentType, modified: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, loc Location) (io.ReadCloser, ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[loc.String()]
	if !ok {
		return nil, ObjectInfo{}, ErrObjectNotFound
	}
	info := ObjectInfo{
		Key:          loc.Key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.modified,
	}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

func (s *MemoryStore) Delete(ctx context.Context, loc Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, loc.String())
	return nil
}

// Has reports whether an object exists at loc.
func (s *MemoryStore) Has(loc Location) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[loc.String()]
	return ok
}
