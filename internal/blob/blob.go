// Package blob abstracts the durable byte store. The store is byte-exact and
// has no transactional semantics: multi-tier atomicity is enforced by the
// callers, which track every written path per logical image and delete on
// partial failure.
package blob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for a path that does not exist.
var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// TierPath builds the permanent blob path for one size tier of an image.
func TierPath(entityType string, entityID int64, storedName, tier string) string {
	base := storedName
	if i := strings.LastIndex(storedName, "."); i >= 0 {
		base = storedName[:i]
	}
	return fmt.Sprintf("%s/%d/%s_%s.jpg", entityType, entityID, base, tier)
}

// StagingPath builds the blob path for one staged tier, scoped by session
// token so InvalidateSession can sweep by prefix.
func StagingPath(token, guid, tier string) string {
	return fmt.Sprintf("staging/%s/%s_%s.jpg", token, guid, tier)
}

// MemStore is an in-memory Store used by tests and the migration dry-run mode.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, path string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[path] = cp
	return nil
}

func (m *MemStore) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *MemStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
