package remote

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

// Memory is an in-process Store. Revisions are decimal counters.
type Memory struct {
	mu       sync.Mutex
	data     []byte
	revision int64
	exists   bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read(ctx context.Context) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return nil, "", ErrNotFound
	}
	return slices.Clone(m.data), strconv.FormatInt(m.revision, 10), nil
}

func (m *Memory) WriteIfMatch(ctx context.Context, data []byte, expectedRevision string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := ""
	if m.exists {
		current = strconv.FormatInt(m.revision, 10)
	}
	if expectedRevision != current {
		return "", &ConflictError{Expected: expectedRevision}
	}

	m.data = slices.Clone(data)
	m.revision++
	m.exists = true
	return strconv.FormatInt(m.revision, 10), nil
}

// Put overwrites the document unconditionally, as an out-of-band editor would.
func (m *Memory) Put(data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = slices.Clone(data)
	m.revision++
	m.exists = true
	return strconv.FormatInt(m.revision, 10)
}
