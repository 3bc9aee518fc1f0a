// Package blob stores generated report files and archives.
package blob

import (
	"context"
	"path"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when no object exists at the locator.
var ErrNotFound = eris.New("blob: not found")

// Store persists opaque file bytes. Put returns the locator under which the
// bytes can be read back.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

// cleanName normalizes an object name to a slash-separated relative key.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", eris.New("blob: empty object name")
	}
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean == "." {
		return "", eris.Errorf("blob: invalid object name %q", name)
	}
	return clean, nil
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "blob: put")
	}
	key, err := cleanName(name)
	if err != nil {
		return "", err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.objects[key] = cp
	m.mu.Unlock()
	return key, nil
}

func (m *Memory) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "blob: get")
	}
	key, err := cleanName(locator)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "blob: get %s", locator)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Delete removes an object. Used by tests to simulate a lost file.
func (m *Memory) Delete(locator string) {
	key, err := cleanName(locator)
	if err != nil {
		return
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
