package memstore

import (
	"sync"
)

type MemPrefs struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewPrefs() *MemPrefs {
	return &MemPrefs{data: make(map[string]string)}
}

func (m *MemPrefs) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemPrefs) Put(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}
