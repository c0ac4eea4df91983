package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type Memory struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m *Memory) Get(key string) (Entry, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[key]
	if !ok {
		return Entry{}, false, nil
	}
	if entry.expired(time.Now()) {
		delete(m.db, key)
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (m *Memory) Put(e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[e.Key] = e
	return nil
}

func (m *Memory) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m *Memory) Keys(prefix string, cb func(string)) error {
	now := time.Now()
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key, entry := range m.db {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
