package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内缓存，适合测试或无需持久化的离线演示。
// 各代际共享同一张表，Store 实例只看见自己的代际。
func NewMemoryStore(generation string) (Store, error) {
	if err := checkGeneration(generation); err != nil {
		return nil, err
	}
	return &memoryStore{
		generation: generation,
		table:      &memoryTable{data: make(map[string]map[string]*Resource)},
	}, nil
}

type memoryTable struct {
	mu   sync.RWMutex
	data map[string]map[string]*Resource
}

type memoryStore struct {
	generation string
	table      *memoryTable
}

func (m *memoryStore) Generation() string {
	return m.generation
}

func (m *memoryStore) Get(ctx context.Context, key string) (*Resource, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	m.table.mu.RLock()
	res, ok := m.table.data[m.generation][key]
	m.table.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := *res
	return &out, nil
}

func (m *memoryStore) Put(ctx context.Context, key string, res *Resource) error {
	if err := validatePut(key, res); err != nil {
		return err
	}
	entry := stamp(key, res)
	entry.Body = append([]byte(nil), res.Body...)

	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	bucket := m.table.data[m.generation]
	if bucket == nil {
		bucket = make(map[string]*Resource)
		m.table.data[m.generation] = bucket
	}
	bucket[key] = entry
	return nil
}

func (m *memoryStore) Remove(ctx context.Context, key string) error {
	m.table.mu.Lock()
	delete(m.table.data[m.generation], key)
	m.table.mu.Unlock()
	return nil
}

func (m *memoryStore) Stats(ctx context.Context) (Stats, error) {
	m.table.mu.RLock()
	defer m.table.mu.RUnlock()
	var stats Stats
	for _, res := range m.table.data[m.generation] {
		stats.Entries++
		stats.Bytes += res.Length()
	}
	return stats, nil
}

func (m *memoryStore) Generations(ctx context.Context) ([]string, error) {
	m.table.mu.RLock()
	defer m.table.mu.RUnlock()
	result := make([]string, 0, len(m.table.data)+1)
	seenCurrent := false
	for gen := range m.table.data {
		result = append(result, gen)
		if gen == m.generation {
			seenCurrent = true
		}
	}
	if !seenCurrent {
		result = append(result, m.generation)
	}
	sort.Strings(result)
	return result, nil
}

func (m *memoryStore) DropGeneration(ctx context.Context, generation string) error {
	m.table.mu.Lock()
	delete(m.table.data, generation)
	m.table.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

// WithGeneration 返回共享同一张内存表、但限定在另一个代际的视图，
// 用于模拟历史代际残留。
func (m *memoryStore) WithGeneration(generation string) Store {
	return &memoryStore{generation: generation, table: m.table}
}

func (m *memoryStore) size(ctx context.Context, key string) (int64, error) {
	m.table.mu.RLock()
	defer m.table.mu.RUnlock()
	res, ok := m.table.data[m.generation][key]
	if !ok {
		return 0, ErrNotFound
	}
	return res.Length(), nil
}
