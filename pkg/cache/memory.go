package cache

import (
	"context"
	"sync"
)

// MemoryStore 线程安全的内存存储后端
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Get 获取条目
func (ms *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entry, exists := ms.entries[key]
	if !exists {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Set 写入条目
func (ms *MemoryStore) Set(ctx context.Context, entry *Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.entries[entry.Key] = entry
	return nil
}

// Delete 删除条目
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.entries, key)
	return nil
}

// Entries 返回所有条目的快照
func (ms *MemoryStore) Entries(ctx context.Context) ([]*Entry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make([]*Entry, 0, len(ms.entries))
	for _, entry := range ms.entries {
		result = append(result, entry)
	}
	return result, nil
}

// Clear 清空存储
func (ms *MemoryStore) Clear(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.entries = make(map[string]*Entry)
	return nil
}

// Close 关闭存储
func (ms *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
