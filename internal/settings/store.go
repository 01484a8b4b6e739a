// Package settings is the single injected key-value store every component
// reads and writes persisted state through.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

// Store 键值存储接口
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// GetBool returns def when the key is absent.
func GetBool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("setting %s: %w", key, err)
	}
	return b, nil
}

func SetBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// GetString returns "" when the key is absent.
func GetString(ctx context.Context, s Store, key string) (string, error) {
	v, _, err := s.Get(ctx, key)
	return v, err
}

// GetStrings decodes a JSON string array; absent keys yield nil.
func GetStrings(ctx context.Context, s Store, key string) ([]string, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	return out, nil
}

func SetStrings(ctx context.Context, s Store, key string, v []string) error {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, string(data))
}

// MemoryStore 内存实现（测试用）
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
