// Package storage persists all session data as JSON and audio blobs
// behind a small key-value blob interface, with a repository service on
// top. Keys are slash-separated paths; the cloud backend is out of scope
// and plugs in behind the same interface.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Blob is the async key-value store the repository runs on.
type Blob interface {
	// ReadJSON decodes the value at key into v. Returns (false, nil)
	// when the key does not exist.
	ReadJSON(ctx context.Context, key string, v interface{}) (bool, error)
	WriteJSON(ctx context.Context, key string, v interface{}) error
	WriteBinary(ctx context.Context, key string, data []byte) error
	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeletePrefix removes every key with the prefix, returning the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// LocalBlob stores blobs as files under a root directory.
type LocalBlob struct {
	Root string
}

func NewLocalBlob(root string) (*LocalBlob, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &LocalBlob{Root: root}, nil
}

func (b *LocalBlob) path(key string) string {
	return filepath.Join(b.Root, filepath.FromSlash(key))
}

func (b *LocalBlob) ReadJSON(_ context.Context, key string, v interface{}) (bool, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: invalid JSON in %s: %w", key, err)
	}
	return true, nil
}

func (b *LocalBlob) WriteJSON(_ context.Context, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	return b.writeFile(key, data)
}

func (b *LocalBlob) WriteBinary(_ context.Context, key string, data []byte) error {
	return b.writeFile(key, data)
}

func (b *LocalBlob) writeFile(key string, data []byte) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("storage: create dir for %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}

func (b *LocalBlob) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *LocalBlob) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("storage: delete %s: %w", key, err)
		}
		count++
	}
	return count, nil
}

// MemoryBlob is an in-memory Blob for tests and ephemeral runs.
type MemoryBlob struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailWrites makes every write return an error, for fault-path tests.
	FailWrites bool
}

func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{data: make(map[string][]byte)}
}

func (b *MemoryBlob) ReadJSON(_ context.Context, key string, v interface{}) (bool, error) {
	b.mu.RLock()
	data, ok := b.data[key]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: invalid JSON in %s: %w", key, err)
	}
	return true, nil
}

func (b *MemoryBlob) WriteJSON(_ context.Context, key string, v interface{}) error {
	if b.FailWrites {
		return fmt.Errorf("storage: write %s: simulated failure", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	b.mu.Lock()
	b.data[key] = data
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlob) WriteBinary(_ context.Context, key string, data []byte) error {
	if b.FailWrites {
		return fmt.Errorf("storage: write %s: simulated failure", key)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.mu.Lock()
	b.data[key] = cp
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlob) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBlob) DeletePrefix(_ context.Context, prefix string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			delete(b.data, key)
			count++
		}
	}
	return count, nil
}
