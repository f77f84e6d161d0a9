package cache

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内分区存储，重启后内容丢失；默认驱动及测试替身均使用它。
func NewMemoryStorage() Storage {
	return &memoryStorage{partitions: make(map[string]*memoryPartition)}
}

type memoryStorage struct {
	mu         sync.Mutex
	partitions map[string]*memoryPartition
}

type memoryPartition struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Snapshot
	deleted bool
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		p = &memoryPartition{name: name, entries: make(map[string]*Snapshot)}
		s.partitions[name] = p
	}
	return p, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	delete(s.partitions, name)
	p.mu.Lock()
	p.deleted = true
	p.entries = make(map[string]*Snapshot)
	p.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, req *http.Request) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.entries[RequestKey(req)]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, req *http.Request, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := RequestKey(req)
	stored := snap.clone()
	stored.Key = key
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return ErrPartitionDeleted
	}
	p.entries[key] = stored
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := RequestKey(req)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
