package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewDiskStorage 以 basePath 为根目录构建磁盘分区存储，布局为：
//
//	<basePath>/<partition>/<sha256(request key)>.entry   # JSON 快照
//
// 每个分区一个目录，删除分区即删除目录。
func NewDiskStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &diskStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// diskStorage 通过 entryLock 避免同一条目并发写入，分区句柄共享同一把锁表。
// layout 保证删除分区目录与条目写入互斥。
type diskStorage struct {
	basePath string

	layout sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type diskPartition struct {
	storage *diskStorage
	name    string
	dir     string
}

func (s *diskStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	s.layout.RLock()
	defer s.layout.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	return &diskPartition{storage: s, name: name, dir: dir}, nil
}

func (s *diskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validName(name); err != nil {
		return false, err
	}
	s.layout.Lock()
	defer s.layout.Unlock()

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *diskStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *diskStorage) lock(key string) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &entryLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (p *diskPartition) Name() string {
	return p.name
}

func (p *diskPartition) Match(ctx context.Context, req *http.Request) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath := p.entryPath(RequestKey(req))
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (p *diskPartition) Put(ctx context.Context, req *http.Request, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := RequestKey(req)
	stored := snap.clone()
	stored.Key = key
	data, err := encodeSnapshot(stored)
	if err != nil {
		return err
	}

	p.storage.layout.RLock()
	defer p.storage.layout.RUnlock()
	unlock := p.storage.lock(p.name + "::" + key)
	defer unlock()

	// 分区目录只由 Open 创建；目录消失说明分区已被删除。
	info, err := os.Stat(p.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrPartitionDeleted
	case err != nil:
		return err
	case !info.IsDir():
		return ErrPartitionDeleted
	}
	tempFile, err := os.CreateTemp(p.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPartitionDeleted
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, p.entryPath(key)); err != nil {
		os.Remove(tempName)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPartitionDeleted
		}
		return err
	}
	return nil
}

func (p *diskPartition) Delete(ctx context.Context, req *http.Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := RequestKey(req)
	unlock := p.storage.lock(p.name + "::" + key)
	defer unlock()

	if err := os.Remove(p.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *diskPartition) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		keys = append(keys, snap.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *diskPartition) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:])+entrySuffix)
}
