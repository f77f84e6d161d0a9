package cache

import (
	"context"
	"errors"
	"net/http"
)

// Storage 管理全部命名分区，对应浏览器侧的 CacheStorage。
// 实现需保证单次调用之间的串行化，但不提供跨调用的事务语义。
type Storage interface {
	// Open 返回指定名称的分区，不存在时自动创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Delete 删除整个分区及其全部条目，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前持久化的分区名称（按字典序）。
	Keys(ctx context.Context) ([]string, error)
}

// Partition 是请求 → 响应快照的键值存储。
type Partition interface {
	Name() string

	// Match 查找请求对应的快照，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *http.Request) (*Snapshot, error)

	// Put 以请求标识为键写入快照；同键重复写入时后写覆盖前写。
	// 分区已被删除时返回 ErrPartitionDeleted，不会让分区重新出现。
	Put(ctx context.Context, req *http.Request, snap *Snapshot) error

	// Delete 移除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, req *http.Request) (bool, error)

	// Keys 返回分区内全部请求标识（按字典序），供诊断接口使用。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示分区内不存在该请求的条目。
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidName 表示分区名称为空或包含非法字符。
	ErrInvalidName = errors.New("invalid partition name")

	// ErrPartitionDeleted 表示句柄对应的分区已被 Storage.Delete 删除，写入被拒绝。
	ErrPartitionDeleted = errors.New("partition deleted")
)
