package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions 描述 Redis 分区存储的连接参数，Prefix 用于多套部署共用同一实例。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStorage 连接 Redis 并返回分区存储。键布局：
//
//	<prefix>partitions              SET  当前存在的分区名
//	<prefix>partition:<name>        HASH 请求标识 → 快照 JSON
func NewRedisStorage(opts RedisOptions) (Storage, error) {
	if opts.Addr == "" {
		return nil, errors.New("cache: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &redisStorage{client: client, prefix: opts.Prefix, known: make(map[string]struct{})}, nil
}

// putScript 仅在分区仍登记于 registry SET 时写入条目，避免已删除分区的哈希被重新创建。
var putScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

type redisStorage struct {
	client *redis.Client
	prefix string

	// known 记录本进程已登记的分区，重复 Open 时省去 SADD。
	mu    sync.RWMutex
	known map[string]struct{}
}

type redisPartition struct {
	storage *redisStorage
	name    string
}

func (s *redisStorage) registryKey() string {
	return s.prefix + "partitions"
}

func (s *redisStorage) partitionKey(name string) string {
	return s.prefix + "partition:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, ok := s.known[name]
	s.mu.RUnlock()
	if ok {
		return &redisPartition{storage: s, name: name}, nil
	}

	if err := s.client.SAdd(ctx, s.registryKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis sadd: %w", err)
	}
	s.mu.Lock()
	s.known[name] = struct{}{}
	s.mu.Unlock()
	return &redisPartition{storage: s, name: name}, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	delete(s.known, name)
	s.mu.Unlock()

	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.partitionKey(name))
		removed = pipe.SRem(ctx, s.registryKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache: redis delete partition: %w", err)
	}
	return removed.Val() > 0, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close 释放底层连接池。
func (s *redisStorage) Close() error {
	return s.client.Close()
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) Match(ctx context.Context, req *http.Request) (*Snapshot, error) {
	data, err := p.storage.client.HGet(ctx, p.storage.partitionKey(p.name), RequestKey(req)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: redis hget: %w", err)
	}
	return decodeSnapshot(data)
}

func (p *redisPartition) Put(ctx context.Context, req *http.Request, snap *Snapshot) error {
	key := RequestKey(req)
	stored := snap.clone()
	stored.Key = key
	data, err := encodeSnapshot(stored)
	if err != nil {
		return err
	}
	keys := []string{p.storage.registryKey(), p.storage.partitionKey(p.name)}
	written, err := putScript.Run(ctx, p.storage.client, keys, p.name, key, data).Int()
	if err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	if written == 0 {
		return ErrPartitionDeleted
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, req *http.Request) (bool, error) {
	n, err := p.storage.client.HDel(ctx, p.storage.partitionKey(p.name), RequestKey(req)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: redis hdel: %w", err)
	}
	return n > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.storage.client.HKeys(ctx, p.storage.partitionKey(p.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis hkeys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
