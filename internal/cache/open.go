package cache

import (
	"fmt"
	"strings"

	"github.com/any-hub/edge-cache/internal/config"
)

// OpenStorage 根据 [Storage] 配置选择分区存储驱动。
func OpenStorage(cfg config.StorageConfig) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", config.StorageDriverMemory:
		return NewMemoryStorage(), nil
	case config.StorageDriverDisk:
		return NewDiskStorage(cfg.Path)
	case config.StorageDriverRedis:
		return NewRedisStorage(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
