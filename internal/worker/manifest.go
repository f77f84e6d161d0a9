package worker

import (
	"github.com/any-hub/edge-cache/internal/config"
)

// Manifest 汇总分区名称、安装种子、绕过域名与离线兜底路径。
type Manifest struct {
	StaticPartition string
	ImagePartition  string
	APIPartition    string

	Seeds       []string
	BypassHosts []string

	ImageFallback    string
	DocumentFallback string
}

// DefaultManifest 返回 static-v1 / images-v1 / api-v1 的默认清单。
func DefaultManifest() Manifest {
	return Manifest{
		StaticPartition:  "static-v1",
		ImagePartition:   "images-v1",
		APIPartition:     "api-v1",
		Seeds:            append([]string(nil), config.DefaultSeeds...),
		BypassHosts:      append([]string(nil), config.DefaultBypassHosts...),
		ImageFallback:    "/fallback-image.jpg",
		DocumentFallback: "/index.html",
	}
}

// ManifestFromConfig 按 [Cache] 配置拼出分区名，例如 Version=v2 时得到 static-v2。
func ManifestFromConfig(cfg config.CacheConfig) Manifest {
	return Manifest{
		StaticPartition:  cfg.PartitionName(cfg.StaticPrefix),
		ImagePartition:   cfg.PartitionName(cfg.ImagesPrefix),
		APIPartition:     cfg.PartitionName(cfg.APIPrefix),
		Seeds:            append([]string(nil), cfg.Seeds...),
		BypassHosts:      append([]string(nil), cfg.BypassHosts...),
		ImageFallback:    cfg.ImageFallback,
		DocumentFallback: cfg.DocumentFallback,
	}
}

// Partitions 返回当前分区集合，顺序固定为 static、images、api。
func (m Manifest) Partitions() []string {
	return []string{m.StaticPartition, m.ImagePartition, m.APIPartition}
}

func (m Manifest) isCurrent(name string) bool {
	for _, current := range m.Partitions() {
		if current == name {
			return true
		}
	}
	return false
}

// partitionFor 返回分类对应的分区；default 不归任何分区所有。
func (m Manifest) partitionFor(class Class) string {
	switch class {
	case ClassStatic:
		return m.StaticPartition
	case ClassImage:
		return m.ImagePartition
	case ClassAPI:
		return m.APIPartition
	default:
		return ""
	}
}
