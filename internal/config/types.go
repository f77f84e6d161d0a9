package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 支持的分区存储驱动。
const (
	StorageDriverMemory = "memory"
	StorageDriverDisk   = "disk"
	StorageDriverRedis  = "redis"
)

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	ForwardProxyPort int      `mapstructure:"ForwardProxyPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	// Origin 是站点对外的 scheme://host，用于解析安装阶段的种子路径。
	Origin string `mapstructure:"Origin"`
	// Upstream 为空时直接请求 Origin；否则发往 Origin 的请求被改写到该地址。
	Upstream string `mapstructure:"Upstream"`
}

// StorageConfig 选择分区存储驱动及其连接参数。
type StorageConfig struct {
	Driver        string `mapstructure:"Driver"`
	Path          string `mapstructure:"Path"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
	RedisPrefix   string `mapstructure:"RedisPrefix"`
}

// CacheConfig 描述分区命名、安装种子、绕过域名与离线兜底路径。
type CacheConfig struct {
	Version          string   `mapstructure:"Version"`
	StaticPrefix     string   `mapstructure:"StaticPrefix"`
	ImagesPrefix     string   `mapstructure:"ImagesPrefix"`
	APIPrefix        string   `mapstructure:"APIPrefix"`
	Seeds            []string `mapstructure:"Seeds"`
	BypassHosts      []string `mapstructure:"BypassHosts"`
	ImageFallback    string   `mapstructure:"ImageFallback"`
	DocumentFallback string   `mapstructure:"DocumentFallback"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Storage StorageConfig `mapstructure:"Storage"`
	Cache   CacheConfig   `mapstructure:"Cache"`
}

// PartitionName 按 "<prefix>-<version>" 拼出分区名，例如 static-v1。
func (c CacheConfig) PartitionName(prefix string) string {
	return prefix + "-" + c.Version
}
