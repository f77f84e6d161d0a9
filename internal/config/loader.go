package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认分区与清单取值，与前端 service worker 的约定保持一致。
var (
	DefaultSeeds       = []string{"/", "/index.html", "/manifest.json", "/vite.svg"}
	DefaultBypassHosts = []string{"googleapis.com", "gstatic.com", "pexels.com", "via.placeholder.com"}
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// 环境变量 EDGE_CACHE_<KEY>（嵌套键以 _ 连接）可覆盖文件中的取值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EDGE_CACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Driver == StorageDriverDisk {
		absStorage, err := filepath.Abs(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Storage.Path = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("ForwardProxyPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "0s")
	v.SetDefault("Origin", "")
	v.SetDefault("Upstream", "")

	v.SetDefault("Storage.Driver", StorageDriverMemory)
	v.SetDefault("Storage.Path", "./storage")
	v.SetDefault("Storage.RedisAddr", "")
	v.SetDefault("Storage.RedisPassword", "")
	v.SetDefault("Storage.RedisDB", 0)
	v.SetDefault("Storage.RedisPrefix", "edge-cache:")

	v.SetDefault("Cache.Version", "v1")
	v.SetDefault("Cache.StaticPrefix", "static")
	v.SetDefault("Cache.ImagesPrefix", "images")
	v.SetDefault("Cache.APIPrefix", "api")
	v.SetDefault("Cache.Seeds", DefaultSeeds)
	v.SetDefault("Cache.BypassHosts", DefaultBypassHosts)
	v.SetDefault("Cache.ImageFallback", "/fallback-image.jpg")
	v.SetDefault("Cache.DocumentFallback", "/index.html")
}

// applyDefaults 处理 Viper 默认值无法覆盖的情况（例如显式写入空字符串）。
func applyDefaults(cfg *Config) {
	if cfg.Global.ListenPort == 0 {
		cfg.Global.ListenPort = 5000
	}
	if cfg.Global.UpstreamTimeout.DurationValue() < 0 {
		cfg.Global.UpstreamTimeout = Duration(0)
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageDriverMemory
	}

	c := &cfg.Cache
	if strings.TrimSpace(c.Version) == "" {
		c.Version = "v1"
	}
	if c.StaticPrefix == "" {
		c.StaticPrefix = "static"
	}
	if c.ImagesPrefix == "" {
		c.ImagesPrefix = "images"
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "api"
	}
	if c.ImageFallback == "" {
		c.ImageFallback = "/fallback-image.jpg"
	}
	if c.DocumentFallback == "" {
		c.DocumentFallback = "/index.html"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
