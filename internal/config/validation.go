package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.ForwardProxyPort < 0 || g.ForwardProxyPort > 65535 {
		return newFieldError("Global.ForwardProxyPort", "必须在 0-65535")
	}
	if g.ForwardProxyPort != 0 && g.ForwardProxyPort == g.ListenPort {
		return newFieldError("Global.ForwardProxyPort", "不能与 ListenPort 相同")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.Upstream != "" {
		if err := validateOrigin(g.Upstream); err != nil {
			return fmt.Errorf("Global.Upstream: %w", err)
		}
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverDisk:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return newFieldError("Storage.Path", "disk 驱动需要缓存目录")
		}
	case StorageDriverRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return newFieldError("Storage.RedisAddr", "redis 驱动需要地址")
		}
		if c.Storage.RedisDB < 0 {
			return newFieldError("Storage.RedisDB", "不能为负数")
		}
	default:
		return newFieldError("Storage.Driver", "仅支持 memory/disk/redis")
	}

	return c.Cache.validate()
}

func (c CacheConfig) validate() error {
	if strings.ContainsAny(c.Version, " /\\:") {
		return newFieldError("Cache.Version", "不允许包含空格、斜杠或冒号")
	}
	names := map[string]string{}
	for field, prefix := range map[string]string{
		"Cache.StaticPrefix": c.StaticPrefix,
		"Cache.ImagesPrefix": c.ImagesPrefix,
		"Cache.APIPrefix":    c.APIPrefix,
	} {
		if strings.TrimSpace(prefix) == "" {
			return newFieldError(field, "不能为空")
		}
		if strings.ContainsAny(prefix, " /\\:") {
			return newFieldError(field, "不允许包含空格、斜杠或冒号")
		}
		name := c.PartitionName(prefix)
		if other, exists := names[name]; exists {
			return newFieldError(field, "与 "+other+" 生成的分区名重复")
		}
		names[name] = field
	}

	for i, seed := range c.Seeds {
		if !strings.HasPrefix(seed, "/") {
			return newFieldError(fmt.Sprintf("Cache.Seeds[%d]", i), "必须以 / 开头")
		}
	}
	if !strings.HasPrefix(c.ImageFallback, "/") {
		return newFieldError("Cache.ImageFallback", "必须以 / 开头")
	}
	if !strings.HasPrefix(c.DocumentFallback, "/") {
		return newFieldError("Cache.DocumentFallback", "必须以 / 开头")
	}
	for i, host := range c.BypassHosts {
		if strings.TrimSpace(host) == "" || strings.Contains(host, "/") {
			return newFieldError(fmt.Sprintf("Cache.BypassHosts[%d]", i), "必须是域名片段")
		}
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
