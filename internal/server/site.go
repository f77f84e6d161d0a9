package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/any-hub/edge-cache/internal/config"
)

// loopbackHosts 在本地开发时直接访问监听端口也视为站点请求。
var loopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// Site 描述边缘服务所代表的站点：对外 Origin、可选的上游地址，
// 以及允许进入缓存层的 Host 集合。
type Site struct {
	// Origin 是请求标识使用的 scheme://host，缓存键总以它为前缀。
	Origin *url.URL
	// Upstream 为空时直接访问 Origin。
	Upstream *url.URL
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int

	hosts map[string]struct{}
}

// NewSite 根据配置解析站点信息。调用方应在启动阶段创建一次并复用。
func NewSite(cfg *config.Config) (*Site, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if origin.Host == "" {
		return nil, fmt.Errorf("invalid origin: %s", cfg.Global.Origin)
	}

	var upstream *url.URL
	if cfg.Global.Upstream != "" {
		upstream, err = url.Parse(cfg.Global.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
	}

	site := &Site{
		Origin:     &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		Upstream:   upstream,
		ListenPort: cfg.Global.ListenPort,
		hosts:      make(map[string]struct{}, len(loopbackHosts)+1),
	}
	originHost, _ := normalizeHost(origin.Host)
	site.hosts[originHost] = struct{}{}
	for _, host := range loopbackHosts {
		site.hosts[host] = struct{}{}
	}
	return site, nil
}

// Accepts 判断 Host 或 Host:port 是否属于本站点。
func (s *Site) Accepts(host string) bool {
	if s == nil {
		return false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return false
	}
	_, ok := s.hosts[normalized]
	return ok
}

// Hosts 返回允许的 Host 列表（按字典序），用于诊断输出。
func (s *Site) Hosts() []string {
	if s == nil {
		return nil
	}
	hosts := make([]string, 0, len(s.hosts))
	for host := range s.hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// PublicURL 把请求路径与查询串拼接到 Origin 上，得到缓存使用的绝对 URL。
func (s *Site) PublicURL(path, rawQuery string) *url.URL {
	if path == "" {
		path = "/"
	}
	u := *s.Origin
	u.Path = path
	u.RawQuery = rawQuery
	return &u
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 && !strings.Contains(raw[:idx], ":") {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.Trim(host, "[]")
	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
