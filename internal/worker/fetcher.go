package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/edge-cache/internal/server"
)

// Fetcher 是 Manager 访问网络的唯一出口。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher 通过 http.Client 发起请求。发往 Origin 主机的请求在 Upstream
// 非空时被改写到 Upstream（例如内网的店面服务），其余主机直接访问。
type HTTPFetcher struct {
	Client   *http.Client
	Origin   *url.URL
	Upstream *url.URL
}

// Fetch 复制端到端头部并执行请求，hop-by-hop 头部不会被转发。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("worker: fetch requires a request URL")
	}
	target := f.resolve(req.URL)

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	server.CopyHeaders(out.Header, req.Header)
	out.Header.Del("Host")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(out)
}

func (f *HTTPFetcher) resolve(u *url.URL) *url.URL {
	target := *u
	if f.Upstream == nil || f.Origin == nil {
		return &target
	}
	if !strings.EqualFold(target.Host, f.Origin.Host) {
		return &target
	}
	target.Scheme = f.Upstream.Scheme
	target.Host = f.Upstream.Host
	if base := strings.TrimSuffix(f.Upstream.Path, "/"); base != "" {
		target.Path = base + target.Path
		if target.RawPath != "" {
			target.RawPath = base + target.RawPath
		}
	}
	return &target
}
