package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/any-hub/edge-cache/internal/cache"
)

const testOrigin = "https://shop.example.com"

var errNetworkDown = errors.New("network down")

type fakeRoute struct {
	status int
	body   string
	err    error
}

// fakeNetwork 按 path 返回预设响应并记录调用次数；gate 非空时每次请求都会等待放行。
type fakeNetwork struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  map[string]int
	gate   chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		routes: make(map[string]fakeRoute),
		calls:  make(map[string]int),
	}
}

func (n *fakeNetwork) respond(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = fakeRoute{status: status, body: body}
}

func (n *fakeNetwork) fail(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = fakeRoute{err: errNetworkDown}
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	route, ok := n.routes[req.URL.Path]
	gate := n.gate
	n.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errNetworkDown
	}
	if route.err != nil {
		return nil, route.err
	}
	return &http.Response{
		StatusCode: route.status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(route.body)),
		Request:    req,
	}, nil
}

// flakyStorage 包装内存存储，可注入打开/写入失败。
type flakyStorage struct {
	cache.Storage
	failOpen bool
	failPut  bool
	failKeys bool
}

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	if s.failOpen {
		return nil, errors.New("storage offline")
	}
	part, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyPartition{Partition: part, failPut: s.failPut}, nil
}

func (s *flakyStorage) Keys(ctx context.Context) ([]string, error) {
	if s.failKeys {
		return nil, errors.New("storage offline")
	}
	return s.Storage.Keys(ctx)
}

type flakyPartition struct {
	cache.Partition
	failPut bool
}

func (p *flakyPartition) Put(ctx context.Context, req *http.Request, snap *cache.Snapshot) error {
	if p.failPut {
		return errors.New("disk full")
	}
	return p.Partition.Put(ctx, req, snap)
}

func newTestManager(t *testing.T, storage cache.Storage, network Fetcher) *Manager {
	t.Helper()
	scope, _ := url.Parse(testOrigin)
	m, err := New(Options{
		Storage:  storage,
		Fetcher:  network,
		Manifest: DefaultManifest(),
		Scope:    scope,
	})
	if err != nil {
		t.Fatalf("New 返回错误: %v", err)
	}
	return m
}

// newActiveManager 返回已经完成 install/activate 的 Manager。
func newActiveManager(t *testing.T, storage cache.Storage, network *fakeNetwork) *Manager {
	t.Helper()
	m := newTestManager(t, storage, network)
	if err := m.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := m.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	return m
}

func getRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testOrigin+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func seedEntry(t *testing.T, storage cache.Storage, partition, path string, status int, body string) {
	t.Helper()
	ctx := context.Background()
	part, err := storage.Open(ctx, partition)
	if err != nil {
		t.Fatalf("open %s: %v", partition, err)
	}
	req := getRequest(t, path)
	if err := part.Put(ctx, req, cache.NewSnapshot(req, status, nil, []byte(body))); err != nil {
		t.Fatalf("seed %s%s: %v", partition, path, err)
	}
}

func entryBody(t *testing.T, storage cache.Storage, partition, path string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	part, err := storage.Open(ctx, partition)
	if err != nil {
		t.Fatalf("open %s: %v", partition, err)
	}
	snap, err := part.Match(ctx, getRequest(t, path))
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match %s%s: %v", partition, path, err)
	}
	return string(snap.Body), true
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}
