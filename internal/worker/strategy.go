package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/metrics"
)

const (
	bodyNetworkError     = "Network Error"
	bodyImageUnavailable = "Image not available"
)

// cacheFirst 处理静态资源：命中直接返回且不访问网络；未命中回源后无论状态码都写入静态分区。
func (m *Manager) cacheFirst(ctx context.Context, req *http.Request) (*Result, error) {
	name := m.manifest.StaticPartition
	part, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, err := m.match(ctx, part, req)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return cachedResult(req, snap, ClassStatic, name), nil
	}

	resp, fresh, err := m.fetch(ctx, req)
	if err != nil {
		m.logNetworkError(req, ClassStatic, err)
		return syntheticResult(req, ClassStatic, name, bodyNetworkError), nil
	}
	m.put(ctx, part, req, fresh)
	return &Result{Response: resp, Class: ClassStatic, Source: SourceNetwork, Partition: name}, nil
}

// cacheFirstWithRefresh 处理图片：命中立即返回并在后台刷新；未命中回源，仅 200 写入。
// 网络失败时依次尝试图片兜底条目与合成 500。
func (m *Manager) cacheFirstWithRefresh(ctx context.Context, req *http.Request) (*Result, error) {
	name := m.manifest.ImagePartition
	part, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, err := m.match(ctx, part, req)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		m.refresh(ctx, part, req)
		return cachedResult(req, snap, ClassImage, name), nil
	}

	resp, fresh, err := m.fetch(ctx, req)
	if err != nil {
		m.logNetworkError(req, ClassImage, err)
		fallback, ferr := m.lookupFallback(ctx, part, req, m.manifest.ImageFallback)
		if ferr != nil {
			return nil, ferr
		}
		if fallback != nil {
			return &Result{Response: fallback.Response(req), Class: ClassImage, Source: SourceFallback, Partition: name}, nil
		}
		return syntheticResult(req, ClassImage, name, bodyImageUnavailable), nil
	}
	if resp.StatusCode == http.StatusOK {
		m.put(ctx, part, req, fresh)
	}
	return &Result{Response: resp, Class: ClassImage, Source: SourceNetwork, Partition: name}, nil
}

// networkFirst 处理 API：200 先写入再返回；网络失败时回退到分区条目，否则合成 500。
func (m *Manager) networkFirst(ctx context.Context, req *http.Request) (*Result, error) {
	name := m.manifest.APIPartition
	part, err := m.open(ctx, name)
	if err != nil {
		return nil, err
	}

	resp, fresh, err := m.fetch(ctx, req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			m.put(ctx, part, req, fresh)
		}
		return &Result{Response: resp, Class: ClassAPI, Source: SourceNetwork, Partition: name}, nil
	}
	m.logNetworkError(req, ClassAPI, err)

	snap, err := m.match(ctx, part, req)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return cachedResult(req, snap, ClassAPI, name), nil
	}
	return syntheticResult(req, ClassAPI, name, bodyNetworkError), nil
}

// networkFirstWithFallback 处理其余请求：成功直接返回且不写入；
// 失败时依次查找当前分区、导航请求的入口文档，最后合成 500。
func (m *Manager) networkFirstWithFallback(ctx context.Context, req *http.Request) (*Result, error) {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("worker: fetcher returned nil response")
	}
	if err == nil {
		return &Result{Response: resp, Class: ClassDefault, Source: SourceNetwork}, nil
	}
	m.logNetworkError(req, ClassDefault, err)

	for _, name := range m.manifest.Partitions() {
		part, err := m.open(ctx, name)
		if err != nil {
			return nil, err
		}
		snap, err := m.match(ctx, part, req)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return cachedResult(req, snap, ClassDefault, name), nil
		}
	}

	if IsNavigation(req) {
		name := m.manifest.StaticPartition
		part, err := m.open(ctx, name)
		if err != nil {
			return nil, err
		}
		doc, err := m.lookupFallback(ctx, part, req, m.manifest.DocumentFallback)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			return &Result{Response: doc.Response(req), Class: ClassDefault, Source: SourceFallback, Partition: name}, nil
		}
	}
	return syntheticResult(req, ClassDefault, "", bodyNetworkError), nil
}

// refresh 在独立 goroutine 中重新请求图片，仅 200 时覆盖条目。
// 使用脱离取消的 context，调用方返回后刷新仍会完成。
func (m *Manager) refresh(ctx context.Context, part cache.Partition, req *http.Request) {
	bg := context.WithoutCancel(ctx)
	refreshReq := req.Clone(bg)

	m.refreshes.Add(1)
	m.inflight.Add(1)
	go func() {
		defer m.refreshes.Done()
		defer m.inflight.Add(-1)
		fields := logrus.Fields{"action": "background_refresh", "url": refreshReq.URL.String(), "partition": part.Name()}
		defer func() {
			if r := recover(); r != nil {
				m.recorder.ObserveRefresh("error")
				m.logger.WithFields(fields).WithField("panic", r).Error("background_refresh_panic")
			}
		}()

		resp, snap, err := m.fetch(bg, refreshReq)
		if err != nil {
			m.recorder.ObserveRefresh("error")
			m.logger.WithFields(fields).WithError(err).Warn("background_refresh_failed")
			return
		}
		if resp.StatusCode != http.StatusOK {
			m.recorder.ObserveRefresh("skipped")
			fields["status"] = resp.StatusCode
			m.logger.WithFields(fields).Debug("background_refresh_skipped")
			return
		}
		if !m.put(bg, part, refreshReq, snap) {
			m.recorder.ObserveRefresh("error")
			return
		}
		m.recorder.ObserveRefresh("stored")
	}()
}

// fetch 请求网络并完整读取正文；读取正文失败同样视为网络错误。
// 返回的 resp 正文已被替换为等价的未读副本。
func (m *Manager) fetch(ctx context.Context, req *http.Request) (*http.Response, *cache.Snapshot, error) {
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if resp == nil {
		return nil, nil, errors.New("worker: fetcher returned nil response")
	}
	snap, err := cache.Capture(req, resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, snap, nil
}

func (m *Manager) open(ctx context.Context, name string) (cache.Partition, error) {
	part, err := m.storage.Open(ctx, name)
	if err != nil {
		m.recorder.ObserveCache(name, metrics.CacheOperationOpen, metrics.CacheResultError)
		return nil, fmt.Errorf("%w: open %s: %v", ErrPartitionUnavailable, name, err)
	}
	return part, nil
}

// match 未命中时返回 (nil, nil)。
func (m *Manager) match(ctx context.Context, part cache.Partition, req *http.Request) (*cache.Snapshot, error) {
	snap, err := part.Match(ctx, req)
	switch {
	case err == nil:
		m.recorder.ObserveCache(part.Name(), metrics.CacheOperationMatch, metrics.CacheResultHit)
		return snap, nil
	case errors.Is(err, cache.ErrNotFound):
		m.recorder.ObserveCache(part.Name(), metrics.CacheOperationMatch, metrics.CacheResultMiss)
		return nil, nil
	default:
		m.recorder.ObserveCache(part.Name(), metrics.CacheOperationMatch, metrics.CacheResultError)
		return nil, fmt.Errorf("%w: match %s: %v", ErrPartitionUnavailable, part.Name(), err)
	}
}

// put 写入失败只记录日志，不影响已决定返回的响应。
// 分区已被新版本清理时（例如退役实例的后台刷新）静默放弃写入。
func (m *Manager) put(ctx context.Context, part cache.Partition, req *http.Request, snap *cache.Snapshot) bool {
	if err := part.Put(ctx, req, snap); err != nil {
		fields := logrus.Fields{
			"action":    "cache_put",
			"partition": part.Name(),
			"url":       req.URL.String(),
		}
		if errors.Is(err, cache.ErrPartitionDeleted) {
			m.logger.WithFields(fields).Debug("cache_put_discarded")
			return false
		}
		m.recorder.ObserveCache(part.Name(), metrics.CacheOperationPut, metrics.CacheResultError)
		m.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
		return false
	}
	m.recorder.ObserveCache(part.Name(), metrics.CacheOperationPut, metrics.CacheResultOK)
	return true
}

func (m *Manager) lookupFallback(ctx context.Context, part cache.Partition, req *http.Request, path string) (*cache.Snapshot, error) {
	if path == "" {
		return nil, nil
	}
	fallbackReq, err := cache.SameOrigin(req.URL, path)
	if err != nil {
		return nil, nil
	}
	return m.match(ctx, part, fallbackReq)
}

func (m *Manager) logNetworkError(req *http.Request, class Class, err error) {
	m.logger.WithFields(logrus.Fields{
		"action": "fetch",
		"class":  class.String(),
		"url":    req.URL.String(),
	}).WithError(err).Warn("network_error")
}

func cachedResult(req *http.Request, snap *cache.Snapshot, class Class, partition string) *Result {
	return &Result{Response: snap.Response(req), Class: class, Source: SourceCache, Partition: partition}
}

func syntheticResult(req *http.Request, class Class, partition, body string) *Result {
	snap := cache.NewSnapshot(req, http.StatusInternalServerError, http.Header{
		"Content-Type": []string{"text/plain; charset=utf-8"},
	}, []byte(body))
	return &Result{Response: snap.Response(req), Class: class, Source: SourceSynthetic, Partition: partition}
}
