package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/metrics"
)

// Source 描述响应来自哪里。
type Source string

const (
	SourceCache     Source = "cache"
	SourceNetwork   Source = "network"
	SourceFallback  Source = "fallback"
	SourceSynthetic Source = "synthetic"
)

// Result 是一次拦截的结果，Response 总是非空。
type Result struct {
	Response  *http.Response
	Class     Class
	Source    Source
	Partition string
}

// Options 描述 Manager 的依赖。Storage 与 Fetcher 必填。
type Options struct {
	Storage  cache.Storage
	Fetcher  Fetcher
	Manifest Manifest
	// Scope 是站点 origin，安装阶段据此把种子路径解析为绝对 URL。
	Scope    *url.URL
	Logger   *logrus.Logger
	Recorder *metrics.Recorder
}

// Manager 实现安装、激活与请求拦截。除生命周期状态外不持有可变状态，
// 分区并发由 Storage 自行串行化。
type Manager struct {
	storage  cache.Storage
	fetcher  Fetcher
	manifest Manifest
	scope    *url.URL
	logger   *logrus.Logger
	recorder *metrics.Recorder

	mu    sync.RWMutex
	state State

	refreshes sync.WaitGroup
	inflight  atomic.Int64
}

// New 校验依赖并返回处于 parsed 状态的 Manager。
func New(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("worker: storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}
	manifest := opts.Manifest
	if manifest.StaticPartition == "" || manifest.ImagePartition == "" || manifest.APIPartition == "" {
		return nil, errors.New("worker: manifest must name all partitions")
	}
	if len(manifest.Seeds) > 0 && (opts.Scope == nil || opts.Scope.Host == "") {
		return nil, errors.New("worker: scope is required to resolve seeds")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		storage:  opts.Storage,
		fetcher:  opts.Fetcher,
		manifest: manifest,
		scope:    opts.Scope,
		logger:   logger,
		recorder: opts.Recorder,
		state:    StateParsed,
	}, nil
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Manifest 返回 Manager 使用的清单副本。
func (m *Manager) Manifest() Manifest {
	return m.manifest
}

// Storage 返回底层分区存储，供诊断接口读取。
func (m *Manager) Storage() cache.Storage {
	return m.storage
}

// Wait 阻塞直到所有后台刷新结束。
func (m *Manager) Wait() {
	m.refreshes.Wait()
}

// idle 报告当前是否没有进行中的后台刷新。
func (m *Manager) idle() bool {
	return m.inflight.Load() == 0
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: %s → %s (current %s)", ErrInvalidState, from, to, m.state)
	}
	m.state = to
	return nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Install 打开静态分区并预取种子路径。单个种子失败只记录日志，
// 分区打开失败则安装失败，Manager 进入 redundant。
func (m *Manager) Install(ctx context.Context) (err error) {
	if err := m.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	defer func() {
		m.recorder.ObserveLifecycle("install", err)
		if err != nil {
			m.setState(StateRedundant)
			m.logger.WithFields(logging.LifecycleFields("install", m.manifest.Partitions())).
				WithError(err).Error("install_failed")
			return
		}
		m.setState(StateInstalled)
	}()

	part, err := m.open(ctx, m.manifest.StaticPartition)
	if err != nil {
		return err
	}

	stored := 0
	for _, seed := range m.manifest.Seeds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.precache(ctx, part, seed) {
			stored++
		}
	}

	m.logger.WithFields(logging.LifecycleFields("install", m.manifest.Partitions())).
		WithFields(logrus.Fields{"seeds": len(m.manifest.Seeds), "stored": stored}).
		Info("install_complete")
	return nil
}

func (m *Manager) precache(ctx context.Context, part cache.Partition, seed string) bool {
	fields := logrus.Fields{"action": "install", "seed": seed}
	req, err := cache.SameOrigin(m.scope, seed)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("seed_invalid")
		return false
	}
	req = req.WithContext(ctx)
	resp, snap, err := m.fetch(ctx, req)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("seed_fetch_failed")
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fields["status"] = resp.StatusCode
		m.logger.WithFields(fields).Warn("seed_skipped")
		return false
	}
	return m.put(ctx, part, req, snap)
}

// Activate 删除当前分区集合之外的全部分区，完成后开始处理请求。
func (m *Manager) Activate(ctx context.Context) (err error) {
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	defer func() {
		m.recorder.ObserveLifecycle("activate", err)
		if err != nil {
			m.setState(StateRedundant)
			return
		}
		m.setState(StateActivated)
	}()

	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("%w: list partitions: %v", ErrPartitionUnavailable, err)
	}

	removed := make([]string, 0)
	for _, name := range names {
		if m.manifest.isCurrent(name) {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			m.recorder.ObserveCache(name, metrics.CacheOperationDelete, metrics.CacheResultError)
			return fmt.Errorf("%w: delete %s: %v", ErrPartitionUnavailable, name, err)
		}
		m.recorder.ObserveCache(name, metrics.CacheOperationDelete, metrics.CacheResultOK)
		removed = append(removed, name)
	}

	m.logger.WithFields(logging.LifecycleFields("activate", m.manifest.Partitions())).
		WithField("removed", removed).
		Info("activate_complete")
	return nil
}

// retire 标记 Manager 已被新实例取代，此后的拦截全部透传。
func (m *Manager) retire() {
	m.setState(StateRedundant)
}

// Intercept 对请求分类并执行对应策略。未激活、非 GET 或命中绕过域名的请求
// 返回 ErrPassThrough；分区打开/读取失败返回包装后的 ErrPartitionUnavailable。
func (m *Manager) Intercept(ctx context.Context, req *http.Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("worker: request is required")
	}
	if m.State() != StateActivated {
		return nil, ErrPassThrough
	}
	if req.Method != http.MethodGet {
		return nil, ErrPassThrough
	}
	if IsBypassed(requestHost(req), m.manifest.BypassHosts) {
		return nil, ErrPassThrough
	}

	started := time.Now()
	class := Classify(req)

	var (
		result *Result
		err    error
	)
	switch class {
	case ClassStatic:
		result, err = m.cacheFirst(ctx, req)
	case ClassImage:
		result, err = m.cacheFirstWithRefresh(ctx, req)
	case ClassAPI:
		result, err = m.networkFirst(ctx, req)
	default:
		result, err = m.networkFirstWithFallback(ctx, req)
	}

	fields := logging.RequestFields(req.Method, req.URL.String(), class.String(), m.manifest.partitionFor(class), "")
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("intercept_failed")
		return nil, err
	}
	fields["source"] = string(result.Source)
	fields["status"] = result.Response.StatusCode
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	m.logger.WithFields(fields).Debug("intercept_complete")
	m.recorder.ObserveRequest(class.String(), string(result.Source), time.Since(started))
	return result, nil
}
