package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/logging"
)

// Registration 持有当前生效的 Manager。新实例安装并激活成功后立即接管，
// 旧实例被标记为 redundant，不等待已有客户端断开。
type Registration struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	active  *Manager
	retired []*Manager
}

// NewRegistration 创建空的注册表，logger 为空时丢弃日志。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{logger: logger}
}

// Register 依次执行 Install 与 Activate，成功后替换当前控制者。
// 任一步骤失败时保留原控制者。
func (r *Registration) Register(ctx context.Context, m *Manager) error {
	if m == nil {
		return fmt.Errorf("%w: nil manager", ErrInvalidState)
	}
	if err := m.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := m.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	r.mu.Lock()
	previous := r.active
	r.active = m
	if previous != nil && previous != m {
		previous.retire()
		r.retired = append(r.retired, previous)
	}
	r.pruneLocked()
	r.mu.Unlock()

	if previous != nil && previous != m {
		r.logger.WithFields(logging.LifecycleFields("register", m.manifest.Partitions())).
			WithField("replaced", previous.manifest.Partitions()).
			Info("controller_replaced")
	}
	return nil
}

// Active 返回当前控制者，尚未注册时为 nil。
func (r *Registration) Active() *Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Intercept 把请求交给当前控制者；没有控制者时返回 ErrPassThrough。
func (r *Registration) Intercept(ctx context.Context, req *http.Request) (*Result, error) {
	active := r.Active()
	if active == nil {
		return nil, ErrPassThrough
	}
	return active.Intercept(ctx, req)
}

// Wait 等待当前与已退役控制者的后台刷新全部结束。
func (r *Registration) Wait() {
	r.mu.RLock()
	managers := make([]*Manager, 0, len(r.retired)+1)
	managers = append(managers, r.retired...)
	if r.active != nil {
		managers = append(managers, r.active)
	}
	r.mu.RUnlock()

	for _, m := range managers {
		m.Wait()
	}

	r.mu.Lock()
	r.pruneLocked()
	r.mu.Unlock()
}

// pruneLocked 丢弃后台刷新已全部结束的退役控制者。调用方需持有 r.mu。
func (r *Registration) pruneLocked() {
	kept := r.retired[:0]
	for _, m := range r.retired {
		if !m.idle() {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(r.retired); i++ {
		r.retired[i] = nil
	}
	r.retired = kept
}

// retiredCount 返回仍在等待后台刷新结束的退役控制者数量。
func (r *Registration) retiredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.retired)
}
