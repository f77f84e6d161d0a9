package forward

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/worker"
)

// 与边缘服务保持一致的诊断头。
const (
	HeaderSource = "X-Edge-Cache-Source"
	HeaderClass  = "X-Edge-Cache-Class"
)

const sourceBypass = "bypass"

// Interceptor 是代理依赖的缓存控制者，通常为 *worker.Registration。
type Interceptor interface {
	Intercept(ctx context.Context, req *http.Request) (*worker.Result, error)
}

// Options 控制 forward proxy 的行为。
type Options struct {
	Interceptor Interceptor
	Logger      *logrus.Logger
	// Verbose 打开 goproxy 自身的调试输出。
	Verbose bool
}

// exchange 记录在 ProxyCtx.UserData 中，响应阶段据此补齐日志与头部。
type exchange struct {
	started   time.Time
	class     string
	partition string
	source    string
}

// NewProxy 构建 goproxy 实例：GET 请求先交给控制者，
// 控制者透传时由 goproxy 直接回源。
func NewProxy(opts Options) (*goproxy.ProxyHttpServer, error) {
	if opts.Interceptor == nil {
		return nil, errors.New("forward: interceptor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = opts.Verbose
	proxy.Logger = logger

	proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		state := &exchange{started: time.Now(), source: sourceBypass}
		ctx.UserData = state

		result, err := opts.Interceptor.Intercept(r.Context(), r)
		switch {
		case errors.Is(err, worker.ErrPassThrough):
			return r, nil
		case err != nil:
			state.source = "error"
			logger.WithFields(logrus.Fields{
				"action": "forward",
				"method": r.Method,
				"url":    r.URL.String(),
			}).WithError(err).Error("forward_failed")
			return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusInternalServerError, "cache_unavailable")
		}

		state.class = result.Class.String()
		state.partition = result.Partition
		state.source = string(result.Source)
		return r, result.Response
	})

	proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		state, _ := ctx.UserData.(*exchange)
		if state == nil || ctx.Req == nil {
			return resp
		}

		fields := logging.RequestFields(ctx.Req.Method, ctx.Req.URL.String(), state.class, state.partition, state.source)
		fields["action"] = "forward"
		fields["elapsed_ms"] = time.Since(state.started).Milliseconds()
		if resp == nil {
			if ctx.Error != nil {
				fields["error"] = ctx.Error.Error()
			}
			logger.WithFields(fields).Warn("forward_failed")
			return resp
		}

		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		resp.Header.Set(HeaderSource, state.source)
		if state.class != "" {
			resp.Header.Set(HeaderClass, state.class)
		}
		fields["status"] = resp.StatusCode
		logger.WithFields(fields).Info("forward_complete")
		return resp
	})

	return proxy, nil
}
