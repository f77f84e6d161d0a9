package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/worker"
)

// 边缘响应附带的诊断头。
const (
	HeaderSource = "X-Edge-Cache-Source"
	HeaderClass  = "X-Edge-Cache-Class"
)

// SourceBypass 表示请求未经过缓存层，直接转发到网络。
const SourceBypass = "bypass"

// Interceptor 是 Handler 依赖的缓存控制者，通常为 *worker.Registration。
type Interceptor interface {
	Intercept(ctx context.Context, req *http.Request) (*worker.Result, error)
}

// Handler 把 Fiber 请求转换为 *http.Request 交给缓存控制者，
// 透传请求直接经 fetcher 回源，最后把响应写回客户端。
type Handler struct {
	interceptor Interceptor
	fetcher     worker.Fetcher
	logger      *logrus.Logger
}

// NewHandler constructs an edge handler with shared interceptor/fetcher/logger.
func NewHandler(interceptor Interceptor, fetcher worker.Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		interceptor: interceptor,
		fetcher:     fetcher,
		logger:      logger,
	}
}

// Handle 执行拦截或透传，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, site *server.Site) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildEdgeRequest(ctx, c, site)
	if err != nil {
		h.logFailure(c.Method(), requestPath(c), requestID, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.interceptor.Intercept(ctx, req)
	switch {
	case errors.Is(err, worker.ErrPassThrough):
		return h.passThrough(c, req, requestID, started)
	case err != nil:
		h.logFailure(req.Method, req.URL.String(), requestID, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "cache_unavailable")
	}

	resp := result.Response
	defer resp.Body.Close()
	err = h.writeResponse(c, resp, result.Class.String(), string(result.Source), requestID)
	h.logResult(req, result.Class.String(), result.Partition, string(result.Source), resp.StatusCode, requestID, started, err)
	return err
}

func (h *Handler) passThrough(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	resp, err := h.fetcher.Fetch(req.Context(), req)
	if err != nil {
		h.logFailure(req.Method, req.URL.String(), requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()
	err = h.writeResponse(c, resp, "", SourceBypass, requestID)
	h.logResult(req, "", "", SourceBypass, resp.StatusCode, requestID, started, err)
	return err
}

func (h *Handler) writeResponse(c fiber.Ctx, resp *http.Response, class, source, requestID string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, source)
	if class != "" {
		c.Set(HeaderClass, class)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}

	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("edge stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	req *http.Request,
	class string,
	partition string,
	source string,
	status int,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(req.Method, req.URL.String(), class, partition, source)
	fields["action"] = "edge"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("edge_failed")
		return
	}
	h.logger.WithFields(fields).Info("edge_complete")
}

func (h *Handler) logFailure(method, url, requestID string, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "edge",
		"method":     method,
		"url":        url,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).WithError(err).Error("edge_failed")
}

// buildEdgeRequest 以站点 Origin 为基准还原请求的绝对 URL，使缓存键与浏览器侧一致。
func buildEdgeRequest(ctx context.Context, c fiber.Ctx, site *server.Site) (*http.Request, error) {
	uri := c.Request().URI()
	target := site.PublicURL(normalizeRequestPath(string(uri.Path())), string(uri.QueryString()))

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Host = site.Origin.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", sitePort(site))
	return req, nil
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if len(raw) > 1 && raw[len(raw)-1] == '/' && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Append(key, value)
		}
	}
}

func sitePort(site *server.Site) string {
	if site == nil || site.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(site.ListenPort)
}
