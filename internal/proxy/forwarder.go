package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/server"
)

// Forwarder 包装边缘 handler，统一处理 handler 缺失与 panic，保证客户端总能拿到 JSON 错误。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 edge_handler_missing。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, site *server.Site) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, site, requestID)
	}
	return f.invokeHandler(c, site, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, site *server.Site, requestID string) error {
	f.logHandlerError(c, site, "edge_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "edge_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, site *server.Site, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, site, r, requestID)
		}
	}()
	return f.handler.Handle(c, site)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, site *server.Site, recovered interface{}, requestID string) error {
	f.logHandlerError(c, site, "edge_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().ResetBody()
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "edge_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, site *server.Site, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := siteFields(site, requestID)
	fields["action"] = "edge"
	fields["error"] = code
	fields["method"] = c.Method()
	fields["path"] = requestPath(c)
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("edge handler unavailable")
}

func siteFields(site *server.Site, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"origin":   "",
		"upstream": "",
	}
	if site != nil {
		if site.Origin != nil {
			fields["origin"] = site.Origin.String()
		}
		if site.Upstream != nil {
			fields["upstream"] = site.Upstream.String()
		}
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
