package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/config"
	"github.com/any-hub/edge-cache/internal/forward"
	"github.com/any-hub/edge-cache/internal/metrics"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/server/routes"
	"github.com/any-hub/edge-cache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type serverDeps struct {
	cfg          *config.Config
	site         *server.Site
	proxy        server.ProxyHandler
	registration *worker.Registration
	recorder     *metrics.Recorder
	logger       *logrus.Logger
}

// startServers 启动 Fiber 边缘服务与可选的 forward proxy，ctx 结束后依次优雅关闭。
func startServers(ctx context.Context, deps serverDeps) error {
	port := deps.cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     deps.logger,
		Site:       deps.site,
		Proxy:      deps.proxy,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, deps.site, deps.registration, deps.recorder)

	errCh := make(chan error, 2)

	var forwardServer *http.Server
	if deps.cfg.Global.ForwardProxyPort > 0 {
		forwardServer, err = newForwardServer(deps)
		if err != nil {
			return err
		}
		go func() {
			deps.logger.WithFields(logrus.Fields{
				"action": "listen",
				"port":   deps.cfg.Global.ForwardProxyPort,
			}).Info("forward proxy 启动")
			if err := forwardServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("forward proxy: %w", err)
			}
		}()
	}

	go func() {
		deps.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		if err := app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			errCh <- err
		}
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	deps.logger.WithField("action", "shutdown").Info("服务开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if forwardServer != nil {
		_ = forwardServer.Shutdown(shutdownCtx)
	}
	if shutdownErr := app.ShutdownWithContext(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

func newForwardServer(deps serverDeps) (*http.Server, error) {
	handler, err := forward.NewProxy(forward.Options{
		Interceptor: deps.registration,
		Logger:      deps.logger,
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.cfg.Global.ForwardProxyPort),
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}, nil
}
