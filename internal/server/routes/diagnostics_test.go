package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/config"
	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/metrics"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/worker"
)

func okFetcher() worker.Fetcher {
	return worker.FetcherFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("seed")),
			Request:    req,
		}, nil
	})
}

func newDiagnosticsApp(t *testing.T, register bool) *fiber.App {
	t.Helper()
	site, err := server.NewSite(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, Origin: "https://shop.example.com"},
	})
	if err != nil {
		t.Fatalf("new site: %v", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	registration := worker.NewRegistration(nil)
	if register {
		scope, _ := url.Parse("https://shop.example.com")
		storage := cache.NewMemoryStorage()
		// 旧版本分区会在激活时被清理，这里预置一个用于验证列表不包含它。
		if _, err := storage.Open(context.Background(), "static-v0"); err != nil {
			t.Fatalf("open legacy partition: %v", err)
		}
		manager, err := worker.New(worker.Options{
			Storage:  storage,
			Fetcher:  okFetcher(),
			Manifest: worker.DefaultManifest(),
			Scope:    scope,
			Recorder: recorder,
		})
		if err != nil {
			t.Fatalf("worker.New: %v", err)
		}
		if err := registration.Register(context.Background(), manager); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logging.Discard(),
		Site:   site,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.Site) error {
			return c.SendStatus(fiber.StatusTeapot)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	RegisterDiagnosticsRoutes(app, site, registration, recorder)
	return app
}

func getJSON(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.internal"+path, nil))
	if err != nil {
		t.Fatalf("app.Test %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestStatusReportsActiveController(t *testing.T) {
	app := newDiagnosticsApp(t, true)

	var payload statusPayload
	if status := getJSON(t, app, "/-/status", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.State != "activated" {
		t.Fatalf("expected activated state, got %s", payload.State)
	}
	if payload.Origin != "https://shop.example.com" {
		t.Fatalf("unexpected origin: %s", payload.Origin)
	}
	if len(payload.Partitions) != 3 || payload.Partitions[0] != "static-v1" {
		t.Fatalf("unexpected partitions: %v", payload.Partitions)
	}
	if !strings.HasPrefix(payload.Version, "edge-cache ") {
		t.Fatalf("unexpected version: %s", payload.Version)
	}
}

func TestStatusWithoutController(t *testing.T) {
	app := newDiagnosticsApp(t, false)

	var payload statusPayload
	if status := getJSON(t, app, "/-/status", &payload); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if payload.State != "unregistered" {
		t.Fatalf("expected unregistered, got %s", payload.State)
	}
	if status := getJSON(t, app, "/-/partitions", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("未注册时分区列表应返回 503, got %d", status)
	}
}

func TestPartitionsListAndDetail(t *testing.T) {
	app := newDiagnosticsApp(t, true)

	var list struct {
		Partitions []partitionPayload `json:"partitions"`
	}
	if status := getJSON(t, app, "/-/partitions", &list); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(list.Partitions) != 1 || list.Partitions[0].Name != "static-v1" {
		t.Fatalf("激活后只应保留 static-v1: %+v", list.Partitions)
	}
	if !list.Partitions[0].Current || list.Partitions[0].Entries != 4 {
		t.Fatalf("unexpected static partition: %+v", list.Partitions[0])
	}

	var detail partitionPayload
	if status := getJSON(t, app, "/-/partitions/static-v1", &detail); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(detail.Keys) != 4 || detail.Keys[0] != "GET https://shop.example.com/" {
		t.Fatalf("unexpected keys: %v", detail.Keys)
	}

	if status := getJSON(t, app, "/-/partitions/static-v0", nil); status != http.StatusNotFound {
		t.Fatalf("已删除分区应返回 404, got %d", status)
	}
}

func TestMetricsEndpointExposesLifecycle(t *testing.T) {
	app := newDiagnosticsApp(t, true)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "http://edge.internal/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "edgecache_lifecycle_events_total") {
		t.Fatalf("metrics output missing lifecycle counter:\n%s", body)
	}
}
