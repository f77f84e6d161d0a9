package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/metrics"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/version"
	"github.com/any-hub/edge-cache/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口，供 SRE 查询控制者状态、分区内容与指标。
func RegisterDiagnosticsRoutes(app *fiber.App, site *server.Site, registration *worker.Registration, recorder *metrics.Recorder) {
	if app == nil || registration == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(site, registration.Active()))
	})

	app.Get("/-/partitions", func(c fiber.Ctx) error {
		active := registration.Active()
		if active == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "controller_inactive"})
		}
		payload, err := listPartitions(requestContext(c), active)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(fiber.Map{"partitions": payload})
	})

	app.Get("/-/partitions/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "partition_required"})
		}
		active := registration.Active()
		if active == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "controller_inactive"})
		}
		payload, err := describePartition(requestContext(c), active, name)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "partition_not_found"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		return c.JSON(payload)
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
}

type statusPayload struct {
	Version    string   `json:"version"`
	State      string   `json:"state"`
	Origin     string   `json:"origin,omitempty"`
	Upstream   string   `json:"upstream,omitempty"`
	Hosts      []string `json:"hosts,omitempty"`
	Partitions []string `json:"partitions,omitempty"`
	Seeds      []string `json:"seeds,omitempty"`
	Bypass     []string `json:"bypass_hosts,omitempty"`
}

type partitionPayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Entries int      `json:"entries"`
	Keys    []string `json:"keys,omitempty"`
}

func encodeStatus(site *server.Site, active *worker.Manager) statusPayload {
	payload := statusPayload{
		Version: version.Full(),
		State:   "unregistered",
	}
	if site != nil {
		if site.Origin != nil {
			payload.Origin = site.Origin.String()
		}
		if site.Upstream != nil {
			payload.Upstream = site.Upstream.String()
		}
		payload.Hosts = site.Hosts()
	}
	if active != nil {
		manifest := active.Manifest()
		payload.State = active.State().String()
		payload.Partitions = manifest.Partitions()
		payload.Seeds = append([]string(nil), manifest.Seeds...)
		payload.Bypass = append([]string(nil), manifest.BypassHosts...)
	}
	return payload
}

func listPartitions(ctx context.Context, active *worker.Manager) ([]partitionPayload, error) {
	storage := active.Storage()
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	current := currentSet(active.Manifest())

	result := make([]partitionPayload, 0, len(names))
	for _, name := range names {
		part, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return nil, err
		}
		_, ok := current[name]
		result = append(result, partitionPayload{Name: name, Current: ok, Entries: len(keys)})
	}
	return result, nil
}

// describePartition 只描述已存在的分区，避免 Open 隐式创建新分区。
func describePartition(ctx context.Context, active *worker.Manager, name string) (partitionPayload, error) {
	storage := active.Storage()
	names, err := storage.Keys(ctx)
	if err != nil {
		return partitionPayload{}, err
	}
	found := false
	for _, existing := range names {
		if existing == name {
			found = true
			break
		}
	}
	if !found {
		return partitionPayload{}, cache.ErrNotFound
	}

	part, err := storage.Open(ctx, name)
	if err != nil {
		return partitionPayload{}, err
	}
	keys, err := part.Keys(ctx)
	if err != nil {
		return partitionPayload{}, err
	}
	sort.Strings(keys)
	_, current := currentSet(active.Manifest())[name]
	return partitionPayload{Name: name, Current: current, Entries: len(keys), Keys: keys}, nil
}

func currentSet(manifest worker.Manifest) map[string]struct{} {
	set := make(map[string]struct{}, 3)
	for _, name := range manifest.Partitions() {
		set[name] = struct{}{}
	}
	return set
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
