package main

import (
	"context"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/worker"
)

type inventory struct {
	Current    []string             `yaml:"current"`
	Partitions []partitionInventory `yaml:"partitions"`
}

type partitionInventory struct {
	Name    string   `yaml:"name"`
	Current bool     `yaml:"current"`
	Entries []string `yaml:"entries,omitempty"`
}

// printInventory 以 YAML 输出存储中的全部分区及其请求键，不会触发安装或清理。
func printInventory(ctx context.Context, w io.Writer, store cache.Storage, manifest worker.Manifest) error {
	names, err := store.Keys(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)

	current := make(map[string]struct{}, 3)
	for _, name := range manifest.Partitions() {
		current[name] = struct{}{}
	}

	inv := inventory{
		Current:    manifest.Partitions(),
		Partitions: make([]partitionInventory, 0, len(names)),
	}
	for _, name := range names {
		part, err := store.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := part.Keys(ctx)
		if err != nil {
			return err
		}
		sort.Strings(keys)
		_, ok := current[name]
		inv.Partitions = append(inv.Partitions, partitionInventory{Name: name, Current: ok, Entries: keys})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(inv); err != nil {
		return err
	}
	return enc.Close()
}
