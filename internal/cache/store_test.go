package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
)

type storageFactory func(t *testing.T) Storage

func storageBackends() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"disk":   newTestStore,
		"redis":  newRedisTestStore,
	}
}

func TestPartitionPutAndMatch(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			part, err := storage.Open(ctx, "static-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			req := mustRequest(t, "https://shop.example.com/assets/app.js")
			header := http.Header{"Content-Type": []string{"application/javascript"}}
			if err := part.Put(ctx, req, NewSnapshot(req, http.StatusOK, header, []byte("console.log(1)"))); err != nil {
				t.Fatalf("put error: %v", err)
			}

			snap, err := part.Match(ctx, mustRequest(t, "https://shop.example.com/assets/app.js#frag"))
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if snap.Status != http.StatusOK || string(snap.Body) != "console.log(1)" {
				t.Fatalf("unexpected snapshot: %d %q", snap.Status, snap.Body)
			}
			if snap.Header.Get("Content-Type") != "application/javascript" {
				t.Fatalf("header mismatch: %v", snap.Header)
			}
			if snap.Key != "GET https://shop.example.com/assets/app.js" {
				t.Fatalf("unexpected key: %s", snap.Key)
			}
		})
	}
}

func TestPartitionMatchMissing(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			part, err := factory(t).Open(ctx, "api-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			_, err = part.Match(ctx, mustRequest(t, "https://shop.example.com/api/missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPartitionLastWriteWins(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			part, err := factory(t).Open(ctx, "api-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			req := mustRequest(t, "https://shop.example.com/api/products")
			for _, body := range []string{"first", "second"} {
				if err := part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte(body))); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}
			snap, err := part.Match(ctx, req)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(snap.Body) != "second" {
				t.Fatalf("后写应覆盖前写, got %q", snap.Body)
			}
			keys, err := part.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 1 {
				t.Fatalf("同一请求只应保留一个条目: %v", keys)
			}
		})
	}
}

func TestPartitionConcurrentWritesKeepOneEntry(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			part, err := factory(t).Open(ctx, "static-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			req := mustRequest(t, "https://shop.example.com/assets/app.js")
			bodies := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

			var wg sync.WaitGroup
			errs := make(chan error, len(bodies))
			for _, body := range bodies {
				wg.Add(1)
				go func(body string) {
					defer wg.Done()
					errs <- part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte(body)))
				}(body)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent put error: %v", err)
				}
			}

			snap, err := part.Match(ctx, req)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			found := false
			for _, body := range bodies {
				if string(snap.Body) == body {
					found = true
				}
			}
			if !found {
				t.Fatalf("条目应等于某一次完整写入, got %q", snap.Body)
			}
			keys, err := part.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 1 {
				t.Fatalf("并发写入同一请求只应保留一个条目: %v", keys)
			}
		})
	}
}

func TestPutAfterPartitionDeleteIsRejected(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			part, err := storage.Open(ctx, "images-v0")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if removed, err := storage.Delete(ctx, "images-v0"); err != nil || !removed {
				t.Fatalf("delete partition: %v %v", removed, err)
			}

			req := mustRequest(t, "https://shop.example.com/img/logo.png")
			err = part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte("late")))
			if !errors.Is(err, ErrPartitionDeleted) {
				t.Fatalf("expected ErrPartitionDeleted, got %v", err)
			}

			names, err := storage.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			for _, n := range names {
				if n == "images-v0" {
					t.Fatalf("已删除分区不应因迟到写入重新出现: %v", names)
				}
			}

			reopened, err := storage.Open(ctx, "images-v0")
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			if _, err := reopened.Match(ctx, req); !errors.Is(err, ErrNotFound) {
				t.Fatalf("迟到写入不应落入重新打开的分区, got %v", err)
			}
		})
	}
}

func TestPartitionDeleteEntry(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			part, err := factory(t).Open(ctx, "images-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			req := mustRequest(t, "https://shop.example.com/a.png")
			if err := part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte("png"))); err != nil {
				t.Fatalf("put error: %v", err)
			}
			removed, err := part.Delete(ctx, req)
			if err != nil || !removed {
				t.Fatalf("delete should report removal: %v %v", removed, err)
			}
			removed, err = part.Delete(ctx, req)
			if err != nil || removed {
				t.Fatalf("second delete should be a no-op: %v %v", removed, err)
			}
			if _, err := part.Match(ctx, req); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestStorageKeysAndDelete(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			for _, partName := range []string{"static-v1", "api-v1", "static-v0"} {
				if _, err := storage.Open(ctx, partName); err != nil {
					t.Fatalf("open %s error: %v", partName, err)
				}
			}
			names, err := storage.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			want := []string{"api-v1", "static-v0", "static-v1"}
			if len(names) != len(want) {
				t.Fatalf("unexpected partitions: %v", names)
			}
			for i := range want {
				if names[i] != want[i] {
					t.Fatalf("partition order mismatch: %v", names)
				}
			}

			removed, err := storage.Delete(ctx, "static-v0")
			if err != nil || !removed {
				t.Fatalf("delete should report removal: %v %v", removed, err)
			}
			removed, err = storage.Delete(ctx, "static-v0")
			if err != nil || removed {
				t.Fatalf("deleting a missing partition should be a no-op: %v %v", removed, err)
			}
		})
	}
}

func TestDeletedPartitionLosesEntries(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			storage := factory(t)
			part, err := storage.Open(ctx, "static-v0")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			req := mustRequest(t, "https://shop.example.com/old.css")
			if err := part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte("old"))); err != nil {
				t.Fatalf("put error: %v", err)
			}
			if _, err := storage.Delete(ctx, "static-v0"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			reopened, err := storage.Open(ctx, "static-v0")
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			if _, err := reopened.Match(ctx, req); !errors.Is(err, ErrNotFound) {
				t.Fatalf("重新打开的分区应为空, got %v", err)
			}
		})
	}
}

func TestOpenRejectsInvalidName(t *testing.T) {
	for name, factory := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			for _, bad := range []string{"", "..", "a/b", "a:b"} {
				if _, err := factory(t).Open(context.Background(), bad); !errors.Is(err, ErrInvalidName) {
					t.Fatalf("expected ErrInvalidName for %q, got %v", bad, err)
				}
			}
		})
	}
}

func TestMatchedSnapshotIsIsolated(t *testing.T) {
	ctx := context.Background()
	part, err := NewMemoryStorage().Open(ctx, "static-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	req := mustRequest(t, "https://shop.example.com/app.css")
	if err := part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte("body"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	first, _ := part.Match(ctx, req)
	first.Body[0] = 'X'
	first.Header.Set("X-Mutated", "1")

	second, err := part.Match(ctx, req)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(second.Body) != "body" || second.Header.Get("X-Mutated") != "" {
		t.Fatalf("修改读取结果不应影响已存快照")
	}
}

func TestDiskStoreIgnoresDirectories(t *testing.T) {
	ctx := context.Background()
	part, err := newTestStore(t).Open(ctx, "static-v1")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	dp, ok := part.(*diskPartition)
	if !ok {
		t.Fatalf("unexpected partition type %T", part)
	}
	req := mustRequest(t, "https://shop.example.com/v2")
	if err := os.MkdirAll(dp.entryPath(RequestKey(req)), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := part.Match(ctx, req); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestDiskStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	part, _ := first.Open(ctx, "static-v1")
	req := mustRequest(t, "https://shop.example.com/index.html")
	if err := part.Put(ctx, req, NewSnapshot(req, http.StatusOK, nil, []byte("<html>"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	second, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	reopened, _ := second.Open(ctx, "static-v1")
	snap, err := reopened.Match(ctx, req)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	resp := snap.Response(req)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "<html>" {
		t.Fatalf("unexpected body: %q", body)
	}
}

// newTestStore returns a disk Storage backed by a temporary directory.
func newTestStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewDiskStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func mustRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}
