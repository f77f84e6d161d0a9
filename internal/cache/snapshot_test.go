package cache

import (
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestRequestKeyNormalizesMethodAndFragment(t *testing.T) {
	req, _ := http.NewRequest("get", "https://shop.example.com/api/items?page=2#top", nil)
	if got := RequestKey(req); got != "GET https://shop.example.com/api/items?page=2" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestRequestKeyFillsHostForServerRequests(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/index.html", nil)
	req.Host = "shop.example.com"
	if got := RequestKey(req); got != "GET http://shop.example.com/index.html" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestCaptureRestoresBody(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://shop.example.com/a.css", nil)
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       io.NopCloser(strings.NewReader("body{}")),
	}
	snap, err := Capture(req, resp)
	if err != nil {
		t.Fatalf("capture error: %v", err)
	}
	if string(snap.Body) != "body{}" {
		t.Fatalf("snapshot body mismatch: %q", snap.Body)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "body{}" {
		t.Fatalf("原响应正文应可再次读取, got %q", data)
	}

	resp.Header.Set("Content-Type", "text/plain")
	if snap.Header.Get("Content-Type") != "text/css" {
		t.Fatalf("快照头部不应随原响应改变")
	}
}

func TestSnapshotResponseIsFreshEachTime(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://shop.example.com/a.png", nil)
	snap := NewSnapshot(req, http.StatusOK, nil, []byte("png"))

	for i := 0; i < 2; i++ {
		resp := snap.Response(req)
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "png" {
			t.Fatalf("read %d: unexpected body %q", i, body)
		}
		if resp.Header.Get("Content-Length") != "3" {
			t.Fatalf("Content-Length mismatch: %s", resp.Header.Get("Content-Length"))
		}
	}
}

func TestSameOriginResolvesPath(t *testing.T) {
	base, _ := url.Parse("https://shop.example.com/products/42?ref=x")
	req, err := SameOrigin(base, "/fallback-image.jpg")
	if err != nil {
		t.Fatalf("same origin error: %v", err)
	}
	if req.URL.String() != "https://shop.example.com/fallback-image.jpg" {
		t.Fatalf("unexpected url: %s", req.URL)
	}
	if req.Method != http.MethodGet {
		t.Fatalf("unexpected method: %s", req.Method)
	}
}

func TestSnapshotEncodingRoundTrip(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://shop.example.com/api/x", nil)
	snap := NewSnapshot(req, http.StatusCreated, http.Header{"X-A": []string{"1"}}, []byte{0, 1, 2})
	data, err := encodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Status != http.StatusCreated || decoded.Header.Get("X-A") != "1" || len(decoded.Body) != 3 {
		t.Fatalf("unexpected decoded snapshot: %+v", decoded)
	}
}
