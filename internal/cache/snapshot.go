package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Snapshot 是某次响应在写入时刻的不可变副本（状态码、头部与正文）。
// 每次读取都通过 Response 生成新的 *http.Response，避免正文被重复消费。
type Snapshot struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// RequestKey 返回请求标识：大写方法 + 空格 + 去掉 fragment 的绝对 URL。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" && req.Host != "" {
		u.Host = req.Host
	}
	if u.Scheme == "" && u.Host != "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	return method + " " + u.String()
}

// Capture 读取 resp 正文生成快照，并把等价的未读正文放回 resp，调用方可继续使用原响应。
func Capture(req *http.Request, resp *http.Response) (*Snapshot, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			resp.Body = io.NopCloser(bytes.NewReader(data))
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if closeErr != nil {
			resp.Body = io.NopCloser(bytes.NewReader(data))
			return nil, fmt.Errorf("close response body: %w", closeErr)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &Snapshot{
		Key:      RequestKey(req),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// NewSnapshot 直接由状态码、头部与正文构建快照，主要用于测试与预置条目。
func NewSnapshot(req *http.Request, status int, header http.Header, body []byte) *Snapshot {
	if header == nil {
		header = http.Header{}
	}
	return &Snapshot{
		Key:      RequestKey(req),
		Status:   status,
		Header:   header.Clone(),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().UTC(),
	}
}

// Response 基于快照构造新的响应对象，头部与正文均为独立拷贝。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// clone 返回深拷贝，存储实现用它隔离调用方持有的快照。
func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Header = s.Header.Clone()
	out.Body = append([]byte(nil), s.Body...)
	return &out
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SameOrigin 将 path 按 base 的 scheme/host 解析为绝对 URL 的 GET 请求，
// 用于离线兜底条目（例如 /fallback-image.jpg）的查找。
func SameOrigin(base *url.URL, path string) (*http.Request, error) {
	if base == nil {
		return nil, errors.New("base url required")
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}
	return http.NewRequest(http.MethodGet, origin.ResolveReference(ref).String(), nil)
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\:`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
