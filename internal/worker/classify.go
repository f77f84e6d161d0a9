package worker

import (
	"net/http"
	"regexp"
	"strings"
)

// Class 是请求分类结果，每个请求恰好属于一类。
type Class string

const (
	ClassStatic  Class = "static"
	ClassImage   Class = "image"
	ClassAPI     Class = "api"
	ClassDefault Class = "default"
)

func (c Class) String() string {
	return string(c)
}

var (
	staticPattern = regexp.MustCompile(`\.(css|js|woff2|woff|ttf)$`)
	imagePattern  = regexp.MustCompile(`\.(png|jpe?g|webp|gif|svg)$`)
)

const apiSegment = "/api/"

// Classify 按 static → image → api → default 的顺序匹配 URL path。
func Classify(req *http.Request) Class {
	if req == nil || req.URL == nil {
		return ClassDefault
	}
	p := req.URL.Path
	switch {
	case staticPattern.MatchString(p):
		return ClassStatic
	case imagePattern.MatchString(p):
		return ClassImage
	case strings.Contains(p, apiSegment):
		return ClassAPI
	default:
		return ClassDefault
	}
}

// IsBypassed 判断主机名是否包含任一绕过片段。
func IsBypassed(host string, bypass []string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	for _, fragment := range bypass {
		fragment = strings.ToLower(strings.TrimSpace(fragment))
		if fragment != "" && strings.Contains(host, fragment) {
			return true
		}
	}
	return false
}

// IsNavigation 识别顶层文档请求：Sec-Fetch-Mode 为 navigate，
// 或者 GET 请求的 Accept 中包含 text/html。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html")
}

func requestHost(req *http.Request) string {
	if req.URL != nil && req.URL.Host != "" {
		return req.URL.Hostname()
	}
	host := req.Host
	if i := strings.LastIndex(host, ":"); i > -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}
