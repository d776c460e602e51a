package origin

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/media-cache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	// 正文需要原样落盘，禁止 Transport 自动协商 gzip。
	DisableCompression: true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回共享 http.Client，媒体源站与 shell 源站共用。
// UpstreamTimeout 只约束等待响应头；大文件正文的下载时长不设上限，
// 由 Fetcher 的空闲超时处理停滞的连接。
func NewClient(cfg config.GlobalConfig) *http.Client {
	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = upstreamTimeout(cfg)
	return &http.Client{Transport: transport}
}

func upstreamTimeout(cfg config.GlobalConfig) time.Duration {
	if d := cfg.UpstreamTimeout.DurationValue(); d > 0 {
		return d
	}
	return 30 * time.Second
}
