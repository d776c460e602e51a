package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
)

// RouteKind 区分媒体与 shell 两类代理路径。
type RouteKind string

const (
	KindMedia RouteKind = "media"
	KindShell RouteKind = "shell"
)

// Route 是一次请求解析后的结果，代理层直接使用其中的缓存 key。
type Route struct {
	Kind RouteKind
	// Name 对媒体路由为资源名，对 shell 路由为清理后的请求路径。
	Name string
	// Key 为源站绝对 URL，即缓存 key。
	Key string
	// Path 为原始请求路径。
	Path string
}

// Resolver 把请求路径映射为 Route，启动时根据配置构建一次后复用。
type Resolver struct {
	mediaPrefix string
	mediaBase   string
	shell       config.ShellConfig
	shellOn     bool
	fallbackKey string
}

// NewResolver 根据配置构建路径解析器。
func NewResolver(cfg *config.Config) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if _, err := url.Parse(cfg.Media.Upstream); err != nil {
		return nil, fmt.Errorf("invalid media upstream: %w", err)
	}
	prefix := cfg.Media.Prefix
	if prefix == "" {
		prefix = "/media/"
	}

	r := &Resolver{
		mediaPrefix: prefix,
		mediaBase:   cfg.Media.Upstream,
		shell:       cfg.Shell,
		shellOn:     cfg.ShellEnabled(),
	}
	if r.shellOn {
		key, err := cfg.Shell.ShellKey(cfg.Shell.Fallback)
		if err != nil {
			return nil, fmt.Errorf("invalid shell fallback: %w", err)
		}
		r.fallbackKey = key
	}
	return r, nil
}

// Resolve 返回路径对应的 Route；既非媒体路径又未启用 shell 时返回 false。
func (r *Resolver) Resolve(rawPath string) (*Route, bool) {
	if r == nil {
		return nil, false
	}
	if rawPath == "" {
		rawPath = "/"
	}

	if name, ok := strings.CutPrefix(rawPath, r.mediaPrefix); ok {
		if name == "" {
			return nil, false
		}
		return &Route{
			Kind: KindMedia,
			Name: name,
			Key:  cache.MediaKey(r.mediaBase, name),
			Path: rawPath,
		}, true
	}

	if !r.shellOn {
		return nil, false
	}
	key, err := r.shell.ShellKey(rawPath)
	if err != nil {
		return nil, false
	}
	return &Route{Kind: KindShell, Name: rawPath, Key: key, Path: rawPath}, true
}

// MediaKey 返回资源名对应的缓存 key。
func (r *Resolver) MediaKey(name string) string {
	return cache.MediaKey(r.mediaBase, name)
}

// ShellKeys 返回需要在安装阶段预缓存的 shell key 列表，顺序与配置一致。
func (r *Resolver) ShellKeys() []string {
	if r == nil || !r.shellOn {
		return nil
	}
	keys := make([]string, 0, len(r.shell.Paths))
	for _, p := range r.shell.Paths {
		if key, err := r.shell.ShellKey(p); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// FallbackKey 返回离线回退文档的缓存 key；未启用 shell 时为空。
func (r *Resolver) FallbackKey() string {
	if r == nil {
		return ""
	}
	return r.fallbackKey
}
