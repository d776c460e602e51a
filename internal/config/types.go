package config

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	DriverFS     = "fs"
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// GlobalConfig 描述全局运行时行为，媒体与 Shell 路由共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	CacheGeneration string   `mapstructure:"CacheGeneration"`
	MaxStorageSize  int64    `mapstructure:"MaxStorageSize"`
	MaxResourceSize int64    `mapstructure:"MaxResourceSize"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	CoalesceFetches bool     `mapstructure:"CoalesceFetches"`
}

// MediaConfig 描述媒体源站、路由前缀以及需要后台预热的资源列表。
type MediaConfig struct {
	Upstream           string   `mapstructure:"Upstream"`
	Prefix             string   `mapstructure:"Prefix"`
	DefaultContentType string   `mapstructure:"DefaultContentType"`
	Preload            bool     `mapstructure:"Preload"`
	PreloadRate        float64  `mapstructure:"PreloadRate"`
	Resources          []string `mapstructure:"Resources"`
}

// ShellConfig 描述应用外壳（HTML/manifest 等）的源站与离线回退文档。
type ShellConfig struct {
	Upstream string   `mapstructure:"Upstream"`
	Paths    []string `mapstructure:"Paths"`
	Fallback string   `mapstructure:"Fallback"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Media  MediaConfig  `mapstructure:"Media"`
	Shell  ShellConfig  `mapstructure:"Shell"`
}

// ShellEnabled 表示是否配置了 Shell 源站；未配置时非媒体路径直接返回 404。
func (c *Config) ShellEnabled() bool {
	return c != nil && strings.TrimSpace(c.Shell.Upstream) != ""
}

// ShellKey 将 Shell 路径解析为源站绝对 URL，作为缓存 key 使用。
func (s ShellConfig) ShellKey(p string) (string, error) {
	base, err := url.Parse(s.Upstream)
	if err != nil {
		return "", err
	}
	clean := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	relative := &url.URL{Path: strings.TrimPrefix(clean, "/")}
	if clean == "/" {
		relative.Path = ""
	}
	return base.ResolveReference(relative).String(), nil
}
