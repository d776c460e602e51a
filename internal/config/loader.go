package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultMediaPrefix      = "/media/"
	defaultContentType      = "audio/mpeg"
	defaultShellFallback    = "/index.html"
	defaultCacheGeneration  = "media-v1"
	defaultMaxResourceBytes = 256 * 1024 * 1024
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyMediaDefaults(&cfg.Media)
	applyShellDefaults(&cfg.Shell)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", DriverFS)
	v.SetDefault("CacheGeneration", defaultCacheGeneration)
	v.SetDefault("MaxStorageSize", 0)
	v.SetDefault("MaxResourceSize", defaultMaxResourceBytes)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CoalesceFetches", true)
	v.SetDefault("Media.Prefix", defaultMediaPrefix)
	v.SetDefault("Media.DefaultContentType", defaultContentType)
	v.SetDefault("Media.Preload", true)
	v.SetDefault("Shell.Fallback", defaultShellFallback)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = DriverFS
	}
	g.CacheGeneration = strings.TrimSpace(g.CacheGeneration)
	if g.CacheGeneration == "" {
		g.CacheGeneration = defaultCacheGeneration
	}
	if g.MaxResourceSize == 0 {
		g.MaxResourceSize = defaultMaxResourceBytes
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyMediaDefaults(m *MediaConfig) {
	m.Upstream = strings.TrimSpace(m.Upstream)
	prefix := strings.TrimSpace(m.Prefix)
	if prefix == "" {
		prefix = defaultMediaPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	m.Prefix = prefix
	if strings.TrimSpace(m.DefaultContentType) == "" {
		m.DefaultContentType = defaultContentType
	}
	if m.PreloadRate < 0 {
		m.PreloadRate = 0
	}
}

func applyShellDefaults(s *ShellConfig) {
	s.Upstream = strings.TrimSpace(s.Upstream)
	if s.Upstream != "" && !strings.HasSuffix(s.Upstream, "/") {
		s.Upstream += "/"
	}
	if strings.TrimSpace(s.Fallback) == "" {
		s.Fallback = defaultShellFallback
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
