package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.CacheGeneration != "leyendas-v1" {
		t.Fatalf("CacheGeneration 未被解析: %s", cfg.Global.CacheGeneration)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 20*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if !cfg.Global.CoalesceFetches {
		t.Fatalf("CoalesceFetches 默认应开启")
	}
	if cfg.Media.Prefix != "/media/" {
		t.Fatalf("Media.Prefix 默认值错误: %s", cfg.Media.Prefix)
	}
	if cfg.Media.DefaultContentType != "audio/mpeg" {
		t.Fatalf("DefaultContentType 默认值错误: %s", cfg.Media.DefaultContentType)
	}
	if len(cfg.Media.Resources) != 2 {
		t.Fatalf("Resources 数量错误: %d", len(cfg.Media.Resources))
	}
	if cfg.Shell.Fallback != "/index.html" {
		t.Fatalf("Shell.Fallback 默认值错误: %s", cfg.Shell.Fallback)
	}
	if cfg.Shell.Upstream != "https://app.example.com/leyendas/" {
		t.Fatalf("Shell.Upstream 应补全结尾斜杠: %s", cfg.Shell.Upstream)
	}
}

func TestValidateRejectsMissingMediaUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		shouldErr bool
	}{
		{"fs ok", DriverFS, false},
		{"memory ok", DriverMemory, false},
		{"sqlite ok", DriverSQLite, false},
		{"missing driver", "", true},
		{"unsupported driver", "redis", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateRejectsGenerationWithSeparator(t *testing.T) {
	for _, gen := range []string{"", "..", "a/b", `a\b`, "v 1"} {
		cfg := validConfig()
		cfg.Global.CacheGeneration = gen
		err := cfg.Validate()
		var fieldErr FieldError
		if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.CacheGeneration" {
			t.Fatalf("generation %q 应返回 FieldError, got %v", gen, err)
		}
	}
}

func TestValidateRejectsDuplicateResources(t *testing.T) {
	cfg := validConfig()
	cfg.Media.Resources = []string{"a.mp3", "b.mp3", "a.mp3"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复资源应报错")
	}
}

func TestValidateRequiresShellUpstreamForPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Shell = ShellConfig{Paths: []string{"/"}, Fallback: "/index.html"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("缺少 Shell.Upstream 时配置 Paths 应报错")
	}
}

func TestValidateRejectsDiagnosticsPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Media.Prefix = "/-/media/"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("媒体前缀不能占用诊断路径")
	}
}

func TestShellKeyResolvesAgainstUpstream(t *testing.T) {
	shell := ShellConfig{Upstream: "https://app.example.com/leyendas/"}
	cases := map[string]string{
		"/":              "https://app.example.com/leyendas/",
		"/index.html":    "https://app.example.com/leyendas/index.html",
		"/../etc/passwd": "https://app.example.com/leyendas/etc/passwd",
		"/icons/":        "https://app.example.com/leyendas/icons/",
	}
	for in, want := range cases {
		got, err := shell.ShellKey(in)
		if err != nil {
			t.Fatalf("ShellKey(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ShellKey(%q) = %s, want %s", in, got, want)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StorageDriver:   DriverFS,
			CacheGeneration: "media-v1",
			MaxResourceSize: 1024,
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Media: MediaConfig{
			Upstream:           "https://media.example.com/audio/",
			Prefix:             "/media/",
			DefaultContentType: "audio/mpeg",
			Resources:          []string{"a.mp3"},
		},
		Shell: ShellConfig{
			Upstream: "https://app.example.com/",
			Paths:    []string{"/", "/index.html"},
			Fallback: "/index.html",
		},
	}
}
