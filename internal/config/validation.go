package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

var supportedDrivers = map[string]struct{}{
	DriverFS:     {},
	DriverMemory: {},
	DriverSQLite: {},
}

const supportedDriverList = "fs|memory|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedDriverList)
	}
	if g.StorageDriver != DriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if err := validateGeneration(g.CacheGeneration); err != nil {
		return newFieldError("Global.CacheGeneration", err.Error())
	}
	if g.MaxStorageSize < 0 {
		return newFieldError("Global.MaxStorageSize", "不能为负数")
	}
	if g.MaxResourceSize <= 0 {
		return newFieldError("Global.MaxResourceSize", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateUpstream(c.Media.Upstream); err != nil {
		return fmt.Errorf("Media.Upstream: %w", err)
	}
	for idx, name := range c.Media.Resources {
		if strings.TrimSpace(name) == "" {
			return newFieldError(indexedField("Media.Resources", idx), "不能为空")
		}
	}
	if dups := lo.FindDuplicates(c.Media.Resources); len(dups) > 0 {
		return newFieldError("Media.Resources", "存在重复资源: "+strings.Join(dups, ", "))
	}

	if c.Shell.Upstream != "" {
		if err := validateUpstream(c.Shell.Upstream); err != nil {
			return fmt.Errorf("Shell.Upstream: %w", err)
		}
		if !strings.HasPrefix(c.Shell.Fallback, "/") {
			return newFieldError("Shell.Fallback", "必须以 / 开头")
		}
		if strings.HasPrefix(c.Shell.Fallback, c.Media.Prefix) {
			return newFieldError("Shell.Fallback", "不能位于媒体前缀下")
		}
		for idx, p := range c.Shell.Paths {
			if !strings.HasPrefix(p, "/") {
				return newFieldError(indexedField("Shell.Paths", idx), "必须以 / 开头")
			}
		}
	} else if len(c.Shell.Paths) > 0 {
		return newFieldError("Shell.Upstream", "配置 Shell.Paths 时不能为空")
	}

	if c.Media.Prefix == "/" || strings.HasPrefix(c.Media.Prefix, "/-/") {
		return newFieldError("Media.Prefix", "不能为 / 或诊断前缀 /-/")
	}

	return nil
}

// validateGeneration 约束缓存代际标签，避免被拼接为目录时出现路径穿越。
func validateGeneration(gen string) error {
	if gen == "" {
		return errors.New("不能为空")
	}
	if gen == "." || gen == ".." {
		return errors.New("不能为 . 或 ..")
	}
	if strings.ContainsAny(gen, `/\ `) {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
