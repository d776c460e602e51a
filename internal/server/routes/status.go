package routes

import (
	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/samber/lo"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/events"
	"github.com/any-hub/media-cache/internal/preload"
	"github.com/any-hub/media-cache/internal/version"
)

// PreloadState 暴露后台填充的运行状态，由 *preload.Populator 实现。
type PreloadState interface {
	Running() bool
	Last() (preload.Summary, bool)
}

// StatusDeps 聚合 /-/status 需要读取的组件；Preload、Bus 可为空。
type StatusDeps struct {
	Config  *config.Config
	Store   cache.Store
	Preload PreloadState
	Bus     *events.Bus
}

type statusPayload struct {
	Service     string         `json:"service"`
	Version     string         `json:"version"`
	Generation  string         `json:"generation"`
	Driver      string         `json:"driver"`
	Store       storePayload   `json:"store"`
	Preload     preloadPayload `json:"preload"`
	Subscribers int            `json:"progress_subscribers"`
}

type storePayload struct {
	Entries int64  `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Size    string `json:"size"`
	Limit   string `json:"limit,omitempty"`
	Error   string `json:"error,omitempty"`
}

type preloadPayload struct {
	Enabled bool                 `json:"enabled"`
	Running bool                 `json:"running"`
	Items   int                  `json:"items"`
	Last    *preload.Summary     `json:"last,omitempty"`
	Failed  []preload.ItemResult `json:"failed,omitempty"`
}

// RegisterStatusRoutes 暴露 /-/status，汇总版本、代际、存储占用与最近一轮填充结果。
func RegisterStatusRoutes(app *fiber.App, deps StatusDeps) {
	if app == nil || deps.Config == nil || deps.Store == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Service:    version.Name,
			Version:    version.Full(),
			Generation: deps.Store.Generation(),
			Driver:     deps.Config.Global.StorageDriver,
			Store:      encodeStore(c, deps),
			Preload:    encodePreload(deps),
		}
		if deps.Bus != nil {
			payload.Subscribers = deps.Bus.Subscribers()
		}
		return c.JSON(payload)
	})
}

func encodeStore(c fiber.Ctx, deps StatusDeps) storePayload {
	var payload storePayload
	if limit := deps.Config.Global.MaxStorageSize; limit > 0 {
		payload.Limit = humanize.IBytes(uint64(limit))
	}
	stats, err := deps.Store.Stats(c.Context())
	if err != nil {
		payload.Error = err.Error()
		return payload
	}
	payload.Entries = stats.Entries
	payload.Bytes = stats.Bytes
	payload.Size = humanize.IBytes(uint64(stats.Bytes))
	return payload
}

func encodePreload(deps StatusDeps) preloadPayload {
	payload := preloadPayload{
		Enabled: deps.Config.Media.Preload,
		Items:   len(deps.Config.Media.Resources),
	}
	if deps.Preload == nil {
		return payload
	}
	payload.Running = deps.Preload.Running()
	summary, ok := deps.Preload.Last()
	if !ok {
		return payload
	}
	payload.Failed = lo.Filter(summary.Items, func(item preload.ItemResult, _ int) bool {
		return item.Outcome == preload.OutcomeFail
	})
	// 完整条目列表可能很长，status 只保留计数与失败项。
	summary.Items = nil
	payload.Last = &summary
	return payload
}
