package routes

import (
	"bufio"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/events"
)

// DefaultHeartbeat 为 SSE 注释行的发送间隔，同时用于探测已断开的客户端。
const DefaultHeartbeat = 15 * time.Second

const progressBuffer = 16

// ProgressOptions 控制 /-/progress 的行为。
type ProgressOptions struct {
	Heartbeat time.Duration
	Logger    *logrus.Logger
}

// RegisterProgressRoutes 以 text/event-stream 推送填充进度。
// 每个连接独立订阅总线，收到 COMPLETE 或写入失败后取消订阅并结束流。
func RegisterProgressRoutes(app *fiber.App, bus *events.Bus, opts ProgressOptions) {
	if app == nil || bus == nil {
		return
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	app.Get("/-/progress", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		// 订阅在 handler 内完成，保证响应开始前发布的事件也能进入缓冲。
		ch, handle := bus.Channel(progressBuffer)
		logger := opts.Logger

		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer bus.Unsubscribe(handle)

			ticker := time.NewTicker(opts.Heartbeat)
			defer ticker.Stop()

			if err := writeComment(w, "connected"); err != nil {
				return
			}
			for {
				select {
				case evt := <-ch:
					if err := writeEvent(w, evt); err != nil {
						if logger != nil {
							logger.WithError(err).WithField("action", "progress_stream").Debug("progress_client_gone")
						}
						return
					}
					if evt.Kind == events.KindComplete {
						return
					}
				case <-ticker.C:
					if err := writeComment(w, "heartbeat"); err != nil {
						return
					}
				}
			}
		})
	})
}

func writeEvent(w *bufio.Writer, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("data: "); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeComment(w *bufio.Writer, text string) error {
	if _, err := w.WriteString(": " + text + "\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
