package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/media-cache/internal/byterange"
	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/server"
)

const (
	headerCacheHit = "X-Media-Cache-Hit"
	headerStore    = "X-Media-Cache-Store"
	headerFallback = "X-Media-Cache-Fallback"
)

// Fetcher 获取 key 对应的完整资源。
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*cache.Resource, error)
}

// Options 控制代理行为。
type Options struct {
	// Coalesce 为 true 时同一 key 的并发未命中只触发一次回源。
	Coalesce bool
	// FallbackKey 为 shell 回源失败时使用的缓存文档。
	FallbackKey string
}

// Handler 负责 orchestrate “查缓存 → 命中切片 / 未命中回源写缓存再切片” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 Store 与 Fetcher。
type Handler struct {
	store   cache.Store
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Collectors
	opts    Options
	group   singleflight.Group
}

// fetched 是一次回源的结果；storeErr 非空表示正文未能写入缓存。
type fetched struct {
	res      *cache.Resource
	storeErr error
}

// NewHandler constructs a proxy handler with shared store/fetcher/logger.
func NewHandler(store cache.Store, fetcher Fetcher, logger *logrus.Logger, collectors *metrics.Collectors, opts Options) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		store:   store,
		fetcher: fetcher,
		logger:  logger,
		metrics: collectors,
		opts:    opts,
	}
}

// Register 把媒体与 shell handler 挂到 Forwarder 上。
func (h *Handler) Register(f *Forwarder) error {
	if err := f.Register(Registration{Kind: server.KindMedia, Handler: server.ProxyHandlerFunc(h.HandleMedia)}); err != nil {
		return err
	}
	return f.Register(Registration{Kind: server.KindShell, Handler: server.ProxyHandlerFunc(h.HandleShell)})
}

// HandleMedia 服务媒体路由：命中或回源成功后按 Range 头切片，回源失败返回空体 503。
func (h *Handler) HandleMedia(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	if !allowedMethod(c) {
		return h.rejectMethod(c, route, started)
	}
	ctx := requestContext(c)

	if res := h.lookup(ctx, route.Key, route); res != nil {
		return h.writeRange(c, route, res, true, nil, started)
	}

	result, err := h.acquire(ctx, route.Key)
	if err != nil {
		return h.writeUnavailable(c, route, started, err)
	}
	return h.writeRange(c, route, result.res, false, result.storeErr, started)
}

// HandleShell 服务 shell 路由：始终返回完整正文，回源失败时退回缓存的 fallback 文档。
func (h *Handler) HandleShell(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	if !allowedMethod(c) {
		return h.rejectMethod(c, route, started)
	}
	ctx := requestContext(c)

	if res := h.lookup(ctx, route.Key, route); res != nil {
		return h.writeFull(c, route, res, true, nil, metrics.OutcomeHit, started)
	}

	result, err := h.acquire(ctx, route.Key)
	if err == nil {
		return h.writeFull(c, route, result.res, false, result.storeErr, outcomeFor(result.storeErr), started)
	}

	if h.opts.FallbackKey != "" {
		if doc := h.lookup(ctx, h.opts.FallbackKey, route); doc != nil {
			h.logger.WithFields(h.routeFields(c, route, false)).WithError(err).Warn("shell_fallback_served")
			c.Set(headerFallback, "true")
			return h.writeFull(c, route, doc, true, nil, metrics.OutcomeFallback, started)
		}
	}
	return h.writeUnavailable(c, route, started, err)
}

// lookup 只读本地缓存；非 not-found 的读错误记录后按未命中处理。
func (h *Handler) lookup(ctx context.Context, key string, route *server.Route) *cache.Resource {
	res, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
		return res
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		h.logger.WithError(err).
			WithFields(logging.RequestFields(string(route.Kind), route.Name, key, false)).
			Warn("cache_get_failed")
		return nil
	}
}

// acquire 回源并写缓存。回源与写入脱离请求 context，客户端断开后仍会完成并落盘。
func (h *Handler) acquire(ctx context.Context, key string) (fetched, error) {
	detached := context.WithoutCancel(ctx)
	if !h.opts.Coalesce {
		return h.fetchAndStore(detached, key)
	}
	value, err, _ := h.group.Do(key, func() (any, error) {
		return h.fetchAndStore(detached, key)
	})
	if err != nil {
		return fetched{}, err
	}
	return value.(fetched), nil
}

func (h *Handler) fetchAndStore(ctx context.Context, key string) (fetched, error) {
	res, err := h.fetcher.Fetch(ctx, key)
	if err != nil {
		return fetched{}, err
	}
	storeErr := h.store.Put(ctx, key, res)
	if storeErr != nil {
		h.logger.WithFields(logrus.Fields{
			"action": "cache_store",
			"key":    key,
		}).WithError(storeErr).Warn("cache_store_failed")
	}
	return fetched{res: res, storeErr: storeErr}, nil
}

func (h *Handler) writeRange(c fiber.Ctx, route *server.Route, res *cache.Resource, hit bool, storeErr error, started time.Time) error {
	result := byterange.Slice(res.Body, c.Get(fiber.HeaderRange), res.ContentType)
	outcome := metrics.OutcomeHit
	if !hit {
		outcome = outcomeFor(storeErr)
	}
	return h.send(c, route, result.Status, result.Headers(), result.Body, hit, storeErr, outcome, started)
}

func (h *Handler) writeFull(c fiber.Ctx, route *server.Route, res *cache.Resource, hit bool, storeErr error, outcome string, started time.Time) error {
	headers := map[string]string{
		fiber.HeaderContentLength: strconv.Itoa(len(res.Body)),
	}
	if res.ContentType != "" {
		headers[fiber.HeaderContentType] = res.ContentType
	}
	return h.send(c, route, http.StatusOK, headers, res.Body, hit, storeErr, outcome, started)
}

func (h *Handler) send(
	c fiber.Ctx,
	route *server.Route,
	status int,
	headers map[string]string,
	body []byte,
	hit bool,
	storeErr error,
	outcome string,
	started time.Time,
) error {
	for key, value := range headers {
		if key == fiber.HeaderContentLength {
			continue
		}
		c.Set(key, value)
	}
	c.Set(headerCacheHit, strconv.FormatBool(hit))
	if storeErr != nil {
		c.Set(headerStore, "failed")
	}
	setRequestIDHeader(c, server.RequestID(c))
	c.Status(status)

	written := 0
	var err error
	if c.Method() == http.MethodHead {
		c.Response().Header.SetContentLength(len(body))
	} else {
		written = len(body)
		err = c.Send(body)
	}
	h.metrics.ObserveRequest(string(route.Kind), outcome, status, written)
	h.logResult(c, route, status, hit, started, err)
	return err
}

// writeUnavailable 输出空体 503。
func (h *Handler) writeUnavailable(c fiber.Ctx, route *server.Route, started time.Time, cause error) error {
	setRequestIDHeader(c, server.RequestID(c))
	c.Set(headerCacheHit, "false")
	c.Status(fiber.StatusServiceUnavailable)
	c.Response().ResetBody()
	c.Response().Header.SetContentLength(0)
	h.metrics.ObserveRequest(string(route.Kind), metrics.OutcomeUnavailable, fiber.StatusServiceUnavailable, 0)
	h.logResult(c, route, fiber.StatusServiceUnavailable, false, started, cause)
	return nil
}

func (h *Handler) rejectMethod(c fiber.Ctx, route *server.Route, started time.Time) error {
	c.Set(fiber.HeaderAllow, "GET, HEAD")
	setRequestIDHeader(c, server.RequestID(c))
	h.logResult(c, route, fiber.StatusMethodNotAllowed, false, started, nil)
	return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
}

func (h *Handler) routeFields(c fiber.Ctx, route *server.Route, hit bool) logrus.Fields {
	fields := logging.RequestFields(string(route.Kind), route.Name, route.Key, hit)
	fields["action"] = "proxy"
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func (h *Handler) logResult(c fiber.Ctx, route *server.Route, status int, hit bool, started time.Time, err error) {
	fields := h.routeFields(c, route, hit)
	fields["method"] = c.Method()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if r := c.Get(fiber.HeaderRange); r != "" {
		fields["range"] = r
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func outcomeFor(storeErr error) string {
	if storeErr != nil {
		return metrics.OutcomePassthrough
	}
	return metrics.OutcomeMiss
}

func allowedMethod(c fiber.Ctx) bool {
	method := c.Method()
	return method == http.MethodGet || method == http.MethodHead
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
