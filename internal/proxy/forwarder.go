package proxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/server"
)

// Forwarder 根据 Route.Kind 选择对应的 ProxyHandler，并把 handler panic 转换为 500。
type Forwarder struct {
	handlers sync.Map
	logger   *logrus.Logger
}

// NewForwarder 创建空 Forwarder，通过 Register 挂载各类路由的 handler。
func NewForwarder(logger *logrus.Logger) *Forwarder {
	return &Forwarder{logger: logger}
}

// Registration captures a route kind and its handler for safe registration.
type Registration struct {
	Kind    server.RouteKind
	Handler server.ProxyHandler
}

// ErrHandlerExists indicates a handler has already been registered for the kind.
var ErrHandlerExists = errors.New("route handler already registered")

// Validate ensures both kind and handler are present before registration.
func (r Registration) Validate() error {
	if r.Kind == "" {
		return errors.New("route kind required")
	}
	if r.Handler == nil {
		return errors.New("route handler required")
	}
	return nil
}

// Register registers a validated kind/handler pair.
func (f *Forwarder) Register(reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	if _, loaded := f.handlers.LoadOrStore(reg.Kind, reg.Handler); loaded {
		return fmt.Errorf("%w: %s", ErrHandlerExists, reg.Kind)
	}
	return nil
}

// MustRegister panics when registration fails; suitable for startup wiring.
func (f *Forwarder) MustRegister(reg Registration) {
	if err := f.Register(reg); err != nil {
		panic(err)
	}
}

// Handle 实现 server.ProxyHandler，根据 route.Kind 选择 handler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.Route) error {
	requestID := server.RequestID(c)
	handler := f.lookup(route)
	if handler == nil {
		return f.respondMissingHandler(c, route, requestID)
	}
	return f.invokeHandler(c, route, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, route *server.Route, requestID string) error {
	f.logRouteError(route, "route_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "route_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.Route, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.Route, recovered interface{}, requestID string) error {
	f.logRouteError(route, "route_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	c.Response().ResetBody()
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "route_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logRouteError(route *server.Route, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := f.routeFields(route, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("route handler unavailable")
}

func (f *Forwarder) lookup(route *server.Route) server.ProxyHandler {
	if route == nil {
		return nil
	}
	if value, ok := f.handlers.Load(route.Kind); ok {
		if handler, ok := value.(server.ProxyHandler); ok {
			return handler
		}
	}
	return nil
}

func (f *Forwarder) routeFields(route *server.Route, requestID string) logrus.Fields {
	var fields logrus.Fields
	if route == nil {
		fields = logging.RequestFields("", "", "", false)
	} else {
		fields = logging.RequestFields(string(route.Kind), route.Name, route.Key, false)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
