package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/events"
	"github.com/any-hub/media-cache/internal/lifecycle"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/origin"
	"github.com/any-hub/media-cache/internal/preload"
	"github.com/any-hub/media-cache/internal/proxy"
	"github.com/any-hub/media-cache/internal/server"
	"github.com/any-hub/media-cache/internal/server/routes"
	"github.com/any-hub/media-cache/internal/version"
)

// configEnv 可覆盖默认配置路径，优先级低于 --config。
const configEnv = "MEDIA_CACHE_CONFIG"

const shutdownTimeout = 10 * time.Second

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		if _, err := server.NewResolver(cfg); err != nil {
			fmt.Fprintf(stdErr, "路由配置无效: %v\n", err)
			return 1
		}
		fields := configFields("check_config", opts.configPath, cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close()

	fields := configFields("startup", opts.configPath, cfg)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIA_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// service 持有一次进程运行所需的全部共享组件。
type service struct {
	cfg       *config.Config
	logger    *logrus.Logger
	store     cache.Store
	app       *fiber.App
	lifecycle *lifecycle.Manager
}

// newService 按“配置 → 缓存 → 回源 → 代理/填充 → Fiber 路由”的顺序装配组件，
// 所有请求与后台填充共享同一个 Store 与 Fetcher。
func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	store, err := cache.Open(ctx, cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}

	resolver, err := server.NewResolver(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	collectors := metrics.New()
	collectors.RegisterStore(func(ctx context.Context) (int64, int64, error) {
		stats, err := store.Stats(ctx)
		return stats.Entries, stats.Bytes, err
	})

	fetcher := origin.NewFetcher(origin.NewClient(cfg.Global), logger, collectors, origin.OptionsFromConfig(cfg))
	bus := events.NewBus()
	populator := preload.New(store, fetcher, bus, logger, collectors, preload.Options{
		Base:  cfg.Media.Upstream,
		Names: cfg.Media.Resources,
		Rate:  cfg.Media.PreloadRate,
	})

	handler := proxy.NewHandler(store, fetcher, logger, collectors, proxy.Options{
		Coalesce:    cfg.Global.CoalesceFetches,
		FallbackKey: resolver.FallbackKey(),
	})
	forwarder := proxy.NewForwarder(logger)
	if err := handler.Register(forwarder); err != nil {
		store.Close()
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Resolver: resolver,
		Proxy:    forwarder,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	routes.RegisterStatusRoutes(app, routes.StatusDeps{Config: cfg, Store: store, Preload: populator, Bus: bus})
	routes.RegisterProgressRoutes(app, bus, routes.ProgressOptions{Logger: logger})
	routes.RegisterMetricsRoutes(app, collectors)

	manager := lifecycle.New(store, fetcher, populator, logger, lifecycle.Options{
		ShellKeys: resolver.ShellKeys(),
		Preload:   cfg.Media.Preload,
	})

	return &service{cfg: cfg, logger: logger, store: store, app: app, lifecycle: manager}, nil
}

// serve 先完成 install/activate，再监听端口；ctx 结束时优雅关闭。
func (s *service) serve(ctx context.Context) error {
	if _, _, err := s.lifecycle.Start(ctx); err != nil {
		s.logger.WithError(err).WithField("action", "activate").Warn("旧代际清理未完成")
	}

	go func() {
		<-ctx.Done()
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			s.logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 服务关闭异常")
		}
	}()

	port := s.cfg.Global.ListenPort
	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *service) close() {
	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).WithField("action", "shutdown").Warn("缓存关闭失败")
	}
}

func configFields(action, configPath string, cfg *config.Config) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["driver"] = cfg.Global.StorageDriver
	fields["generation"] = cfg.Global.CacheGeneration
	fields["media_resources"] = len(cfg.Media.Resources)
	fields["shell_paths"] = len(cfg.Shell.Paths)
	return fields
}
