// Package lifecycle runs the two startup phases of the cache: install, which
// precaches the application shell, and activate, which evicts every stale cache
// generation and then kicks off exactly one background population pass.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/preload"
)

// Fetcher 获取 key 的完整资源。
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*cache.Resource, error)
}

// Runner 执行一轮后台填充。
type Runner interface {
	Run(ctx context.Context) preload.Summary
}

// Options 描述安装与激活阶段的输入。
type Options struct {
	// ShellKeys 为安装阶段需要预缓存的 shell 资源。
	ShellKeys []string
	// Preload 为 false 时激活阶段不启动后台填充。
	Preload bool
}

// InstallReport 汇总安装阶段结果。
type InstallReport struct {
	Cached  int `json:"cached"`
	Fetched int `json:"fetched"`
	Failed  int `json:"failed"`
}

// ActivateReport 汇总激活阶段结果。
type ActivateReport struct {
	Dropped        []string `json:"dropped"`
	PreloadStarted bool     `json:"preload_started"`
}

// Manager 串联 install / activate，保证进程生命周期内只启动一轮填充。
type Manager struct {
	store   cache.Store
	fetcher Fetcher
	runner  Runner
	logger  *logrus.Logger
	opts    Options

	once sync.Once
	done chan struct{}
}

// New 构建 Manager；runner 为 nil 时等同于关闭预热。
func New(store cache.Store, fetcher Fetcher, runner Runner, logger *logrus.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		store:   store,
		fetcher: fetcher,
		runner:  runner,
		logger:  logger,
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start 依次执行 Install 与 Activate。
func (m *Manager) Start(ctx context.Context) (InstallReport, ActivateReport, error) {
	installed := m.Install(ctx)
	activated, err := m.Activate(ctx)
	return installed, activated, err
}

// Install 预缓存 shell 资源；单项失败只记录日志，不影响启动。
func (m *Manager) Install(ctx context.Context) InstallReport {
	var report InstallReport
	for _, key := range m.opts.ShellKeys {
		if _, err := m.store.Get(ctx, key); err == nil {
			report.Cached++
			continue
		}

		res, err := m.fetcher.Fetch(ctx, key)
		if err == nil {
			err = m.store.Put(ctx, key, res)
		}
		if err != nil {
			report.Failed++
			m.logger.WithFields(logrus.Fields{
				"action": "install",
				"key":    key,
			}).WithError(err).Warn("shell_precache_failed")
			continue
		}
		report.Fetched++
	}

	m.logger.WithFields(logrus.Fields{
		"action":  "install",
		"cached":  report.Cached,
		"fetched": report.Fetched,
		"failed":  report.Failed,
	}).Info("shell_installed")
	return report
}

// Activate 删除所有非当前代际，然后在后台启动一轮填充（整个进程只启动一次）。
// 代际清理失败会返回错误，但填充仍然启动。
func (m *Manager) Activate(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport
	var errs []error

	current := m.store.Generation()
	generations, err := m.store.Generations(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, gen := range generations {
		if gen == current {
			continue
		}
		if err := m.store.DropGeneration(ctx, gen); err != nil {
			errs = append(errs, err)
			m.logger.WithFields(logrus.Fields{
				"action":     "activate",
				"generation": gen,
			}).WithError(err).Warn("generation_drop_failed")
			continue
		}
		report.Dropped = append(report.Dropped, gen)
	}

	report.PreloadStarted = m.startPreload(ctx)

	m.logger.WithFields(logrus.Fields{
		"action":          "activate",
		"current":         current,
		"dropped":         report.Dropped,
		"preload_started": report.PreloadStarted,
	}).Info("cache_activated")
	return report, errors.Join(errs...)
}

func (m *Manager) startPreload(ctx context.Context) bool {
	started := false
	m.once.Do(func() {
		if !m.opts.Preload || m.runner == nil {
			close(m.done)
			return
		}
		started = true
		go func() {
			defer close(m.done)
			m.runner.Run(ctx)
		}()
	})
	return started
}

// Done 在后台填充结束（或确定不会启动）后关闭。
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
