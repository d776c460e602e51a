// Package preload walks the configured media list once and fills the store
// with every resource that is not cached yet, broadcasting progress as it goes.
package preload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/events"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
)

// Outcome 为单项结果。
type Outcome string

const (
	OutcomeOK   Outcome = "ok"
	OutcomeSkip Outcome = "skip"
	OutcomeFail Outcome = "fail"
)

// ItemResult 记录一个资源的处理结果。
type ItemResult struct {
	Name    string  `json:"name"`
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
	Bytes   int64   `json:"bytes,omitempty"`
	Err     error   `json:"-"`
	Error   string  `json:"error,omitempty"`
}

// Summary 汇总一轮填充。Done = Fetched + Skipped。
type Summary struct {
	Total     int           `json:"total"`
	Done      int           `json:"done"`
	Fetched   int           `json:"fetched"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Items     []ItemResult  `json:"items"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// Fetcher 获取 key 的完整资源。
type Fetcher interface {
	Fetch(ctx context.Context, key string) (*cache.Resource, error)
}

// Options 描述填充目标。
type Options struct {
	// Base 为媒体源站基础地址。
	Base string
	// Names 按顺序列出资源名。
	Names []string
	// Rate 为每秒回源次数上限，<=0 表示不限速。
	Rate float64
}

// Populator 顺序执行填充，不持有跨条目的锁，可与代理并发运行。
type Populator struct {
	store   cache.Store
	fetcher Fetcher
	bus     *events.Bus
	logger  *logrus.Logger
	metrics *metrics.Collectors
	opts    Options
	limiter *rate.Limiter

	running atomic.Bool
	mu      sync.RWMutex
	last    *Summary
}

// New 构建 Populator；bus、collectors 可为 nil。
func New(store cache.Store, fetcher Fetcher, bus *events.Bus, logger *logrus.Logger, collectors *metrics.Collectors, opts Options) *Populator {
	if logger == nil {
		logger = logging.Discard()
	}
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}
	return &Populator{
		store:   store,
		fetcher: fetcher,
		bus:     bus,
		logger:  logger,
		metrics: collectors,
		opts:    opts,
		limiter: limiter,
	}
}

// Run 执行一轮完整填充并返回汇总。每个计入 done 的条目之后发布一次 PROGRESS，
// 全部处理完后恰好发布一次 COMPLETE。单项失败只记录日志，不中断整轮。
func (p *Populator) Run(ctx context.Context) Summary {
	p.running.Store(true)
	defer p.running.Store(false)

	summary := Summary{
		Total:     len(p.opts.Names),
		Items:     make([]ItemResult, 0, len(p.opts.Names)),
		StartedAt: time.Now().UTC(),
	}

	for _, name := range p.opts.Names {
		item := p.populate(ctx, name)
		summary.Items = append(summary.Items, item)
		p.metrics.ObservePreload(string(item.Outcome))

		fields := logging.PreloadFields(name, item.Key, summary.Done, summary.Total)
		fields["outcome"] = item.Outcome
		switch item.Outcome {
		case OutcomeOK:
			summary.Fetched++
		case OutcomeSkip:
			summary.Skipped++
		case OutcomeFail:
			summary.Failed++
			p.logger.WithFields(fields).WithError(item.Err).Warn("preload_item_failed")
			continue
		}

		summary.Done++
		fields["done"] = summary.Done
		if item.Outcome == OutcomeOK {
			fields["size"] = humanize.IBytes(uint64(item.Bytes))
			p.logger.WithFields(fields).Info("preload_item_stored")
		} else {
			p.logger.WithFields(fields).Debug("preload_item_cached")
		}
		p.bus.Publish(ctx, events.Progress(summary.Done, summary.Total))
	}

	summary.Elapsed = time.Since(summary.StartedAt)
	p.bus.Publish(ctx, events.Complete(summary.Done, summary.Total))
	p.logger.WithFields(logrus.Fields{
		"action":     "preload",
		"total":      summary.Total,
		"done":       summary.Done,
		"fetched":    summary.Fetched,
		"skipped":    summary.Skipped,
		"failed":     summary.Failed,
		"elapsed_ms": summary.Elapsed.Milliseconds(),
	}).Info("preload_complete")

	p.mu.Lock()
	p.last = &summary
	p.mu.Unlock()
	return summary
}

func (p *Populator) populate(ctx context.Context, name string) ItemResult {
	key := cache.MediaKey(p.opts.Base, name)
	item := ItemResult{Name: name, Key: key}

	if _, err := p.store.Get(ctx, key); err == nil {
		item.Outcome = OutcomeSkip
		return item
	} else if !errors.Is(err, cache.ErrNotFound) {
		p.logger.WithFields(logging.PreloadFields(name, key, 0, 0)).
			WithError(err).Warn("preload_lookup_failed")
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return failed(item, err)
		}
	}

	res, err := p.fetcher.Fetch(ctx, key)
	if err != nil {
		return failed(item, err)
	}
	if err := p.store.Put(ctx, key, res); err != nil {
		return failed(item, err)
	}
	item.Outcome = OutcomeOK
	item.Bytes = res.Length()
	return item
}

func failed(item ItemResult, err error) ItemResult {
	item.Outcome = OutcomeFail
	item.Err = err
	item.Error = err.Error()
	return item
}

// Last 返回最近一轮完成的汇总。
func (p *Populator) Last() (Summary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Summary{}, false
	}
	return *p.last, true
}

// Running 报告当前是否有一轮填充正在执行。
func (p *Populator) Running() bool {
	return p.running.Load()
}
