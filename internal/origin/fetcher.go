package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/version"
)

// Fetcher 对 key（绝对 URL）发起一次完整 GET，不携带任何入站请求头。
type Fetcher struct {
	client  *http.Client
	logger  *logrus.Logger
	metrics *metrics.Collectors
	opts    Options
}

// Options 控制重试与大小限制。
type Options struct {
	MaxRetries         int
	InitialBackoff     time.Duration
	MaxResourceSize    int64
	DefaultContentType string
	UserAgent          string
	// IdleTimeout 为读取正文时两次收到数据之间的最长间隔，<=0 表示不限制。
	IdleTimeout time.Duration
}

// OptionsFromConfig 从全局配置与 [Media] 段提取回源参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:         cfg.Global.MaxRetries,
		InitialBackoff:     cfg.Global.InitialBackoff.DurationValue(),
		MaxResourceSize:    cfg.Global.MaxResourceSize,
		DefaultContentType: cfg.Media.DefaultContentType,
		UserAgent:          version.UserAgent(),
		IdleTimeout:        upstreamTimeout(cfg.Global),
	}
}

// NewFetcher 构建 Fetcher；logger 为空时丢弃日志，collectors 可为 nil。
func NewFetcher(client *http.Client, logger *logrus.Logger, collectors *metrics.Collectors, opts Options) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Fetcher{client: client, logger: logger, metrics: collectors, opts: opts}
}

// Fetch 获取 key 的完整正文。网络错误按指数退避重试 MaxRetries 次，
// 非 200（包括 206）与超限正文直接失败，不重试。
func (f *Fetcher) Fetch(ctx context.Context, key string) (*cache.Resource, error) {
	started := time.Now()
	res, err := f.fetchWithRetry(ctx, key)
	result := "ok"
	var fe *FetchError
	if errors.As(err, &fe) {
		result = fe.Kind.String()
	} else if err != nil {
		result = "error"
	}
	f.metrics.ObserveFetch(result, time.Since(started))
	return res, err
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, key string) (*cache.Resource, error) {
	backoff := f.opts.InitialBackoff
	attempts := 0
	for {
		attempts++
		res, err := f.fetchOnce(ctx, key)
		if err == nil {
			return res, nil
		}

		var fe *FetchError
		if !errors.As(err, &fe) || fe.Kind != KindUnreachable {
			return nil, err
		}
		fe.Attempts = attempts
		if attempts > f.opts.MaxRetries || ctx.Err() != nil {
			return nil, fe
		}

		f.logger.WithFields(logrus.Fields{
			"action":  "origin_retry",
			"key":     key,
			"attempt": attempts,
			"backoff": backoff.String(),
		}).WithError(fe.Err).Warn("origin_fetch_retry")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fe
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, key string) (*cache.Resource, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindUnreachable, Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &FetchError{Kind: KindStatus, Key: key, StatusCode: resp.StatusCode}
	}

	limit := f.opts.MaxResourceSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, f.tooLarge(key, resp.ContentLength)
	}

	reader := io.Reader(resp.Body)
	if f.opts.IdleTimeout > 0 {
		idle := newIdleReader(reader, f.opts.IdleTimeout, cancel)
		defer idle.stop()
		reader = idle
	}
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, &FetchError{Kind: KindUnreachable, Key: key, Err: err}
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, f.tooLarge(key, int64(len(body)))
	}

	return &cache.Resource{
		Key:         key,
		ContentType: f.contentType(key, resp.Header.Get("Content-Type")),
		Body:        body,
	}, nil
}

// idleReader 在 timeout 内没有读到新数据时取消请求，使停滞的正文读取以错误返回。
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	return &idleReader{r: r, timeout: timeout, timer: time.AfterFunc(timeout, cancel)}
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleReader) stop() {
	r.timer.Stop()
}

func (f *Fetcher) tooLarge(key string, size int64) error {
	return &FetchError{
		Kind: KindTooLarge,
		Key:  key,
		Err: fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(f.opts.MaxResourceSize))),
	}
}

// contentType 依次采用源站声明、扩展名推断与默认值。
func (f *Fetcher) contentType(key, declared string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	if inferred := InferContentType(key); inferred != "" {
		return inferred
	}
	return f.opts.DefaultContentType
}

// mediaTypes 列出可按扩展名推断的类型，表外扩展名一律回落到 DefaultContentType。
var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".weba": "audio/webm",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".ico":  "image/x-icon",
}

// InferContentType 根据 key 路径的扩展名查 mediaTypes，表外扩展名返回空串。
func InferContentType(key string) string {
	p := key
	if u, err := url.Parse(key); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return ""
	}
	return mediaTypes[ext]
}
