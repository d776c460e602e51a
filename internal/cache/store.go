package cache

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// Store 负责管理完整资源正文的读写，所有操作都限定在打开时注入的缓存代际内。
//
// 实现必须支持多个 goroutine 并发 Get/Put，调用方无需额外加锁；同一 key 的并发
// Put 以最后一次写入为准。
type Store interface {
	// Get 返回缓存的完整资源，不存在时返回 ErrNotFound。只做本地查找，不触发网络。
	Get(ctx context.Context, key string) (*Resource, error)

	// Put 覆盖写入 key 对应的资源。存储耗尽时返回包装了 ErrQuotaExceeded 的错误，
	// 其它写入失败同样原样返回，由调用方决定是否降级。
	Put(ctx context.Context, key string, res *Resource) error

	// Remove 删除条目，不存在时视为成功。
	Remove(ctx context.Context, key string) error

	// Stats 返回当前代际的条目数与正文字节数。
	Stats(ctx context.Context) (Stats, error)

	// Generation 返回打开 Store 时注入的缓存代际。
	Generation() string

	// Generations 列出底层存储中出现过的全部代际（包含当前代际）。
	Generations(ctx context.Context) ([]string, error)

	// DropGeneration 删除指定代际的全部条目。
	DropGeneration(ctx context.Context, generation string) error

	// Close 释放底层资源。
	Close() error
}

// Resource 是缓存的最小单元：某个 key 对应的完整正文及其内容类型。
//
// 正文写入后不可变；长度永远由 len(Body) 推导，不单独存储。
type Resource struct {
	Key         string
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

// Length 返回正文字节数。
func (r *Resource) Length() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// Stats 汇总当前代际的缓存占用。
type Stats struct {
	Entries int64 `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrQuotaExceeded 表示写入会超出存储配额。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrInvalidResource 表示写入的资源缺少 key 或与 key 不一致。
	ErrInvalidResource = errors.New("invalid cache resource")
)

// MediaKey 将资源名以 path segment 形式编码后拼接到源站基础地址，得到规范化 key。
func MediaKey(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(name)
}

// validatePut 负责 Put 的公共入参校验。
func validatePut(key string, res *Resource) error {
	if key == "" || res == nil {
		return ErrInvalidResource
	}
	if res.Key != "" && res.Key != key {
		return ErrInvalidResource
	}
	return nil
}

// stamp 返回写入时使用的副本，补齐 key 与写入时间。
func stamp(key string, res *Resource) *Resource {
	out := *res
	out.Key = key
	if out.StoredAt.IsZero() {
		out.StoredAt = time.Now().UTC()
	}
	return &out
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
