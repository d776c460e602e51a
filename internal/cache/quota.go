package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// WithQuota 为 inner 增加总字节预算。初始占用取自 inner.Stats，
// maxBytes <= 0 时直接返回 inner。
func WithQuota(ctx context.Context, inner Store, maxBytes int64) (Store, error) {
	if maxBytes <= 0 {
		return inner, nil
	}
	stats, err := inner.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("measure cache usage: %w", err)
	}
	return &quotaStore{Store: inner, max: maxBytes, used: stats.Bytes}, nil
}

// quotaStore 先预留再写入，写入失败时归还预留。mu 只保护计数，不跨越 I/O；
// 同一 key 的读旧大小、写入与结算在 keys 锁内完成，并发覆盖只计一次。
type quotaStore struct {
	Store

	keys keyLocks
	mu   sync.Mutex
	max  int64
	used int64
}

// entrySizer 由能廉价读取单条大小的驱动实现，避免为求大小读出整段正文。
type entrySizer interface {
	size(ctx context.Context, key string) (int64, error)
}

func (q *quotaStore) Put(ctx context.Context, key string, res *Resource) error {
	if err := validatePut(key, res); err != nil {
		return err
	}
	unlock := q.keys.lock(key)
	defer unlock()

	previous, err := q.sizeOf(ctx, key)
	if err != nil {
		return err
	}
	need := res.Length()

	q.mu.Lock()
	if q.used+need-previous > q.max {
		used := q.used
		q.mu.Unlock()
		return fmt.Errorf("%w: need %s, used %s of %s", ErrQuotaExceeded,
			humanize.IBytes(uint64(need)), humanize.IBytes(uint64(used)), humanize.IBytes(uint64(q.max)))
	}
	q.used += need
	q.mu.Unlock()

	putErr := q.Store.Put(ctx, key, res)

	q.mu.Lock()
	if putErr != nil {
		q.used -= need
	} else {
		q.used -= previous
	}
	q.mu.Unlock()
	return putErr
}

func (q *quotaStore) Remove(ctx context.Context, key string) error {
	unlock := q.keys.lock(key)
	defer unlock()

	previous, err := q.sizeOf(ctx, key)
	if err != nil {
		return err
	}
	if err := q.Store.Remove(ctx, key); err != nil {
		return err
	}
	q.mu.Lock()
	q.used -= previous
	if q.used < 0 {
		q.used = 0
	}
	q.mu.Unlock()
	return nil
}

// Usage 返回当前记账的已用字节数。
func (q *quotaStore) Usage() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

func (q *quotaStore) sizeOf(ctx context.Context, key string) (int64, error) {
	if sizer, ok := q.Store.(entrySizer); ok {
		n, err := sizer.size(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return n, err
	}
	existing, err := q.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return existing.Length(), nil
}
