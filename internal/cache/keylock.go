package cache

import "sync"

// keyLocks 为每个 key 提供独立互斥锁，引用计数归零后回收。零值可用。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// lock 阻塞直到拿到 key 的锁，返回解锁函数。
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*entryLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &entryLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
