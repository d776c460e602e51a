// Package events broadcasts population progress to whoever is listening at
// the time of publication. Delivery is fire-and-forget: there is no
// acknowledgement, buffering for late subscribers, or replay.
package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/maniartech/signals"
)

// Kind 为事件类型。
type Kind string

const (
	KindProgress Kind = "PROGRESS"
	KindComplete Kind = "COMPLETE"
)

// Event 是一次进度通知，JSON 形如 {"kind":"PROGRESS","done":3,"total":20}。
type Event struct {
	Kind  Kind `json:"kind"`
	Done  int  `json:"done"`
	Total int  `json:"total"`
}

// Progress 构造 PROGRESS 事件。
func Progress(done, total int) Event {
	return Event{Kind: KindProgress, Done: done, Total: total}
}

// Complete 构造 COMPLETE 事件。
func Complete(done, total int) Event {
	return Event{Kind: KindComplete, Done: done, Total: total}
}

// Handle 标识一次订阅，用于取消。
type Handle string

// Handler 接收事件。Publish 会等待所有 handler 返回，handler 不应阻塞。
type Handler func(ctx context.Context, e Event)

// Bus 是进程内的发布/订阅总线，可被多个 goroutine 并发使用。
type Bus struct {
	sig *signals.AsyncSignal[Event]
}

// NewBus 创建空总线。
func NewBus() *Bus {
	return &Bus{sig: signals.New[Event]()}
}

// Subscribe 注册 handler 并返回其 Handle。
func (b *Bus) Subscribe(handler Handler) Handle {
	h := Handle(uuid.NewString())
	b.sig.AddListener(func(ctx context.Context, e Event) {
		handler(ctx, e)
	}, string(h))
	return h
}

// Unsubscribe 取消订阅，重复调用无副作用。
func (b *Bus) Unsubscribe(h Handle) {
	b.sig.RemoveListener(string(h))
}

// Publish 把事件投递给当前所有订阅者。
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	b.sig.Emit(ctx, e)
}

// Subscribers 返回当前订阅者数量。
func (b *Bus) Subscribers() int {
	return b.sig.Len()
}

// Channel 以带缓冲 channel 的形式订阅，缓冲满时丢弃新事件而不阻塞发布方。
// channel 不会被关闭，调用方在 Unsubscribe 后停止读取即可。
func (b *Bus) Channel(buffer int) (<-chan Event, Handle) {
	ch := make(chan Event, buffer)
	h := b.Subscribe(func(_ context.Context, e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch, h
}
