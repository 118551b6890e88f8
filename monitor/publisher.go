package monitor

import (
	"sync"
	"sync/atomic"
)

// Publisher 一个轻量事件分发器，发布永不阻塞，订阅者处理不及时丢弃并计数。
type Publisher struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Int64
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make([]chan Event, 0)}
}

// Subscribe 注册订阅者，buffer 为通道容量。
func (p *Publisher) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch
	}
	p.subs = append(p.subs, ch)
	return ch
}

func (p *Publisher) Publish(e Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
			p.dropped.Add(1)
		}
	}
}

// Dropped 累计丢弃的事件数。
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close 关闭全部订阅通道，之后的发布被忽略。
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.subs {
		close(ch)
	}
}
