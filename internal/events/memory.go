package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 使用 channel 缓冲事件，主要用于测试。
type MemoryPublisher struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher 创建一个内存事件通道。
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 256
	}
	return &MemoryPublisher{ch: make(chan Event, size)}
}

// Publish 将事件写入缓冲。缓冲已满时丢弃最旧语义不适用，直接报错。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("事件通道已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- event:
		return nil
	default:
		return errors.New("事件缓冲已满")
	}
}

// Drain 取出当前缓冲内的全部事件。
func (p *MemoryPublisher) Drain() []Event {
	var drained []Event
	for {
		select {
		case event := <-p.ch:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}

// Close 关闭事件通道。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	p.mu.Unlock()
	return nil
}

// ensure interface compliance at compile time
var _ Publisher = (*MemoryPublisher)(nil)
