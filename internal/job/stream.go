package job

import (
	"context"
	"sync"
	"time"
)

// EventType 标识任务事件流中的事件种类。
type EventType string

const (
	// EventOutput 表示一段增量输出。
	EventOutput EventType = "output"
	// EventCompleted 表示任务成功结束的终态事件。
	EventCompleted EventType = "completed"
	// EventFailed 表示任务失败的终态事件。
	EventFailed EventType = "failed"
	// EventCancelled 表示任务被取消的终态事件。
	EventCancelled EventType = "cancelled"
	// EventControl 表示发往执行方的控制指令，例如取消。
	EventControl EventType = "control"
)

// Event 是任务事件流上的一条消息。每个任务的事件按发布顺序送达，
// 不同任务之间没有顺序保证。
type Event struct {
	JobID      string    `json:"job_id"`
	Type       EventType `json:"type"`
	Payload    string    `json:"payload,omitempty"`
	OccurredAt int64     `json:"occurred_at"`
}

// Terminal 判断事件是否为终态事件。每个任务恰好收到一条终态事件。
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// EventTopic 返回任务事件流的主题名。
func EventTopic(jobID string) string {
	return "job:" + jobID + ":events"
}

// InterruptTopic 返回会话中断信号的主题名。
func InterruptTopic(sessionID string) string {
	return "session:" + sessionID + ":interrupt"
}

// Broker 抽象了按主题广播事件的能力。投递语义是进程内至多一次：
// 订阅者缓冲溢出时事件会被丢弃，调用方应以轮询任务终态作为兜底。
type Broker interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)
	Close() error
}

const subscriberBuffer = 64

// MemoryBroker 使用 channel 在进程内广播事件，主要用于测试与单进程部署。
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewMemoryBroker 创建 MemoryBroker。
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]chan Event)}
}

// Publish 将事件广播给主题的所有订阅者。订阅者缓冲已满时丢弃事件。
func (b *MemoryBroker) Publish(_ context.Context, topic string, event Event) error {
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe 订阅主题，返回事件通道与取消函数。
func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			subs := b.subs[topic]
			for i, sub := range subs {
				if sub == ch {
					b.subs[topic] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close 关闭所有订阅通道。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan Event)
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
