package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBrokerConfig 描述 Redis 事件代理的连接参数。
type RedisBrokerConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisBroker 通过 Redis pub/sub 在进程之间广播任务事件。
// Redis 的 pub/sub 不做持久化，订阅前发布的事件不会补发。
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker 创建 RedisBroker。
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

// Publish 将事件以 JSON 形式发布到主题。
func (b *RedisBroker) Publish(ctx context.Context, topic string, event Event) error {
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，返回事件通道与取消函数。
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	// 等待订阅确认，避免错过紧随其后发布的事件。
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("订阅 Redis 主题失败: %w", err)
	}

	events := make(chan Event, subscriberBuffer)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Close()
		})
	}
	return events, cancel, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)
