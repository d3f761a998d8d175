package job

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBrokerDeliversInOrder(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	events, cancel, err := broker.Subscribe(context.Background(), EventTopic("job-1"))
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	defer cancel()

	payloads := []string{"line 1", "line 2", "line 3"}
	for _, p := range payloads {
		if err := broker.Publish(context.Background(), EventTopic("job-1"), Event{Type: EventOutput, Payload: p}); err != nil {
			t.Fatalf("发布事件失败: %v", err)
		}
	}

	for i, want := range payloads {
		select {
		case event := <-events:
			if event.Payload != want {
				t.Fatalf("event %d: got %q, want %q", i, event.Payload, want)
			}
			if event.OccurredAt == 0 {
				t.Fatal("OccurredAt should be stamped on publish")
			}
		case <-time.After(time.Second):
			t.Fatalf("等待事件 %d 超时", i)
		}
	}
}

func TestMemoryBrokerTopicsAreIsolated(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	events, cancel, err := broker.Subscribe(context.Background(), EventTopic("job-1"))
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	defer cancel()

	if err := broker.Publish(context.Background(), EventTopic("job-2"), Event{Type: EventOutput, Payload: "other"}); err != nil {
		t.Fatalf("发布事件失败: %v", err)
	}
	select {
	case event := <-events:
		t.Fatalf("收到了其它主题的事件: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerCancelClosesChannel(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	events, cancel, err := broker.Subscribe(context.Background(), "topic")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	cancel()
	cancel() // 幂等

	if _, ok := <-events; ok {
		t.Fatal("cancel 后通道应被关闭")
	}
	// 退订之后的发布不应报错。
	if err := broker.Publish(context.Background(), "topic", Event{Type: EventOutput}); err != nil {
		t.Fatalf("发布事件失败: %v", err)
	}
}

func TestMemoryBrokerDropsOnFullBuffer(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	events, cancel, err := broker.Subscribe(context.Background(), "topic")
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	defer cancel()

	total := subscriberBuffer + 16
	for i := 0; i < total; i++ {
		if err := broker.Publish(context.Background(), "topic", Event{Type: EventOutput}); err != nil {
			t.Fatalf("发布事件失败: %v", err)
		}
	}

	received := 0
	for {
		select {
		case <-events:
			received++
		default:
			if received != subscriberBuffer {
				t.Fatalf("expected %d buffered events, got %d", subscriberBuffer, received)
			}
			return
		}
	}
}

func TestEventTerminal(t *testing.T) {
	cases := []struct {
		typ  EventType
		want bool
	}{
		{EventOutput, false},
		{EventControl, false},
		{EventCompleted, true},
		{EventFailed, true},
		{EventCancelled, true},
	}
	for _, tc := range cases {
		if got := (Event{Type: tc.typ}).Terminal(); got != tc.want {
			t.Fatalf("Terminal(%s) = %v, want %v", tc.typ, got, tc.want)
		}
	}
}
