package job

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// Bridge 是后台任务的入口：负责创建任务、推送到队列，并通过事件代理
// 暴露订阅、发布与取消能力。
type Bridge struct {
	store      Store
	producer   Producer
	broker     Broker
	maxRetries int
}

// NewBridge 构造 Bridge。
func NewBridge(store Store, producer Producer, broker Broker, maxRetries int) *Bridge {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Bridge{store: store, producer: producer, broker: broker, maxRetries: maxRetries}
}

// Enqueue 创建一个新的任务并推送到队列，返回任务 ID。
func (b *Bridge) Enqueue(ctx context.Context, task Task, ownerSessionID string) (string, error) {
	if strings.TrimSpace(task.Tool) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务工具名不能为空")
	}
	if b.store == nil || b.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "任务桥未初始化")
	}

	jobID := uuid.NewString()
	j := &Job{
		ID:             jobID,
		Task:           Task{Tool: task.Tool, Args: cloneArgs(task.Args)},
		OwnerSessionID: ownerSessionID,
		State:          StateQueued,
		Attempts:       0,
		MaxRetries:     b.maxRetries,
	}
	if err := b.store.Create(ctx, j); err != nil {
		return "", err
	}
	if err := b.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = b.store.MarkFailed(ctx, jobID, string(CodeJobPublish), wrapped.Error(), true)
		return "", wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", jobID),
		slog.String("tool", task.Tool),
		slog.String("session_id", ownerSessionID),
		slog.Int("max_retries", b.maxRetries),
	)
	return jobID, nil
}

// Subscribe 订阅任务的事件流。返回的取消函数必须被调用以释放订阅。
func (b *Bridge) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	if b.broker == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "事件代理未初始化")
	}
	return b.broker.Subscribe(ctx, EventTopic(jobID))
}

// Publish 向任务的事件流发布事件。
func (b *Bridge) Publish(ctx context.Context, jobID string, event Event) error {
	if b.broker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件代理未初始化")
	}
	event.JobID = jobID
	return b.broker.Publish(ctx, EventTopic(jobID), event)
}

// Cancel 请求取消任务。取消是协作式的：这里只发布控制事件，
// 由执行方在安全点观察并终止工作，任务可能仍会运行到完成。
func (b *Bridge) Cancel(ctx context.Context, jobID string) error {
	if b.broker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件代理未初始化")
	}
	if b.store != nil {
		j, err := b.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if j.State.Terminal() {
			return ErrJobFinished
		}
	}
	logger.Audit().Info("请求取消任务", slog.String("job_id", jobID))
	return b.broker.Publish(ctx, EventTopic(jobID), Event{
		JobID:   jobID,
		Type:    EventControl,
		Payload: "cancel",
	})
}

// State 返回任务的当前状态。订阅方以此作为错过事件时的兜底。
func (b *Bridge) State(ctx context.Context, jobID string) (*Job, error) {
	if b.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return b.store.Get(ctx, jobID)
}

// Interrupt 向会话广播中断信号，由正在执行的对话循环在迭代边界观察。
func (b *Bridge) Interrupt(ctx context.Context, sessionID string) error {
	if b.broker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件代理未初始化")
	}
	logger.Audit().Info("请求中断会话", slog.String("session_id", sessionID))
	return b.broker.Publish(ctx, InterruptTopic(sessionID), Event{
		Type:    EventControl,
		Payload: "interrupt",
	})
}

// SubscribeInterrupt 订阅会话的中断信号。
func (b *Bridge) SubscribeInterrupt(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	if b.broker == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "事件代理未初始化")
	}
	return b.broker.Subscribe(ctx, InterruptTopic(sessionID))
}

// WaitUntilTerminal 在指定轮询间隔内等待任务进入终态。
func (b *Bridge) WaitUntilTerminal(ctx context.Context, jobID string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j, err := b.State(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (b *Bridge) Close() error {
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			return err
		}
	}
	if b.producer != nil {
		return b.producer.Close()
	}
	return nil
}
