package job

import "context"

// Store 抽象了任务状态的持久化接口。
//
// Claim 将排队中的任务迁移为 Running 并累加尝试次数；重试次数耗尽时返回
// ErrJobExhausted。MarkFailed 的 terminal 为 false 时任务会回到排队状态等待
// 重投；终态一经写入不再改变。
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkCompleted(ctx context.Context, id string, result string) error
	MarkFailed(ctx context.Context, id string, code string, lastError string, terminal bool) error
	MarkCancelled(ctx context.Context, id string, reason string) error
	Close() error
}
