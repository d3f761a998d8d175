package job

import (
	stdErrors "errors"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
)

// State 表示后台任务在生命周期中的状态。
// 迁移只允许 Queued→Running→{Completed|Failed|Cancelled}，没有回边。
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Task 描述排队执行的工具调用。
type Task struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Job 描述一次后台执行及其状态。
type Job struct {
	ID             string `json:"id"`
	Task           Task   `json:"task"`
	OwnerSessionID string `json:"owner_session_id,omitempty"`
	State          State  `json:"state"`
	Attempts       int    `json:"attempts"`
	MaxRetries     int    `json:"max_retries"`
	Result         string `json:"result,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的迁移。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobFinished 表示任务已经处于终态。
	ErrJobFinished = xerrors.New(CodeJobFinished, "job already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示任务的重试次数已经耗尽，应进入死信路径。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound  xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict  xerrors.Code = "JOB_CONFLICT"
	CodeJobFinished  xerrors.Code = "JOB_FINISHED"
	CodeJobExhausted xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobPublish   xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobExecution xerrors.Code = "JOB_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobFinished, xerrors.Attributes{
		Message:   "job already finished",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:   "job retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobExecution, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// IsJobError 判断错误是否为指定的任务错误码。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeJobNotFound:
		return stdErrors.Is(err, ErrJobNotFound)
	case CodeJobConflict:
		return stdErrors.Is(err, ErrJobConflict)
	case CodeJobFinished:
		return stdErrors.Is(err, ErrJobFinished)
	case CodeJobExhausted:
		return stdErrors.Is(err, ErrJobExhausted)
	default:
		return false
	}
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cloned := make(map[string]any, len(args))
	for key, value := range args {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Task.Args = cloneArgs(j.Task.Args)
	return &clone
}
