package job

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/observability/alerting"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// Executor 执行一个已领取的任务。progress 用于推送增量输出，
// 执行方应在 ctx 取消后尽快返回。
type Executor func(ctx context.Context, j *Job, progress func(chunk string)) (string, error)

// StateRecorder 记录任务状态迁移，用于外部指标统计。
type StateRecorder interface {
	ObserveJobState(state string)
}

// Worker 从队列消费任务并交给 Executor 执行，同时负责事件流的发布、
// 墙钟超时与输出上限的约束，以及协作式取消。
type Worker struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	broker      Broker
	workerCount int
	jobTimeout  time.Duration
	maxOutput   int64
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	recorder    StateRecorder
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithJobTimeout 设置单个任务的墙钟超时。
func WithJobTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.jobTimeout = timeout
		}
	}
}

// WithMaxOutputBytes 设置单个任务累计输出的上限。
func WithMaxOutputBytes(limit int64) WorkerOption {
	return func(w *Worker) {
		if limit > 0 {
			w.maxOutput = limit
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// WithStateRecorder 配置状态指标记录器。
func WithStateRecorder(recorder StateRecorder) WorkerOption {
	return func(w *Worker) {
		w.recorder = recorder
	}
}

// NewWorker 构造 Worker。
func NewWorker(executor Executor, store Store, consumer Consumer, producer Producer, broker Broker, opts ...WorkerOption) *Worker {
	w := &Worker{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		broker:      broker,
		workerCount: 1,
		jobTimeout:  5 * time.Minute,
		maxOutput:   1 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w
}

// Start 启动任务处理循环。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, jobID string) error {
	if w.store == nil || w.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务执行器未初始化")
	}
	j, err := w.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobExhausted) {
			return w.deadLetter(ctx, j)
		}
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobFinished) || stdErrors.Is(err, ErrJobConflict) {
			w.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		w.emitAlert(ctx, &Job{ID: jobID}, xerrors.CodeStorageFailure, err, "claim")
		return err
	}
	w.observeState(StateRunning)

	var runCtx context.Context
	var cancelRun context.CancelFunc
	if w.jobTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, w.jobTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(ctx)
	}
	defer cancelRun()

	var cancelled atomic.Bool
	stopWatch := w.watchCancel(ctx, j.ID, func() {
		cancelled.Store(true)
		cancelRun()
	})
	defer stopWatch()

	var written atomic.Int64
	var tooLarge atomic.Bool
	progress := func(chunk string) {
		if chunk == "" {
			return
		}
		if total := written.Add(int64(len(chunk))); w.maxOutput > 0 && total > w.maxOutput {
			if tooLarge.CompareAndSwap(false, true) {
				cancelRun()
			}
			return
		}
		w.publish(ctx, j.ID, Event{Type: EventOutput, Payload: chunk})
	}

	result, execErr := w.executor(runCtx, j, progress)
	stopWatch()

	switch {
	case tooLarge.Load():
		return w.failTerminal(ctx, j, xerrors.CodeJobOutputTooLarge,
			fmt.Sprintf("任务输出超过 %d 字节上限", w.maxOutput), "output_too_large")
	case execErr != nil && stdErrors.Is(runCtx.Err(), context.DeadlineExceeded):
		return w.failTerminal(ctx, j, xerrors.CodeJobTimeout,
			fmt.Sprintf("任务超过 %s 墙钟超时", w.jobTimeout), "timeout")
	case execErr != nil && cancelled.Load():
		if err := w.store.MarkCancelled(ctx, j.ID, "cancelled by request"); err != nil && !stdErrors.Is(err, ErrJobFinished) {
			logger.L().Error("标记任务取消状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
			return err
		}
		w.observeState(StateCancelled)
		w.publish(ctx, j.ID, Event{Type: EventCancelled, Payload: "cancelled by request"})
		logger.Audit().Info("任务已取消",
			slog.String("job_id", j.ID),
			slog.String("tool", j.Task.Tool),
		)
		return nil
	case execErr != nil:
		return w.handleExecutionFailure(ctx, j, execErr)
	}

	if err := w.store.MarkCompleted(ctx, j.ID, result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		if storeErr := w.store.MarkFailed(ctx, j.ID, string(xerrors.CodeStorageFailure), err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
			return storeErr
		}
		if pubErr := w.producer.Publish(ctx, j.ID); pubErr != nil {
			return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", j.ID))
		}
		return nil
	}
	w.observeState(StateCompleted)
	w.publish(ctx, j.ID, Event{Type: EventCompleted, Payload: result})
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Task.Tool),
		slog.Int64("output_bytes", written.Load()),
	)
	return nil
}

// watchCancel 订阅任务事件流上的取消指令。返回的函数用于停止订阅。
func (w *Worker) watchCancel(ctx context.Context, jobID string, onCancel func()) func() {
	if w.broker == nil {
		return func() {}
	}
	events, cancelSub, err := w.broker.Subscribe(ctx, EventTopic(jobID))
	if err != nil {
		logger.L().Warn("订阅取消指令失败", slog.Any("error", err), slog.String("job_id", jobID))
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Type == EventControl && event.Payload == "cancel" {
					onCancel()
					return
				}
			}
		}
	}()
	var stopped atomic.Bool
	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(done)
			cancelSub()
		}
	}
}

func (w *Worker) handleExecutionFailure(ctx context.Context, j *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobExecution
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := j.Attempts >= j.MaxRetries || !retryable

	if storeErr := w.store.MarkFailed(ctx, j.ID, string(code), execErr.Error(), terminal); storeErr != nil {
		if stdErrors.Is(storeErr, ErrJobFinished) {
			return nil
		}
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", j.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Task.Tool),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", j.Attempts),
		slog.Int("max_retries", j.MaxRetries),
	)

	if terminal {
		w.observeState(StateFailed)
		w.publish(ctx, j.ID, Event{Type: EventFailed, Payload: execErr.Error()})
		w.emitAlert(ctx, j, code, execErr, "terminal")
		return nil
	}

	if pubErr := w.producer.Publish(ctx, j.ID); pubErr != nil {
		return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", j.ID))
	}
	w.logDebug("任务已重新排队", slog.String("job_id", j.ID), slog.Int("attempts", j.Attempts))
	w.emitAlert(ctx, j, code, execErr, "retry")
	return nil
}

// failTerminal 以给定原因将任务置为终态失败并发布终态事件。
func (w *Worker) failTerminal(ctx context.Context, j *Job, code xerrors.Code, reason, stage string) error {
	if err := w.store.MarkFailed(ctx, j.ID, string(code), reason, true); err != nil && !stdErrors.Is(err, ErrJobFinished) {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", j.ID))
		return err
	}
	w.observeState(StateFailed)
	w.publish(ctx, j.ID, Event{Type: EventFailed, Payload: reason})
	logger.Audit().Warn("任务被强制终止",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Task.Tool),
		slog.String("reason", reason),
	)
	w.emitAlert(ctx, j, code, stdErrors.New(reason), stage)
	return nil
}

// deadLetter 处理重试次数耗尽的任务。
func (w *Worker) deadLetter(ctx context.Context, j *Job) error {
	if j == nil {
		return nil
	}
	if err := w.store.MarkFailed(ctx, j.ID, string(CodeJobExhausted), "任务重试次数耗尽", true); err != nil && !stdErrors.Is(err, ErrJobFinished) {
		logger.L().Error("写入死信状态失败", slog.Any("error", err), slog.String("job_id", j.ID))
		return err
	}
	w.observeState(StateFailed)
	w.publish(ctx, j.ID, Event{Type: EventFailed, Payload: "任务重试次数耗尽"})
	logger.Audit().Warn("任务进入死信路径",
		slog.String("job_id", j.ID),
		slog.String("tool", j.Task.Tool),
		slog.Int("attempts", j.Attempts),
	)
	w.emitAlert(ctx, j, CodeJobExhausted, ErrJobExhausted, "dead_letter")
	return nil
}

func (w *Worker) publish(ctx context.Context, jobID string, event Event) {
	if w.broker == nil {
		return
	}
	event.JobID = jobID
	if err := w.broker.Publish(ctx, EventTopic(jobID), event); err != nil {
		logger.L().Warn("发布任务事件失败",
			slog.Any("error", err),
			slog.String("job_id", jobID),
			slog.String("type", string(event.Type)),
		)
	}
}

func (w *Worker) observeState(state State) {
	if w.recorder != nil {
		w.recorder.ObserveJobState(string(state))
	}
}

func (w *Worker) logDebug(msg string, attrs ...slog.Attr) {
	if w.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		w.logger.Debug(msg, args...)
	}
}

func (w *Worker) emitAlert(ctx context.Context, j *Job, code xerrors.Code, cause error, stage string) {
	if w == nil || w.alerter == nil || j == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if j.Task.Tool != "" {
		metadata["tool"] = j.Task.Tool
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      j.ID,
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", j.ID),
			slog.String("stage", stage),
		)
	}
}
