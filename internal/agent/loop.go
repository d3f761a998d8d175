package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/job"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// RunState 标识一次循环的结束方式。
type RunState string

const (
	// RunDone 表示模型给出了最终回答。
	RunDone RunState = "done"
	// RunAborted 表示循环因迭代上限、凭证耗尽或中断而终止。
	RunAborted RunState = "aborted"
)

// Result 汇总一次循环的执行结果。
type Result struct {
	Answer     string   `json:"answer"`
	State      RunState `json:"state"`
	Iterations int      `json:"iterations"`
}

// ModelInvoker 定义了循环所需的模型调用能力。
type ModelInvoker interface {
	Invoke(ctx context.Context, hierarchy []string, messages []llm.Message, systemPrompt string) (string, error)
}

// JobBridge 定义了循环派发后台任务所需的能力。
type JobBridge interface {
	Enqueue(ctx context.Context, task job.Task, ownerSessionID string) (string, error)
	SubscribeInterrupt(ctx context.Context, sessionID string) (<-chan job.Event, func(), error)
}

// 固定回答文案。循环以这些文本结束时 State 一律为 RunAborted。
const (
	answerKeyExhausted  = "所有模型提供方的凭证均不可用，请稍后重试。"
	answerMaxIterations = "已达到最大迭代次数，任务中止。"
	answerInterrupted   = "任务已被用户中断。"
)

const defaultMaxIterations = 10

// Loop 驱动 思考-行动-观察 循环：渲染提示词、调用模型、解析应答、
// 派发工具并把每一步写回会话存储。
type Loop struct {
	invoker       ModelInvoker
	tools         *tool.Registry
	sessions      session.Store
	bridge        JobBridge
	maxIterations int
	logger        *slog.Logger
}

// Option 定义可选的 Loop 配置。
type Option func(*Loop)

// WithMaxIterations 设置单次运行的迭代上限。
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithJobBridge 配置后台任务桥。未配置时 detached 工具会以错误结果进入历史。
func WithJobBridge(bridge JobBridge) Option {
	return func(l *Loop) {
		l.bridge = bridge
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New 创建一个 Loop。
func New(invoker ModelInvoker, tools *tool.Registry, sessions session.Store, opts ...Option) *Loop {
	l := &Loop{
		invoker:       invoker,
		tools:         tools,
		sessions:      sessions,
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.maxIterations <= 0 {
		l.maxIterations = defaultMaxIterations
	}
	return l
}

// Run 以给定目标驱动会话直到完成或中止。会话的每一步都会持久化，
// 以便进程重启后从最近一次保存的历史继续。
func (l *Loop) Run(ctx context.Context, sess *session.Session, goal string) (*Result, error) {
	if l.invoker == nil || l.tools == nil || l.sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "循环未初始化")
	}
	if sess == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话不能为空")
	}
	if strings.TrimSpace(goal) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务目标不能为空")
	}

	interrupts, stopInterrupts := l.subscribeInterrupts(ctx, sess.ID)
	defer stopInterrupts()

	sess.Append(session.NewUserGoal(goal))
	if err := l.save(ctx, sess); err != nil {
		return nil, err
	}

	logger.Audit().Info("循环开始",
		slog.String("session_id", sess.ID),
		slog.Int("max_iterations", l.maxIterations),
	)

	systemPrompt := BuildSystemPrompt(l.tools.Descriptors())

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if interrupted(interrupts) {
			logger.Audit().Warn("循环被中断",
				slog.String("session_id", sess.ID),
				slog.Int("iteration", iteration),
			)
			sess.Append(session.NewThought(answerInterrupted, nil))
			if err := l.save(ctx, sess); err != nil {
				return nil, err
			}
			return &Result{Answer: answerInterrupted, State: RunAborted, Iterations: iteration}, nil
		}

		raw, err := l.invoker.Invoke(ctx, sess.ProviderHierarchy, BuildMessages(sess), systemPrompt)
		if err != nil {
			if stdErrors.Is(err, llm.ErrKeyExhausted) {
				logger.Audit().Error("凭证耗尽，循环中止",
					slog.String("session_id", sess.ID),
					slog.Int("iteration", iteration),
				)
				sess.Append(session.NewThought(answerKeyExhausted, nil))
				if saveErr := l.save(ctx, sess); saveErr != nil {
					return nil, saveErr
				}
				return &Result{Answer: answerKeyExhausted, State: RunAborted, Iterations: iteration}, err
			}
			return nil, err
		}

		envelope, parseErr := ParseResponse(raw)
		if parseErr != nil {
			l.logDebug("模型响应解析失败",
				slog.String("session_id", sess.ID),
				slog.Int("iteration", iteration),
				slog.Any("error", parseErr),
			)
			sess.Append(session.NewCorrection(correctionText(parseErr)))
			if err := l.save(ctx, sess); err != nil {
				return nil, err
			}
			continue
		}

		var action *session.Action
		if envelope.Command != nil {
			action = &session.Action{Name: envelope.Command.Name, Args: envelope.Command.Params}
		}
		sess.Append(session.NewThought(envelope.Thought, action))

		if envelope.Command == nil {
			sess.Append(session.NewThought(envelope.Answer, nil))
			if err := l.save(ctx, sess); err != nil {
				return nil, err
			}
			logger.Audit().Info("循环完成",
				slog.String("session_id", sess.ID),
				slog.Int("iterations", iteration),
			)
			return &Result{Answer: envelope.Answer, State: RunDone, Iterations: iteration}, nil
		}

		l.dispatch(ctx, sess, envelope.Command)
		if err := l.save(ctx, sess); err != nil {
			return nil, err
		}
	}

	logger.Audit().Warn("达到迭代上限，循环中止",
		slog.String("session_id", sess.ID),
		slog.Int("max_iterations", l.maxIterations),
	)
	sess.Append(session.NewThought(answerMaxIterations, nil))
	if err := l.save(ctx, sess); err != nil {
		return nil, err
	}
	return &Result{Answer: answerMaxIterations, State: RunAborted, Iterations: l.maxIterations}, nil
}

// dispatch 校验并执行一次工具调用，把结果或错误以数据形式写入历史，
// 让模型在下一轮自行纠正，而不是让循环失败。
func (l *Loop) dispatch(ctx context.Context, sess *session.Session, command *Command) {
	name := command.Name
	args, err := l.tools.Validate(name, command.Params)
	if err != nil {
		sess.Append(session.NewToolError(name, err.Error()))
		return
	}

	t, _ := l.tools.Get(name)
	if t.Detached {
		if l.bridge == nil {
			sess.Append(session.NewToolError(name, "后台任务桥未配置，无法执行该工具"))
			return
		}
		jobID, err := l.bridge.Enqueue(ctx, job.Task{Tool: name, Args: args}, sess.ID)
		if err != nil {
			sess.Append(session.NewToolError(name, err.Error()))
			return
		}
		payload, _ := json.Marshal(map[string]string{
			"job_id":  jobID,
			"status":  "enqueued",
			"message": fmt.Sprintf("工具 %s 已进入后台队列，结果将以任务事件送达", name),
		})
		sess.Append(session.NewToolResult(name, string(payload)))
		return
	}

	result, err := l.tools.Execute(ctx, name, args, &tool.Context{
		SessionID: sess.ID,
		Logger:    l.logger,
	})
	if err != nil {
		sess.Append(session.NewToolError(name, err.Error()))
		return
	}
	sess.Append(session.NewToolResult(name, result))
}

func (l *Loop) subscribeInterrupts(ctx context.Context, sessionID string) (<-chan job.Event, func()) {
	if l.bridge == nil {
		return nil, func() {}
	}
	events, cancel, err := l.bridge.SubscribeInterrupt(ctx, sessionID)
	if err != nil {
		logger.L().Warn("订阅中断信号失败",
			slog.Any("error", err),
			slog.String("session_id", sessionID),
		)
		return nil, func() {}
	}
	return events, cancel
}

// interrupted 非阻塞地检查是否收到中断信号。
func interrupted(events <-chan job.Event) bool {
	if events == nil {
		return false
	}
	select {
	case event, ok := <-events:
		if !ok {
			return false
		}
		return event.Type == job.EventControl
	default:
		return false
	}
}

func correctionText(parseErr error) string {
	return fmt.Sprintf("Your previous response could not be parsed: %v. "+
		"Respond with a single JSON object containing \"thought\" and either "+
		"\"command\" (a tool call) or \"answer\" (the final answer), as instructed.", parseErr)
}

func (l *Loop) save(ctx context.Context, sess *session.Session) error {
	if err := l.sessions.Save(ctx, sess); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
	}
	return nil
}

func (l *Loop) logDebug(msg string, attrs ...slog.Attr) {
	if l.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		l.logger.Debug(msg, args...)
	}
}
