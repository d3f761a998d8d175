package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/job"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
)

// scriptedInvoker 按顺序返回预设应答，超出脚本后重复最后一条。
type scriptedInvoker struct {
	responses []string
	errs      []error
	calls     atomic.Int32
}

func (s *scriptedInvoker) Invoke(_ context.Context, _ []string, _ []llm.Message, _ string) (string, error) {
	idx := int(s.calls.Add(1)) - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	return s.responses[idx], err
}

type fakeBridge struct {
	mu         sync.Mutex
	enqueued   []job.Task
	jobID      string
	interrupts chan job.Event
}

func (b *fakeBridge) Enqueue(_ context.Context, task job.Task, _ string) (string, error) {
	b.mu.Lock()
	b.enqueued = append(b.enqueued, task)
	b.mu.Unlock()
	return b.jobID, nil
}

func (b *fakeBridge) SubscribeInterrupt(_ context.Context, _ string) (<-chan job.Event, func(), error) {
	if b.interrupts == nil {
		b.interrupts = make(chan job.Event, 1)
	}
	return b.interrupts, func() {}, nil
}

func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	registry := tool.NewRegistry()
	err := registry.Register(tool.Tool{
		Name:        "echo",
		Description: "echo back the input",
		Schema: tool.Schema{
			"text": {Type: "string", Required: true},
		},
		Run: func(_ context.Context, args map[string]any, _ *tool.Context) (string, error) {
			return args["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}
	err = registry.Register(tool.Tool{
		Name:        "long_task",
		Description: "runs in the background",
		Detached:    true,
		Schema: tool.Schema{
			"command": {Type: "string", Required: true},
		},
		Run: func(context.Context, map[string]any, *tool.Context) (string, error) {
			return "", nil
		},
	})
	if err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}
	return registry
}

func TestLoopCompletesWithFinalAnswer(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		`{"thought":"nothing to do","answer":"hello"}`,
	}}
	sessions := session.NewMemoryStore()
	loop := New(invoker, newTestRegistry(t), sessions)

	sess := session.New("s-1", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "say hello")
	if err != nil {
		t.Fatalf("循环执行失败: %v", err)
	}
	if result.State != RunDone || result.Answer != "hello" || result.Iterations != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	saved, err := sessions.Load(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if len(saved.History) == 0 || saved.History[0].Kind != session.TurnUserGoal {
		t.Fatalf("history should start with the user goal: %+v", saved.History)
	}
}

func TestLoopExecutesInlineTool(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		`{"thought":"use echo","command":{"name":"echo","params":{"text":"pong"}}}`,
		`{"thought":"got it","answer":"pong"}`,
	}}
	sessions := session.NewMemoryStore()
	loop := New(invoker, newTestRegistry(t), sessions)

	sess := session.New("s-2", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "ping")
	if err != nil {
		t.Fatalf("循环执行失败: %v", err)
	}
	if result.State != RunDone || result.Iterations != 2 {
		t.Fatalf("unexpected result %+v", result)
	}

	var toolTurn *session.Turn
	for i := range sess.History {
		if sess.History[i].Kind == session.TurnToolResult {
			toolTurn = &sess.History[i]
			break
		}
	}
	if toolTurn == nil || toolTurn.Payload != "pong" || toolTurn.ErrorText != "" {
		t.Fatalf("tool result missing or wrong: %+v", toolTurn)
	}
}

func TestLoopParseFailureInsertsCorrection(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		"I will just describe my plan in prose.",
		`{"thought":"fixed","answer":"done"}`,
	}}
	sessions := session.NewMemoryStore()
	loop := New(invoker, newTestRegistry(t), sessions)

	sess := session.New("s-3", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "do something")
	if err != nil {
		t.Fatalf("循环执行失败: %v", err)
	}
	if result.State != RunDone || result.Iterations != 2 {
		t.Fatalf("格式纠正应消耗一次迭代: %+v", result)
	}
	if got := invoker.calls.Load(); got != 2 {
		t.Fatalf("expected 2 invocations, got %d", got)
	}

	var correction *session.Turn
	for i := range sess.History {
		if sess.History[i].Kind == session.TurnSystemCorrection {
			correction = &sess.History[i]
			break
		}
	}
	if correction == nil || !strings.Contains(correction.Text, "could not be parsed") {
		t.Fatalf("missing correction turn: %+v", correction)
	}
}

func TestLoopMaxIterationsAborts(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		`{"thought":"again","command":{"name":"echo","params":{"text":"x"}}}`,
	}}
	sessions := session.NewMemoryStore()
	loop := New(invoker, newTestRegistry(t), sessions, WithMaxIterations(3))

	sess := session.New("s-4", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "loop forever")
	if err != nil {
		t.Fatalf("循环执行失败: %v", err)
	}
	if result.State != RunAborted || result.Answer != answerMaxIterations {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := invoker.calls.Load(); got != 3 {
		t.Fatalf("迭代上限为 3 时应恰好调用模型 3 次, got %d", got)
	}
}

func TestLoopDetachedToolEnqueues(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		`{"thought":"run in background","command":{"name":"long_task","params":{"command":"sleep 60"}}}`,
		`{"thought":"queued","answer":"job submitted"}`,
	}}
	sessions := session.NewMemoryStore()
	bridge := &fakeBridge{jobID: "job-123"}
	loop := New(invoker, newTestRegistry(t), sessions, WithJobBridge(bridge))

	sess := session.New("s-5", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "run a long command")
	if err != nil {
		t.Fatalf("循环执行失败: %v", err)
	}
	if result.State != RunDone {
		t.Fatalf("unexpected result %+v", result)
	}

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(bridge.enqueued))
	}
	if bridge.enqueued[0].Tool != "long_task" {
		t.Fatalf("unexpected task %+v", bridge.enqueued[0])
	}

	var toolTurn *session.Turn
	for i := range sess.History {
		if sess.History[i].Kind == session.TurnToolResult {
			toolTurn = &sess.History[i]
			break
		}
	}
	if toolTurn == nil {
		t.Fatal("missing tool result turn for detached dispatch")
	}
	if !strings.Contains(toolTurn.Payload, "job-123") || !strings.Contains(toolTurn.Payload, "enqueued") {
		t.Fatalf("detached result should carry job id and status: %q", toolTurn.Payload)
	}
}

func TestLoopUnknownToolFedBackAsError(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		`{"thought":"try","command":{"name":"no_such_tool"}}`,
		`{"thought":"ok","answer":"giving up"}`,
	}}
	sessions := session.NewMemoryStore()
	loop := New(invoker, newTestRegistry(t), sessions)

	sess := session.New("s-6", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "use a bad tool")
	if err != nil {
		t.Fatalf("工具校验失败不应中断循环: %v", err)
	}
	if result.State != RunDone {
		t.Fatalf("unexpected result %+v", result)
	}

	var errorTurn *session.Turn
	for i := range sess.History {
		if sess.History[i].Kind == session.TurnToolResult && sess.History[i].ErrorText != "" {
			errorTurn = &sess.History[i]
			break
		}
	}
	if errorTurn == nil || !strings.Contains(errorTurn.ErrorText, "no_such_tool") {
		t.Fatalf("missing tool error turn: %+v", errorTurn)
	}
}

func TestLoopKeyExhaustedAborts(t *testing.T) {
	invoker := &scriptedInvoker{
		responses: []string{""},
		errs:      []error{llm.ErrKeyExhausted},
	}
	sessions := session.NewMemoryStore()
	loop := New(invoker, newTestRegistry(t), sessions)

	sess := session.New("s-7", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "anything")
	if !stdErrors.Is(err, llm.ErrKeyExhausted) {
		t.Fatalf("expected ErrKeyExhausted, got %v", err)
	}
	if result == nil || result.State != RunAborted || result.Answer != answerKeyExhausted {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestLoopInterruptAborts(t *testing.T) {
	invoker := &scriptedInvoker{responses: []string{
		`{"thought":"never reached","answer":"x"}`,
	}}
	sessions := session.NewMemoryStore()
	bridge := &fakeBridge{jobID: "job-1", interrupts: make(chan job.Event, 1)}
	bridge.interrupts <- job.Event{Type: job.EventControl, Payload: "interrupt"}
	loop := New(invoker, newTestRegistry(t), sessions, WithJobBridge(bridge))

	sess := session.New("s-8", []string{"openai"})
	result, err := loop.Run(context.Background(), sess, "long running goal")
	if err != nil {
		t.Fatalf("中断应正常返回: %v", err)
	}
	if result.State != RunAborted || result.Answer != answerInterrupted {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := invoker.calls.Load(); got != 0 {
		t.Fatalf("中断应在调用模型之前生效, got %d calls", got)
	}
}

func TestLoopRejectsEmptyGoal(t *testing.T) {
	loop := New(&scriptedInvoker{responses: []string{"{}"}}, newTestRegistry(t), session.NewMemoryStore())
	if _, err := loop.Run(context.Background(), session.New("s-9", nil), "   "); err == nil {
		t.Fatal("expected error for empty goal")
	}
}
