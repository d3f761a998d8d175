package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/agent"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/job"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
)

// answerInvoker 始终返回同一条最终回答。
type answerInvoker struct {
	answer string
}

func (a *answerInvoker) Invoke(context.Context, []string, []llm.Message, string) (string, error) {
	return `{"thought":"done","answer":"` + a.answer + `"}`, nil
}

func newTestServer(t *testing.T) (*Server, *session.MemoryStore, *job.Bridge, *job.MemoryStore) {
	t.Helper()
	registry := tool.NewRegistry()
	err := registry.Register(tool.Tool{
		Name: "noop",
		Run: func(context.Context, map[string]any, *tool.Context) (string, error) {
			return "", nil
		},
	})
	if err != nil {
		t.Fatalf("注册工具失败: %v", err)
	}

	sessions := session.NewMemoryStore()
	jobs := job.NewMemoryStore()
	bridge := job.NewBridge(jobs, job.NewMemoryQueue(16), job.NewMemoryBroker(), 3)
	loop := agent.New(&answerInvoker{answer: "hi there"}, registry, sessions)
	server := NewServer(":0", loop, sessions, bridge, []string{"openai"})
	return server, sessions, bridge, jobs
}

func TestHandleGoalsRunsLoop(t *testing.T) {
	server, sessions, _, _ := newTestServer(t)

	body := strings.NewReader(`{"goal":"say hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/goals", body)
	rec := httptest.NewRecorder()
	server.handleGoals(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var resp goalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Answer != "hi there" || resp.State != "done" || resp.SessionID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// 会话应已持久化，可继续追加目标。
	if _, err := sessions.Load(context.Background(), resp.SessionID); err != nil {
		t.Fatalf("会话未持久化: %v", err)
	}
}

func TestHandleGoalsReusesSession(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	first := httptest.NewRecorder()
	server.handleGoals(first, httptest.NewRequest(http.MethodPost, "/api/v1/goals", strings.NewReader(`{"goal":"one"}`)))
	var resp goalResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}

	second := httptest.NewRecorder()
	server.handleGoals(second, httptest.NewRequest(http.MethodPost, "/api/v1/goals",
		strings.NewReader(`{"session_id":"`+resp.SessionID+`","goal":"two"}`)))
	if second.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", second.Code, second.Body.String())
	}
	var again goalResponse
	if err := json.Unmarshal(second.Body.Bytes(), &again); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if again.SessionID != resp.SessionID {
		t.Fatalf("session id should be stable: %q vs %q", again.SessionID, resp.SessionID)
	}
}

func TestHandleGoalsValidation(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleGoals(rec, httptest.NewRequest(http.MethodGet, "/api/v1/goals", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleGoals(rec, httptest.NewRequest(http.MethodPost, "/api/v1/goals", strings.NewReader(`{bad`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleGoals(rec, httptest.NewRequest(http.MethodPost, "/api/v1/goals", strings.NewReader(`{"goal":"  "}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty goal should be rejected, got %d", rec.Code)
	}
}

func TestHandleJobsStateAndCancel(t *testing.T) {
	server, _, bridge, _ := newTestServer(t)

	jobID, err := bridge.Enqueue(context.Background(), job.Task{Tool: "noop"}, "sess-1")
	if err != nil {
		t.Fatalf("任务入队失败: %v", err)
	}

	rec := httptest.NewRecorder()
	server.handleJobs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if j.ID != jobID || j.State != job.StateQueued {
		t.Fatalf("unexpected job %+v", j)
	}

	rec = httptest.NewRecorder()
	server.handleJobs(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleJobsErrors(t *testing.T) {
	server, _, bridge, jobs := newTestServer(t)

	rec := httptest.NewRecorder()
	server.handleJobs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/no-such-job", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job should be 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.handleJobs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing job id should be 400, got %d", rec.Code)
	}

	// 终态任务的取消请求返回冲突。
	jobID, err := bridge.Enqueue(context.Background(), job.Task{Tool: "noop"}, "sess-1")
	if err != nil {
		t.Fatalf("任务入队失败: %v", err)
	}
	if _, err := jobs.Claim(context.Background(), jobID); err != nil {
		t.Fatalf("领取任务失败: %v", err)
	}
	if err := jobs.MarkCompleted(context.Background(), jobID, "done"); err != nil {
		t.Fatalf("标记任务完成失败: %v", err)
	}
	rec = httptest.NewRecorder()
	server.handleJobs(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel of finished job should be 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSessions(t *testing.T) {
	server, sessions, bridge, _ := newTestServer(t)

	sess := session.New("sess-1", []string{"openai"})
	sess.Append(session.NewUserGoal("hello"))
	if err := sessions.Save(context.Background(), sess); err != nil {
		t.Fatalf("保存会话失败: %v", err)
	}

	rec := httptest.NewRecorder()
	server.handleSessions(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var loaded session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if loaded.ID != "sess-1" || len(loaded.History) != 1 {
		t.Fatalf("unexpected session %+v", loaded)
	}

	rec = httptest.NewRecorder()
	server.handleSessions(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session should be 404, got %d", rec.Code)
	}

	// 中断信号应被广播到会话主题。
	events, cancel, err := bridge.SubscribeInterrupt(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("订阅中断信号失败: %v", err)
	}
	defer cancel()
	rec = httptest.NewRecorder()
	server.handleSessions(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/interrupt", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("interrupt should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case event := <-events:
		if event.Type != job.EventControl || event.Payload != "interrupt" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("等待中断信号超时")
	}
}

func TestMetricHandlerNameCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/api/v1/jobs/abc-123":          "/api/v1/jobs/{id}",
		"/api/v1/jobs/abc-123/cancel":   "/api/v1/jobs/{id}",
		"/api/v1/sessions/s1/interrupt": "/api/v1/sessions/{id}",
		"/api/v1/goals":                 "/api/v1/goals",
		"/metrics":                      "/metrics",
	}
	for path, want := range cases {
		if got := metricHandlerName(path); got != want {
			t.Fatalf("metricHandlerName(%q) = %q, want %q", path, got, want)
		}
	}
}
