package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderRendersAgentMetrics(t *testing.T) {
	rec := NewRecorder()
	rec.ObserveLLMUsage("openai", 120)
	rec.ObserveLLMUsage("openai", 80)
	rec.ObserveLLMUsage("deepseek", 0)
	rec.ObserveJobState("running")
	rec.ObserveJobState("completed")

	rendered := agentCollector.render()
	for _, want := range []string{
		"# TYPE agenticforge_llm_calls_total counter",
		`agenticforge_llm_calls_total{provider="deepseek"} `,
		`agenticforge_llm_calls_total{provider="openai"} `,
		"# TYPE agenticforge_llm_tokens_total counter",
		`agenticforge_llm_tokens_total{provider="openai"} `,
		"# TYPE agenticforge_job_states_total counter",
		`agenticforge_job_states_total{state="completed"} `,
		`agenticforge_job_states_total{state="running"} `,
	} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("render output missing %q:\n%s", want, rendered)
		}
	}
	// 零 token 的调用不应产生 token 序列。
	if strings.Contains(rendered, `agenticforge_llm_tokens_total{provider="deepseek"}`) {
		t.Fatalf("deepseek should have no token series:\n%s", rendered)
	}
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/goals", http.MethodPost, http.StatusOK, 25*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"agenticforge_http_requests_total",
		"/api/v1/goals",
		"agenticforge_llm_calls_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
