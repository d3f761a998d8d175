package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type agentMetrics struct {
	mu        sync.Mutex
	llmCalls  map[string]uint64
	llmTokens map[string]uint64
	jobStates map[string]uint64
}

var agentCollector = &agentMetrics{
	llmCalls:  make(map[string]uint64),
	llmTokens: make(map[string]uint64),
	jobStates: make(map[string]uint64),
}

// Recorder bridges the agent packages to the metrics collector without
// letting them depend on this package's internals.
type Recorder struct{}

// NewRecorder returns a Recorder backed by the process-wide collector.
func NewRecorder() *Recorder { return &Recorder{} }

// ObserveLLMUsage records one successful model call and its estimated token count.
func (*Recorder) ObserveLLMUsage(provider string, estimatedTokens int) {
	agentCollector.mu.Lock()
	defer agentCollector.mu.Unlock()
	agentCollector.llmCalls[provider]++
	if estimatedTokens > 0 {
		agentCollector.llmTokens[provider] += uint64(estimatedTokens)
	}
}

// ObserveJobState records a job state transition.
func (*Recorder) ObserveJobState(state string) {
	agentCollector.mu.Lock()
	defer agentCollector.mu.Unlock()
	agentCollector.jobStates[state]++
}

func (m *agentMetrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	builder.WriteString("# HELP agenticforge_llm_calls_total Total number of successful model calls per provider.\n")
	builder.WriteString("# TYPE agenticforge_llm_calls_total counter\n")
	for _, provider := range sortedKeys(m.llmCalls) {
		builder.WriteString(fmt.Sprintf("agenticforge_llm_calls_total{provider=\"%s\"} %d\n",
			escape(provider), m.llmCalls[provider]))
	}

	builder.WriteString("# HELP agenticforge_llm_tokens_total Estimated tokens consumed per provider.\n")
	builder.WriteString("# TYPE agenticforge_llm_tokens_total counter\n")
	for _, provider := range sortedKeys(m.llmTokens) {
		builder.WriteString(fmt.Sprintf("agenticforge_llm_tokens_total{provider=\"%s\"} %d\n",
			escape(provider), m.llmTokens[provider]))
	}

	builder.WriteString("# HELP agenticforge_job_states_total Total number of job state transitions.\n")
	builder.WriteString("# TYPE agenticforge_job_states_total counter\n")
	for _, state := range sortedKeys(m.jobStates) {
		builder.WriteString(fmt.Sprintf("agenticforge_job_states_total{state=\"%s\"} %d\n",
			escape(state), m.jobStates[state]))
	}

	return builder.String()
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
