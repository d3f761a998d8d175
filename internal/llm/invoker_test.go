package llm

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/credential"
)

// scriptedCaller 按凭证 secret 返回预设结果，并记录调用顺序。
type scriptedCaller struct {
	mu      sync.Mutex
	results map[string]callResult
	calls   []string
}

type callResult struct {
	response string
	err      error
}

func (c *scriptedCaller) Call(_ context.Context, cred credential.Credential, _ []Message, _ string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, cred.Secret)
	res := c.results[cred.Secret]
	c.mu.Unlock()
	return res.response, res.err
}

func (c *scriptedCaller) callOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestInvokerFailsOverOnPermanentError(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pool := credential.NewPool([]credential.Credential{
		{Provider: "openai", Secret: "key-a", LastUsedAt: 1},
		{Provider: "openai", Secret: "key-b", LastUsedAt: 2},
	}, credential.WithClock(func() time.Time { return now }))

	caller := &scriptedCaller{results: map[string]callResult{
		"key-a": {err: &CallError{StatusCode: 401, Body: `{"error":{"code":"invalid_api_key"}}`}},
		"key-b": {response: "ok"},
	}}
	registry := NewRegistry()
	if err := registry.Register("openai", caller); err != nil {
		t.Fatalf("注册提供商失败: %v", err)
	}

	inv := NewInvoker(pool, registry, 0)
	raw, err := inv.Invoke(context.Background(), []string{"openai"}, nil, "")
	if err != nil {
		t.Fatalf("调用应在第二条凭证上成功: %v", err)
	}
	if raw != "ok" {
		t.Fatalf("unexpected response %q", raw)
	}
	order := caller.callOrder()
	if len(order) != 2 || order[0] != "key-a" || order[1] != "key-b" {
		t.Fatalf("unexpected call order %v", order)
	}

	// 永久禁用的凭证不再参与后续调用。
	raw, err = inv.Invoke(context.Background(), []string{"openai"}, nil, "")
	if err != nil || raw != "ok" {
		t.Fatalf("后续调用失败: %v", err)
	}
	order = caller.callOrder()
	if order[len(order)-1] != "key-b" {
		t.Fatalf("expected key-b, got %q", order[len(order)-1])
	}
}

func TestInvokerProviderHierarchyFallback(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pool := credential.NewPool([]credential.Credential{
		{Provider: "openai", Secret: "key-a"},
		{Provider: "deepseek", Secret: "key-b"},
	}, credential.WithClock(func() time.Time { return now }))

	failing := &scriptedCaller{results: map[string]callResult{
		"key-a": {err: &CallError{StatusCode: 403, Body: "forbidden"}},
	}}
	fallback := &scriptedCaller{results: map[string]callResult{
		"key-b": {response: "fallback answer"},
	}}
	registry := NewRegistry()
	if err := registry.Register("openai", failing); err != nil {
		t.Fatalf("注册提供商失败: %v", err)
	}
	if err := registry.Register("deepseek", fallback); err != nil {
		t.Fatalf("注册提供商失败: %v", err)
	}

	inv := NewInvoker(pool, registry, 0)
	raw, err := inv.Invoke(context.Background(), []string{"openai", "deepseek"}, nil, "")
	if err != nil {
		t.Fatalf("应回退到下一个提供商: %v", err)
	}
	if raw != "fallback answer" {
		t.Fatalf("unexpected response %q", raw)
	}
}

func TestInvokerReturnsKeyExhausted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pool := credential.NewPool([]credential.Credential{
		{Provider: "openai", Secret: "key-a"},
	}, credential.WithClock(func() time.Time { return now }))

	caller := &scriptedCaller{results: map[string]callResult{
		"key-a": {err: &CallError{StatusCode: 401, Body: ""}},
	}}
	registry := NewRegistry()
	if err := registry.Register("openai", caller); err != nil {
		t.Fatalf("注册提供商失败: %v", err)
	}

	inv := NewInvoker(pool, registry, 0)
	_, err := inv.Invoke(context.Background(), []string{"openai", "missing"}, nil, "")
	if !stdErrors.Is(err, ErrKeyExhausted) {
		t.Fatalf("expected ErrKeyExhausted, got %v", err)
	}
}

func TestInvokerSkipsUnregisteredProvider(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	pool := credential.NewPool([]credential.Credential{
		{Provider: "deepseek", Secret: "key-b"},
	}, credential.WithClock(func() time.Time { return now }))

	caller := &scriptedCaller{results: map[string]callResult{
		"key-b": {response: "ok"},
	}}
	registry := NewRegistry()
	if err := registry.Register("deepseek", caller); err != nil {
		t.Fatalf("注册提供商失败: %v", err)
	}

	inv := NewInvoker(pool, registry, 0)
	raw, err := inv.Invoke(context.Background(), []string{"unknown", "deepseek"}, nil, "")
	if err != nil || raw != "ok" {
		t.Fatalf("应跳过未注册提供商: raw=%q err=%v", raw, err)
	}
}

func TestClassifyCallError(t *testing.T) {
	if got := classifyCallError(&CallError{StatusCode: 401}); got != credential.OutcomePermanent {
		t.Fatalf("401 应判定为永久错误, got %v", got)
	}
	if got := classifyCallError(&CallError{StatusCode: 429}); got != credential.OutcomeTemporary {
		t.Fatalf("429 应判定为临时错误, got %v", got)
	}
	if got := classifyCallError(context.DeadlineExceeded); got != credential.OutcomeTemporary {
		t.Fatalf("超时应判定为临时错误, got %v", got)
	}
}
