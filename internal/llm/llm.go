package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/credential"
	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
)

// Message 是发送给大模型的一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Caller 定义了调用某一提供商大模型的统一接口。
// 凭证由调用方逐次传入，便于凭证池在调用之间轮换。
type Caller interface {
	Call(ctx context.Context, cred credential.Credential, messages []Message, systemPrompt string) (string, error)
}

// CallError 携带一次失败调用的原始状态码与响应体，
// 供凭证池的分类器判定永久/临时错误。
type CallError struct {
	StatusCode int
	Body       string
}

// Error 实现 error 接口。
func (e *CallError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Registry 维护提供商名称到 Caller 的映射。
type Registry struct {
	mu      sync.RWMutex
	callers map[string]Caller
}

// NewRegistry 创建空的提供商注册表。
func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]Caller)}
}

// Register 注册一个提供商。重复注册同名提供商返回冲突错误。
func (r *Registry) Register(provider string, caller Caller) error {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提供商名称不能为空")
	}
	if caller == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "Caller 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callers[provider]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("提供商 %s 已注册", provider))
	}
	r.callers[provider] = caller
	return nil
}

// Get 返回指定提供商的 Caller。
func (r *Registry) Get(provider string) (Caller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caller, ok := r.callers[provider]
	return caller, ok
}
