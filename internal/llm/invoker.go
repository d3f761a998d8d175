package llm

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/credential"
	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// ErrKeyExhausted 表示提供商层级中的所有凭证均不可用。
var ErrKeyExhausted = xerrors.New(xerrors.CodeKeyExhausted, "")

// Invoker 把凭证池、提供商注册表与层级回退策略组合成一次模型调用。
// 同一提供商内逐个凭证尝试，耗尽后切换到层级中的下一个提供商。
type Invoker struct {
	pool     *credential.Pool
	registry *Registry
	timeout  time.Duration
}

// NewInvoker 构造 Invoker。timeout 为单次调用的超时，0 表示不限制。
func NewInvoker(pool *credential.Pool, registry *Registry, timeout time.Duration) *Invoker {
	return &Invoker{pool: pool, registry: registry, timeout: timeout}
}

// Invoke 依照提供商层级调用大模型，返回原始文本。
// 每次失败都会通过分类结果回写凭证池；只有层级整体耗尽才返回 ErrKeyExhausted。
func (inv *Invoker) Invoke(ctx context.Context, hierarchy []string, messages []Message, systemPrompt string) (string, error) {
	if inv.pool == nil || inv.registry == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "Invoker 未初始化")
	}

	for _, provider := range hierarchy {
		caller, ok := inv.registry.Get(provider)
		if !ok {
			logger.L().Warn("跳过未注册的提供商", slog.String("provider", provider))
			continue
		}

		for {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			cred, err := inv.pool.Select(ctx, provider)
			if err != nil {
				if stdErrors.Is(err, credential.ErrExhausted) {
					break
				}
				return "", err
			}

			raw, callErr := inv.call(ctx, caller, cred, messages, systemPrompt)
			if callErr == nil {
				inv.pool.ReportOutcome(ctx, cred, credential.OutcomeSuccess)
				inv.pool.ReportUsage(provider, estimateTokens(messages, raw))
				return raw, nil
			}

			outcome := classifyCallError(callErr)
			inv.pool.ReportOutcome(ctx, cred, outcome)
			logger.L().Warn("模型调用失败",
				slog.String("provider", provider),
				slog.String("outcome", outcome.String()),
				slog.Any("error", callErr),
			)
		}
	}

	return "", ErrKeyExhausted
}

func (inv *Invoker) call(ctx context.Context, caller Caller, cred credential.Credential, messages []Message, systemPrompt string) (string, error) {
	callCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}
	return caller.Call(callCtx, cred, messages, systemPrompt)
}

// classifyCallError 将调用错误映射为凭证结果。携带状态码的错误走
// 标准分类；网络层错误与超时一律按临时处理。
func classifyCallError(err error) credential.Outcome {
	var callErr *CallError
	if stdErrors.As(err, &callErr) {
		return credential.Classify(callErr.StatusCode, callErr.Body)
	}
	return credential.OutcomeTemporary
}

// estimateTokens 粗略估算一次调用消耗的 token 数，仅用于观测。
func estimateTokens(messages []Message, response string) int {
	chars := len([]rune(response))
	for _, msg := range messages {
		chars += len([]rune(msg.Content))
	}
	return chars / 4
}
