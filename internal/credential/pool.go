package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/observability/alerting"
	"github.com/Jboner-Corvus/AgenticForge-sub006/pkg/logger"
)

// ErrExhausted 表示指定提供商没有任何可用凭证。
var ErrExhausted = xerrors.New(xerrors.CodeKeyExhausted, "credential pool exhausted")

// UsageRecorder 接收成功调用的用量统计，仅用于观测。
type UsageRecorder interface {
	ObserveLLMUsage(provider string, estimatedTokens int)
}

// entry 将凭证与其专属锁绑定。状态变更只在持有 entry 锁时进行，
// 避免并发会话对同一条凭证的结果上报交错。
type entry struct {
	mu   sync.Mutex
	cred Credential
}

// Pool 管理一组提供商凭证：选择、结果上报、冷却与永久禁用。
type Pool struct {
	mu      sync.RWMutex
	entries []*entry
	store   Store
	usage   UsageRecorder
	alerter alerting.Dispatcher
	now     func() time.Time
}

// PoolOption 定义可选的 Pool 配置。
type PoolOption func(*Pool)

// WithStore 配置凭证状态的持久化后端。
func WithStore(store Store) PoolOption {
	return func(p *Pool) {
		p.store = store
	}
}

// WithUsageRecorder 配置用量观测。
func WithUsageRecorder(rec UsageRecorder) PoolOption {
	return func(p *Pool) {
		p.usage = rec
	}
}

// WithAlertDispatcher 配置告警分发器，凭证被永久禁用时触发。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) PoolOption {
	return func(p *Pool) {
		p.alerter = dispatcher
	}
}

// WithClock 覆盖时间源，测试用。
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool 基于初始凭证构造凭证池。
func NewPool(creds []Credential, opts ...PoolOption) *Pool {
	p := &Pool{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for _, c := range creds {
		if c.Health == "" {
			c.Health = HealthAvailable
		}
		p.entries = append(p.entries, &entry{cred: c})
	}
	return p
}

// Restore 从持久化后端恢复凭证状态，替换当前池内容。
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	creds, err := p.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		return nil
	}
	p.mu.Lock()
	p.entries = p.entries[:0]
	for _, c := range creds {
		if c.Health == "" {
			c.Health = HealthAvailable
		}
		p.entries = append(p.entries, &entry{cred: c})
	}
	p.mu.Unlock()
	return nil
}

// Add 动态加入一条新凭证。
func (p *Pool) Add(ctx context.Context, cred Credential) {
	cred.Health = HealthAvailable
	cred.ConsecutiveErrors = 0
	p.mu.Lock()
	p.entries = append(p.entries, &entry{cred: cred})
	p.mu.Unlock()
	p.persist(ctx)
}

// Select 返回指定提供商中最久未使用的可用凭证。
// 冷却到期的凭证在扫描时顺带恢复为可用；永久禁用的凭证永不返回。
// 没有可用凭证时返回 ErrExhausted，由调用方决定是否切换提供商。
func (p *Pool) Select(ctx context.Context, provider string) (Credential, error) {
	now := p.now()

	p.mu.RLock()
	var picked *entry
	var pickedLastUsed int64
	for _, e := range p.entries {
		e.mu.Lock()
		if e.cred.Provider != provider {
			e.mu.Unlock()
			continue
		}
		if e.cred.Health == HealthCoolingDown && e.cred.CoolDownUntil <= now.Unix() {
			e.cred.Health = HealthAvailable
		}
		if e.cred.Health == HealthAvailable {
			if picked == nil || e.cred.LastUsedAt < pickedLastUsed {
				picked = e
				pickedLastUsed = e.cred.LastUsedAt
			}
		}
		e.mu.Unlock()
	}
	p.mu.RUnlock()

	if picked == nil {
		return Credential{}, ErrExhausted
	}

	picked.mu.Lock()
	picked.cred.LastUsedAt = now.Unix()
	snapshot := picked.cred
	picked.mu.Unlock()

	p.persist(ctx)
	return snapshot, nil
}

// HasUsable 判断指定提供商是否还有可用凭证。
func (p *Pool) HasUsable(provider string) bool {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		e.mu.Lock()
		usable := e.cred.Provider == provider && e.cred.Usable(now)
		e.mu.Unlock()
		if usable {
			return true
		}
	}
	return false
}

// ReportOutcome 回写一次调用结果，驱动凭证健康状态迁移。
func (p *Pool) ReportOutcome(ctx context.Context, cred Credential, outcome Outcome) {
	e := p.find(cred.Provider, cred.Secret)
	if e == nil {
		return
	}

	e.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		e.cred.ConsecutiveErrors = 0
		e.cred.Health = HealthAvailable
		e.cred.CoolDownUntil = 0
	case OutcomePermanent:
		e.cred.Health = HealthPermanentlyDisabled
		e.cred.CoolDownUntil = 0
		logger.L().Error("凭证被永久禁用", slog.String("provider", e.cred.Provider))
		p.alertPermanentDisable(ctx, e.cred.Provider)
	case OutcomeTemporary:
		e.cred.ConsecutiveErrors++
		wait := backoff(e.cred.ConsecutiveErrors)
		e.cred.Health = HealthCoolingDown
		e.cred.CoolDownUntil = p.now().Add(wait).Unix()
		logger.L().Warn("凭证进入冷却",
			slog.String("provider", e.cred.Provider),
			slog.Int("consecutive_errors", e.cred.ConsecutiveErrors),
			slog.Duration("cool_down", wait),
		)
	}
	e.mu.Unlock()

	p.persist(ctx)
}

// ReportUsage 上报一次成功调用的估算 token 用量。仅观测，不影响正确性。
func (p *Pool) ReportUsage(provider string, estimatedTokens int) {
	if p.usage == nil {
		return
	}
	p.usage.ObserveLLMUsage(provider, estimatedTokens)
}

// Reset 将凭证恢复为可用状态并清零错误计数，幂等。
func (p *Pool) Reset(ctx context.Context, cred Credential) {
	e := p.find(cred.Provider, cred.Secret)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.cred.Health = HealthAvailable
	e.cred.ConsecutiveErrors = 0
	e.cred.CoolDownUntil = 0
	e.mu.Unlock()
	p.persist(ctx)
}

// Snapshot 返回池内所有凭证的副本，供管理接口查询。
func (p *Pool) Snapshot() []Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Credential, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		out = append(out, e.cred)
		e.mu.Unlock()
	}
	return out
}

func (p *Pool) find(provider, secret string) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		e.mu.Lock()
		match := e.cred.Provider == provider && e.cred.Secret == secret
		e.mu.Unlock()
		if match {
			return e
		}
	}
	return nil
}

func (p *Pool) alertPermanentDisable(ctx context.Context, provider string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(xerrors.CodeProviderCall)
	event := alerting.Event{
		Code:       xerrors.CodeProviderCall,
		Message:    "凭证被永久禁用，需要人工更换密钥",
		Severity:   attrs.Severity,
		Provider:   provider,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("provider", provider),
		)
	}
}

func (p *Pool) persist(ctx context.Context) {
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, p.Snapshot()); err != nil {
		logger.L().Error("持久化凭证状态失败", slog.Any("error", err))
	}
}
