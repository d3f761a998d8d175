package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
)

// Registry 维护工具名称到定义的映射，并在派发前完成参数校验。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册一个工具。名称唯一性在注册时强制。
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if t.Run == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具执行函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	t.Name = name
	r.tools[name] = t
	return nil
}

// Get 返回指定名称的工具定义。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Descriptors 返回按名称排序的工具摘要，供提示词渲染。
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
			Detached:    t.Detached,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate 校验工具名称与参数。未知工具与 schema 违例均以错误返回，
// 调用方应将其作为数据写回历史而非中断循环。
func (r *Registry) Validate(name string, args map[string]any) (map[string]any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知工具: %s", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	for field, def := range t.Schema {
		value, present := args[field]
		if !present {
			if def.Required {
				return nil, xerrors.New(xerrors.CodeSchemaViolation,
					fmt.Sprintf("工具 %s 缺少必填参数 %s", name, field))
			}
			continue
		}
		if !matchesKind(value, def.Type) {
			return nil, xerrors.New(xerrors.CodeSchemaViolation,
				fmt.Sprintf("工具 %s 的参数 %s 应为 %s", name, field, def.Type))
		}
	}

	for field := range args {
		if _, declared := t.Schema[field]; !declared {
			return nil, xerrors.New(xerrors.CodeSchemaViolation,
				fmt.Sprintf("工具 %s 不接受参数 %s", name, field))
		}
	}

	return args, nil
}

// Execute 行内执行一个工具，受单工具超时约束。
// 执行失败以错误返回，由调用方折叠为历史数据。
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tc *Context) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知工具: %s", name))
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	result, err := t.Run(runCtx, args, tc)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("工具 %s 执行超时", name))
		}
		return "", xerrors.Wrap(xerrors.CodeToolExecution, err, fmt.Sprintf("工具 %s 执行失败", name))
	}
	return result, nil
}

// WithDefaultTimeout 为未显式配置超时的工具批量设置默认值。
func (r *Registry) WithDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.tools {
		if t.Timeout == 0 {
			t.Timeout = d
			r.tools[name] = t
		}
	}
}

func matchesKind(value any, kind string) bool {
	switch kind {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		// 未声明类型时不做约束。
		return true
	}
}
