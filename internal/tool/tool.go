package tool

import (
	"context"
	"log/slog"
	"time"
)

// Field 描述工具入参 schema 中的一个字段。
type Field struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Schema 是字段名到字段定义的映射，注册时声明，派发前校验。
type Schema map[string]Field

// Context 携带工具执行所需的环境：会话、日志与进度回调。
type Context struct {
	SessionID string
	JobID     string
	Logger    *slog.Logger
	// Progress 在流式执行时接收增量输出，可为空。
	Progress func(chunk string)
}

// RunFunc 是工具的执行函数：校验后的参数进，结果或错误出。
type RunFunc func(ctx context.Context, args map[string]any, tc *Context) (string, error)

// Tool 将名称、描述、入参 schema 与执行函数绑定为一个能力。
// Detached 为真的工具不在循环内执行，而是交给任务桥后台运行。
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	Detached    bool
	Timeout     time.Duration
	Run         RunFunc
}

// Descriptor 是提供给模型提示词的工具摘要。
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
	Detached    bool   `json:"detached,omitempty"`
}
