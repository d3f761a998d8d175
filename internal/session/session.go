package session

import (
	"time"

	"github.com/google/uuid"
)

// TurnKind 区分会话历史中的条目类型。
type TurnKind string

const (
	// TurnUserGoal 是用户提交的任务目标。
	TurnUserGoal TurnKind = "user_goal"
	// TurnAssistantThought 是模型的推理与下一步动作提案。
	TurnAssistantThought TurnKind = "assistant_thought"
	// TurnToolResult 是一次工具执行的结果或错误文本。
	TurnToolResult TurnKind = "tool_result"
	// TurnSystemCorrection 是解析失败后插入的格式纠正提示。
	TurnSystemCorrection TurnKind = "system_correction"
)

// Action 描述模型提案的工具调用。
type Action struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Turn 是会话历史中的一条不可变记录，创建后不再修改。
type Turn struct {
	ID        string   `json:"id"`
	Kind      TurnKind `json:"kind"`
	Text      string   `json:"text,omitempty"`
	Action    *Action  `json:"action,omitempty"`
	ToolName  string   `json:"tool_name,omitempty"`
	Payload   string   `json:"payload,omitempty"`
	ErrorText string   `json:"error_text,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// Session 聚合一次对话的全部状态，由驱动它的循环实例独占。
type Session struct {
	ID                string   `json:"id"`
	History           []Turn   `json:"history"`
	ProviderHierarchy []string `json:"provider_hierarchy"`
	CreatedAt         int64    `json:"created_at"`
	LastActivityAt    int64    `json:"last_activity_at"`
}

// New 创建一个空会话。
func New(id string, providerHierarchy []string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().Unix()
	return &Session{
		ID:                id,
		ProviderHierarchy: append([]string(nil), providerHierarchy...),
		CreatedAt:         now,
		LastActivityAt:    now,
	}
}

// Append 将一条记录追加到历史末尾并刷新活跃时间。
func (s *Session) Append(turn Turn) {
	s.History = append(s.History, turn)
	s.LastActivityAt = time.Now().Unix()
}

// Clone 返回会话的深拷贝，供存储层避免共享底层切片。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.History = make([]Turn, len(s.History))
	copy(clone.History, s.History)
	clone.ProviderHierarchy = append([]string(nil), s.ProviderHierarchy...)
	return &clone
}

// NewUserGoal 构造用户目标条目。
func NewUserGoal(text string) Turn {
	return newTurn(TurnUserGoal, text)
}

// NewThought 构造模型推理条目，action 可为空（纯思考）。
func NewThought(text string, action *Action) Turn {
	turn := newTurn(TurnAssistantThought, text)
	turn.Action = action
	return turn
}

// NewToolResult 构造一条成功的工具结果。
func NewToolResult(toolName, payload string) Turn {
	turn := newTurn(TurnToolResult, "")
	turn.ToolName = toolName
	turn.Payload = payload
	return turn
}

// NewToolError 构造一条失败的工具结果，错误以数据形式进入历史。
func NewToolError(toolName, errorText string) Turn {
	turn := newTurn(TurnToolResult, "")
	turn.ToolName = toolName
	turn.ErrorText = errorText
	return turn
}

// NewCorrection 构造格式纠正条目。
func NewCorrection(text string) Turn {
	return newTurn(TurnSystemCorrection, text)
}

func newTurn(kind TurnKind, text string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now().Unix(),
	}
}
