package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	xerrors "github.com/Jboner-Corvus/AgenticForge-sub006/internal/errors"
)

// Envelope 是模型每轮应答的结构化外壳。command 与 answer 至少出现其一：
// command 提案一次工具调用，answer 表示任务完成并给出最终回答。
type Envelope struct {
	Thought string   `json:"thought,omitempty"`
	Command *Command `json:"command,omitempty"`
	Answer  string   `json:"answer,omitempty"`
}

// Command 是模型提案的工具调用。
type Command struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.+?)\\n```")

// extractJSON 剥离 markdown 代码围栏。模型经常把 JSON 包在 ```json 块里，
// 没有围栏时返回去除首尾空白的原文。
func extractJSON(raw string) string {
	if match := fencedJSON.FindStringSubmatch(raw); len(match) == 2 {
		return match[1]
	}
	return strings.TrimSpace(raw)
}

// ParseResponse 将模型的原始文本解析为 Envelope。
// 不是合法 JSON、或既无 command 也无 answer 时返回解析失败错误，
// 由循环插入一条格式纠正提示后重试。
func ParseResponse(raw string) (*Envelope, error) {
	text := extractJSON(raw)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeParseFailure, "模型返回了空响应")
	}

	var envelope Envelope
	decoder := json.NewDecoder(strings.NewReader(text))
	if err := decoder.Decode(&envelope); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParseFailure, err, "模型响应不是合法 JSON")
	}

	if envelope.Command != nil && strings.TrimSpace(envelope.Command.Name) == "" {
		return nil, xerrors.New(xerrors.CodeParseFailure, "command.name 不能为空")
	}
	if envelope.Command == nil && strings.TrimSpace(envelope.Answer) == "" {
		return nil, xerrors.New(xerrors.CodeParseFailure, "响应缺少 command 或 answer 字段")
	}
	return &envelope, nil
}
