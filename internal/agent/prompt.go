package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
)

// maxTurnContentLength 限制单条历史内容进入提示词的长度，避免提示词无限膨胀。
const maxTurnContentLength = 5000

const promptPreamble = `You are an autonomous agent. You accomplish the user's goal step by step
by reasoning and calling tools.

Respond with a single JSON object, optionally wrapped in a ` + "```json" + ` fence:
{
  "thought": "your reasoning for this step",
  "command": { "name": "tool_name", "params": { ... } }
}
To finish the task, omit "command" and provide the final answer instead:
{
  "thought": "why the task is done",
  "answer": "the final answer for the user"
}
Every response must contain either "command" or "answer". Never both empty.
Only call tools listed below, with parameters matching their schema.`

// BuildSystemPrompt 渲染系统提示词：固定前导加上可用工具的描述。
func BuildSystemPrompt(descriptors []tool.Descriptor) string {
	var builder strings.Builder
	builder.Grow(len(promptPreamble) + 256)
	builder.WriteString(promptPreamble)
	builder.WriteString("\n\n## Available Tools:\n")
	for _, desc := range descriptors {
		builder.WriteString(fmt.Sprintf("### %s\n", desc.Name))
		builder.WriteString(fmt.Sprintf("Description: %s\n", desc.Description))
		if len(desc.Schema) == 0 {
			builder.WriteString("Parameters: None\n")
		} else {
			schema, err := json.MarshalIndent(desc.Schema, "", "  ")
			if err != nil {
				builder.WriteString("Parameters: None\n")
			} else {
				builder.WriteString("Parameters (JSON Schema):\n")
				builder.Write(schema)
				builder.WriteString("\n")
			}
		}
		if desc.Detached {
			builder.WriteString("Runs in the background: the result arrives later as a job event.\n")
		}
		builder.WriteString("\n")
	}
	return builder.String()
}

// BuildMessages 将会话历史转换为模型消息序列。
func BuildMessages(s *session.Session) []llm.Message {
	messages := make([]llm.Message, 0, len(s.History))
	for _, turn := range s.History {
		switch turn.Kind {
		case session.TurnUserGoal:
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: truncate(turn.Text),
			})
		case session.TurnAssistantThought:
			content := turn.Text
			if turn.Action != nil {
				args, _ := json.Marshal(turn.Action.Args)
				content = fmt.Sprintf("Thought: %s\nTool Call: %s(%s)", turn.Text, turn.Action.Name, args)
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleAssistant,
				Content: truncate(content),
			})
		case session.TurnToolResult:
			content := fmt.Sprintf("Tool Result from %s: %s", turn.ToolName, turn.Payload)
			if turn.ErrorText != "" {
				content = fmt.Sprintf("Tool Error from %s: %s", turn.ToolName, turn.ErrorText)
			}
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: truncate(content),
			})
		case session.TurnSystemCorrection:
			messages = append(messages, llm.Message{
				Role:    llm.RoleUser,
				Content: truncate(turn.Text),
			})
		}
	}
	return messages
}

func truncate(content string) string {
	if len(content) <= maxTurnContentLength {
		return content
	}
	return content[:maxTurnContentLength] + "... (truncated)"
}
