package agent

import (
	"strings"
	"testing"

	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/llm"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/session"
	"github.com/Jboner-Corvus/AgenticForge-sub006/internal/tool"
)

func TestBuildSystemPromptListsTools(t *testing.T) {
	prompt := BuildSystemPrompt([]tool.Descriptor{
		{
			Name:        "run_shell_command",
			Description: "Executes a shell command.",
			Schema: tool.Schema{
				"command": {Type: "string", Required: true},
			},
		},
		{
			Name:        "long_task",
			Description: "Runs in the background.",
			Detached:    true,
		},
	})

	for _, want := range []string{
		"### run_shell_command",
		"Executes a shell command.",
		"Parameters (JSON Schema):",
		"### long_task",
		"Runs in the background: the result arrives later as a job event.",
		`"command" or "answer"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	// 无参数的工具应明确标注。
	if !strings.Contains(prompt, "Parameters: None") {
		t.Fatalf("prompt should mark tools without parameters:\n%s", prompt)
	}
}

func TestBuildMessagesMapsTurns(t *testing.T) {
	sess := session.New("sess-1", nil)
	sess.Append(session.NewUserGoal("list files"))
	sess.Append(session.NewThought("run ls", &session.Action{Name: "run_shell_command", Args: map[string]any{"command": "ls"}}))
	sess.Append(session.NewToolResult("run_shell_command", "exit_code: 0"))
	sess.Append(session.NewToolError("run_shell_command", "command not found"))
	sess.Append(session.NewCorrection("respond with JSON"))

	messages := BuildMessages(sess)
	if len(messages) != 5 {
		t.Fatalf("unexpected message count %d", len(messages))
	}

	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleUser, llm.RoleUser}
	for i, want := range wantRoles {
		if messages[i].Role != want {
			t.Fatalf("message %d: role %q, want %q", i, messages[i].Role, want)
		}
	}
	if !strings.Contains(messages[1].Content, "Tool Call: run_shell_command(") {
		t.Fatalf("assistant turn should render the tool call: %q", messages[1].Content)
	}
	if !strings.Contains(messages[2].Content, "Tool Result from run_shell_command") {
		t.Fatalf("unexpected tool result rendering: %q", messages[2].Content)
	}
	if !strings.Contains(messages[3].Content, "Tool Error from run_shell_command") {
		t.Fatalf("unexpected tool error rendering: %q", messages[3].Content)
	}
}

func TestBuildMessagesTruncatesLongContent(t *testing.T) {
	sess := session.New("sess-1", nil)
	sess.Append(session.NewToolResult("run_shell_command", strings.Repeat("x", maxTurnContentLength*2)))

	messages := BuildMessages(sess)
	if len(messages) != 1 {
		t.Fatalf("unexpected message count %d", len(messages))
	}
	if !strings.HasSuffix(messages[0].Content, "... (truncated)") {
		t.Fatal("long content should be truncated")
	}
	if len(messages[0].Content) > maxTurnContentLength+len("... (truncated)")+64 {
		t.Fatalf("truncated content still too long: %d bytes", len(messages[0].Content))
	}
}
