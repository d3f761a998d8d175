package tool

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestShellToolCapturesOutput(t *testing.T) {
	shell := NewShellTool(t.TempDir())
	result, err := shell.Run(context.Background(), map[string]any{"command": "echo hello"}, &Context{})
	if err != nil {
		t.Fatalf("执行命令失败: %v", err)
	}
	if !strings.Contains(result, "exit_code: 0") || !strings.Contains(result, "hello") {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestShellToolNonZeroExitIsResult(t *testing.T) {
	shell := NewShellTool(t.TempDir())
	result, err := shell.Run(context.Background(), map[string]any{"command": "exit 3"}, &Context{})
	if err != nil {
		t.Fatalf("非零退出码应作为结果返回: %v", err)
	}
	if !strings.Contains(result, "exit_code: 3") {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestShellToolRejectsEmptyCommand(t *testing.T) {
	shell := NewShellTool("")
	if _, err := shell.Run(context.Background(), map[string]any{"command": "  "}, &Context{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestDetachedShellToolStreamsLines(t *testing.T) {
	detached := NewDetachedShellTool(t.TempDir())
	if !detached.Detached {
		t.Fatal("detached shell tool should be marked detached")
	}

	var mu sync.Mutex
	var lines []string
	tc := &Context{Progress: func(chunk string) {
		mu.Lock()
		lines = append(lines, chunk)
		mu.Unlock()
	}}

	result, err := detached.Run(context.Background(), map[string]any{"command": "echo one; echo two 1>&2"}, tc)
	if err != nil {
		t.Fatalf("执行命令失败: %v", err)
	}
	if !strings.Contains(result, "exit code 0") {
		t.Fatalf("unexpected result %q", result)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStdout, sawStderr bool
	for _, line := range lines {
		if line == "one" {
			sawStdout = true
		}
		if line == "[stderr] two" {
			sawStderr = true
		}
	}
	if !sawStdout || !sawStderr {
		t.Fatalf("missing streamed lines: %v", lines)
	}
}
