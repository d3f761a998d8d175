package tool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// NewShellTool 构造行内 shell 工具：同步执行命令并捕获输出。
func NewShellTool(workDir string) Tool {
	return Tool{
		Name:        "run_shell_command",
		Description: "Executes a shell command and returns its stdout, stderr and exit code.",
		Schema: Schema{
			"command": {Type: "string", Description: "The shell command to execute.", Required: true},
		},
		Run: func(ctx context.Context, args map[string]any, tc *Context) (string, error) {
			command, _ := args["command"].(string)
			return runShell(ctx, workDir, command)
		},
	}
}

// NewDetachedShellTool 构造后台 shell 工具。循环不会直接执行它，
// 而是交给任务桥排队；Run 由后台执行器调用并通过 Progress 流式输出。
func NewDetachedShellTool(workDir string) Tool {
	return Tool{
		Name:        "run_shell_command_detached",
		Description: "Enqueues a long-running shell command for background execution; output is streamed on the job channel.",
		Schema: Schema{
			"command": {Type: "string", Description: "The shell command to execute in the background.", Required: true},
		},
		Detached: true,
		Run: func(ctx context.Context, args map[string]any, tc *Context) (string, error) {
			command, _ := args["command"].(string)
			return streamShell(ctx, workDir, command, tc)
		},
	}
}

// runShell 同步执行命令并汇总输出。命令失败时退出码也属于结果，
// 只有无法启动进程才算执行错误。
func runShell(ctx context.Context, workDir, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("命令不能为空")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("启动命令失败: %w", err)
		}
	}

	return fmt.Sprintf("exit_code: %d\nstdout:\n%s\nstderr:\n%s",
		exitCode, stdout.String(), stderr.String()), nil
}

// streamShell 执行命令并把 stdout/stderr 逐行推送给 Progress 回调。
func streamShell(ctx context.Context, workDir, command string, tc *Context) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("命令不能为空")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("获取 stdout 管道失败: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("获取 stderr 管道失败: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("启动命令失败: %w", err)
	}

	progress := func(string) {}
	if tc != nil && tc.Progress != nil {
		progress = tc.Progress
	}

	var wg sync.WaitGroup
	stream := func(prefix string, r *bufio.Scanner) {
		defer wg.Done()
		for r.Scan() {
			progress(prefix + r.Text())
		}
	}
	wg.Add(2)
	go stream("", bufio.NewScanner(stdout))
	go stream("[stderr] ", bufio.NewScanner(stderr))
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("等待命令结束失败: %w", err)
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	return fmt.Sprintf("command finished with exit code %d", exitCode), nil
}
