package job

import (
	"context"
	stdErrors "errors"
	"testing"
)

func newStoredJob(t *testing.T, store Store, id string, maxRetries int) *Job {
	t.Helper()
	j := &Job{
		ID:         id,
		Task:       Task{Tool: "shell", Args: map[string]any{"command": "ls"}},
		State:      StateQueued,
		MaxRetries: maxRetries,
	}
	if err := store.Create(context.Background(), j); err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return j
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	newStoredJob(t, store, "job-1", 3)
	err := store.Create(context.Background(), &Job{ID: "job-1", State: StateQueued, MaxRetries: 3})
	if !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict, got %v", err)
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !stdErrors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	newStoredJob(t, store, "job-1", 2)

	claimed, err := store.Claim(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("领取任务失败: %v", err)
	}
	if claimed.State != StateRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job %+v", claimed)
	}

	// 运行中的任务不能被再次领取。
	if _, err := store.Claim(context.Background(), "job-1"); !stdErrors.Is(err, ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict, got %v", err)
	}

	// 非终态失败让任务回到排队状态，可再次领取。
	if err := store.MarkFailed(context.Background(), "job-1", "JOB_EXECUTION_FAILED", "boom", false); err != nil {
		t.Fatalf("标记失败状态出错: %v", err)
	}
	got, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.State != StateQueued || got.LastError != "boom" {
		t.Fatalf("unexpected job after retryable failure %+v", got)
	}

	claimed, err = store.Claim(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("重新领取任务失败: %v", err)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", claimed.Attempts)
	}

	if err := store.MarkCompleted(context.Background(), "job-1", "all good"); err != nil {
		t.Fatalf("标记成功状态出错: %v", err)
	}
	got, _ = store.Get(context.Background(), "job-1")
	if got.State != StateCompleted || got.Result != "all good" || got.LastError != "" {
		t.Fatalf("unexpected completed job %+v", got)
	}
}

func TestMemoryStoreClaimExhausted(t *testing.T) {
	store := NewMemoryStore()
	newStoredJob(t, store, "job-1", 1)

	if _, err := store.Claim(context.Background(), "job-1"); err != nil {
		t.Fatalf("领取任务失败: %v", err)
	}
	if err := store.MarkFailed(context.Background(), "job-1", "JOB_EXECUTION_FAILED", "boom", false); err != nil {
		t.Fatalf("标记失败状态出错: %v", err)
	}
	j, err := store.Claim(context.Background(), "job-1")
	if !stdErrors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected ErrJobExhausted, got %v", err)
	}
	if j == nil || j.ID != "job-1" {
		t.Fatalf("exhausted claim should return the job snapshot, got %+v", j)
	}
}

func TestMemoryStoreTerminalStatesAreFinal(t *testing.T) {
	store := NewMemoryStore()
	newStoredJob(t, store, "job-1", 3)

	if _, err := store.Claim(context.Background(), "job-1"); err != nil {
		t.Fatalf("领取任务失败: %v", err)
	}
	if err := store.MarkCancelled(context.Background(), "job-1", "user asked"); err != nil {
		t.Fatalf("标记取消状态出错: %v", err)
	}

	if err := store.MarkCompleted(context.Background(), "job-1", "late result"); !stdErrors.Is(err, ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished after cancel, got %v", err)
	}
	if err := store.MarkFailed(context.Background(), "job-1", "X", "late failure", true); !stdErrors.Is(err, ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished after cancel, got %v", err)
	}
	if _, err := store.Claim(context.Background(), "job-1"); !stdErrors.Is(err, ErrJobFinished) {
		t.Fatalf("expected ErrJobFinished after cancel, got %v", err)
	}

	got, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.State != StateCancelled || got.LastError != "user asked" {
		t.Fatalf("终态不应被覆盖: %+v", got)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	j := newStoredJob(t, store, "job-1", 3)
	j.Task.Args["command"] = "rm -rf /tmp/x"

	got, err := store.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if got.Task.Args["command"] != "ls" {
		t.Fatalf("store should hold its own copy of args, got %v", got.Task.Args)
	}
}
