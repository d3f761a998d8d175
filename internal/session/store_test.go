package session

import (
	"context"
	stdErrors "errors"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	sess := New("sess-1", []string{"openai", "deepseek"})
	sess.Append(NewUserGoal("list the files"))
	sess.Append(NewThought("I should run ls", &Action{Name: "run_shell_command", Args: map[string]any{"command": "ls"}}))
	sess.Append(NewToolResult("run_shell_command", "exit_code: 0"))

	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatalf("保存会话失败: %v", err)
	}

	loaded, err := store.Load(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if len(loaded.History) != 3 {
		t.Fatalf("unexpected history length %d", len(loaded.History))
	}
	if loaded.History[0].Kind != TurnUserGoal || loaded.History[0].Text != "list the files" {
		t.Fatalf("unexpected first turn %+v", loaded.History[0])
	}
	if loaded.History[1].Action == nil || loaded.History[1].Action.Name != "run_shell_command" {
		t.Fatalf("unexpected action %+v", loaded.History[1].Action)
	}
	if got := loaded.ProviderHierarchy; len(got) != 2 || got[0] != "openai" {
		t.Fatalf("unexpected hierarchy %v", got)
	}
}

func TestMemoryStoreLoadNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Load(context.Background(), "missing"); !stdErrors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStoreSaveRejectsEmpty(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil session")
	}
	if err := store.Save(context.Background(), &Session{}); err == nil {
		t.Fatal("expected error for session without id")
	}
}

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	store := NewMemoryStore()
	sess := New("sess-1", nil)
	sess.Append(NewUserGoal("goal"))
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatalf("保存会话失败: %v", err)
	}

	// 继续修改原对象不应影响已保存的副本。
	sess.Append(NewUserGoal("another goal"))
	loaded, err := store.Load(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("读取会话失败: %v", err)
	}
	if len(loaded.History) != 1 {
		t.Fatalf("store should hold an isolated copy, got %d turns", len(loaded.History))
	}
}

func TestNewSessionGeneratesID(t *testing.T) {
	sess := New("", nil)
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}
	if sess.CreatedAt == 0 || sess.LastActivityAt == 0 {
		t.Fatalf("timestamps should be set: %+v", sess)
	}
}
