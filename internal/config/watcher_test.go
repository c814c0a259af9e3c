package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/voxdesk/internal/config"
)

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := filepath.Join(homeDir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("actions: {}\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(policyPath, []byte("actions: {get-calls: [admin]}\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	select {
	case ev := <-w.Events():
		if !ev.IsPolicy() {
			t.Fatalf("expected policy.yaml event, got %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for policy.yaml change event")
	}
}

func TestWatcher_ContinuousWritesStillReported(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := filepath.Join(homeDir, "policy.yaml")
	w := config.NewWatcher(homeDir, nil)
	w.Settle = 300 * time.Millisecond
	w.MaxWait = 500 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Writes arrive faster than Settle, so only MaxWait can release them.
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if !ev.IsPolicy() {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			if err := os.WriteFile(policyPath, []byte("actions: {}\n"), 0o644); err != nil {
				t.Fatalf("write policy: %v", err)
			}
		case <-deadline:
			t.Fatal("change held back while writes continued")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(homeDir, "voxdesk.db-wal"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	configPath := filepath.Join(homeDir, "config.yaml")
	w := config.NewWatcher(homeDir, nil)
	w.Settle = 300 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(configPath, []byte("bind_addr: 127.0.0.1:1879"+string(rune('0'+i))+"\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case ev := <-w.Events():
		if ev.IsPolicy() || filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml change event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(600 * time.Millisecond):
	}
}
