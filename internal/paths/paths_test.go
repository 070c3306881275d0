package paths_test

import (
	"strings"
	"testing"

	"github.com/throw-if-null/metacrit/internal/paths"
)

func TestValidateTaskIDGood(t *testing.T) {
	good := []string{"task-1", "a", "A0._-", "advbench-0042"}
	for _, s := range good {
		if err := paths.ValidateTaskID(s); err != nil {
			t.Fatalf("expected valid for %q, got %v", s, err)
		}
	}
}

func TestValidateTaskIDBad(t *testing.T) {
	bad := []string{"", "a/b", "a\\b", "../x", "..\\x", "/abs", "C:\\x", "a b", "toolongtoolongtoolongtoolongtoolongtoolongtoolongtoolongtoolong"}
	for _, s := range bad {
		if err := paths.ValidateTaskID(s); err == nil {
			t.Fatalf("expected invalid for %q", s)
		}
	}
}

func TestTranscriptDir(t *testing.T) {
	d, err := paths.TranscriptDir("task-1")
	if err != nil {
		t.Fatalf("transcript dir: %v", err)
	}
	if !strings.HasPrefix(d, ".metacrit/") {
		t.Fatalf("unexpected dir: %q", d)
	}
	if _, err := paths.TranscriptDir("../evil"); err == nil {
		t.Fatalf("expected error for traversal id")
	}
}

func TestSafeJoin(t *testing.T) {
	if _, err := paths.SafeJoin("", "x"); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := paths.SafeJoin("/tmp/root", "/abs"); err == nil {
		t.Fatalf("expected error for absolute rel")
	}
	if _, err := paths.SafeJoin("/tmp/root", "../escape"); err == nil {
		t.Fatalf("expected error for escaping rel")
	}
	got, err := paths.SafeJoin("/tmp/root", "a/b")
	if err != nil {
		t.Fatalf("safe join: %v", err)
	}
	if !strings.HasSuffix(got, "/root/a/b") {
		t.Fatalf("unexpected join result: %q", got)
	}
}
