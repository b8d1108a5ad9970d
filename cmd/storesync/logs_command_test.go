package main

import (
	"os"
	"testing"
)

func TestLogsShowsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "logs")
	if err != nil {
		t.Fatalf("logs without file: %v", err)
	}
	requireContains(t, out, "No log output")

	if err := os.MkdirAll(env.cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	if err := os.WriteFile(env.cfg.CurrentLogPath(), []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	out, err = env.run(t, "logs", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "second\nthird\n" {
		t.Fatalf("unexpected logs output %q", out)
	}
}
