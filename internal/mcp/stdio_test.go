package mcp

import (
	"context"
	"strings"
	"testing"
	"time"
)

func startStdio(t *testing.T, cfg StdioConfig) *StdioTransport {
	t.Helper()
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 200 * time.Millisecond
	}
	if cfg.TermTimeout == 0 {
		cfg.TermTimeout = 200 * time.Millisecond
	}
	tr := NewStdioTransport(cfg)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func recvMessage(t *testing.T, tr *StdioTransport) []byte {
	t.Helper()
	select {
	case msg, ok := <-tr.Messages():
		if !ok {
			t.Fatal("message channel closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func waitClosed(t *testing.T, tr *StdioTransport) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-tr.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for message channel to close")
		}
	}
}

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	tr := startStdio(t, StdioConfig{Command: "cat"})

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := tr.Send(context.Background(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recvMessage(t, tr)
	if string(got) != string(payload) {
		t.Errorf("got %s, want %s", got, payload)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := tr.Err(); err != nil {
		t.Errorf("err after orderly shutdown = %v, want nil", err)
	}
}

func TestStdioTransport_MalformedLinesDropped(t *testing.T) {
	tr := startStdio(t, StdioConfig{
		Command: "sh",
		Args:    []string{"-c", `echo 'this is not json'; echo '{"jsonrpc":"2.0","method":"ok"}'`},
	})

	got := recvMessage(t, tr)
	if !strings.Contains(string(got), `"ok"`) {
		t.Errorf("first delivered message = %s, want the valid envelope", got)
	}
	waitClosed(t, tr)
}

func TestStdioTransport_EnvOverridesReachChild(t *testing.T) {
	tr := startStdio(t, StdioConfig{
		Command: "sh",
		Args:    []string{"-c", `echo "{\"jsonrpc\":\"2.0\",\"method\":\"env\",\"params\":{\"v\":\"$MCP_TEST_VALUE\"}}"`},
		Env:     map[string]string{"MCP_TEST_VALUE": "sentinel-7"},
	})

	got := recvMessage(t, tr)
	if !strings.Contains(string(got), "sentinel-7") {
		t.Errorf("message = %s, want env value included", got)
	}
}

func TestStdioTransport_GracefulShutdownOnStdinClose(t *testing.T) {
	tr := startStdio(t, StdioConfig{Command: "cat", GracefulTimeout: 5 * time.Second})

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// cat exits on stdin EOF, well before the graceful timeout.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("close took %v, expected prompt exit on stdin close", elapsed)
	}
	if err := tr.Err(); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestStdioTransport_EscalatesToSigterm(t *testing.T) {
	// The child never reads stdin, so closing it changes nothing; SIGTERM
	// (default disposition) kills it.
	tr := startStdio(t, StdioConfig{
		Command:         "sh",
		Args:            []string{"-c", "while true; do sleep 0.1; done"},
		GracefulTimeout: 100 * time.Millisecond,
		TermTimeout:     5 * time.Second,
	})

	start := time.Now()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		t.Errorf("close returned in %v, before the graceful stage elapsed", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("close took %v, SIGTERM should have ended the child", elapsed)
	}
}

func TestStdioTransport_EscalatesToSigkill(t *testing.T) {
	// The child ignores both stdin close and SIGTERM; only SIGKILL ends it.
	tr := startStdio(t, StdioConfig{
		Command:         "sh",
		Args:            []string{"-c", `trap "" TERM; while true; do sleep 0.1; done`},
		GracefulTimeout: 100 * time.Millisecond,
		TermTimeout:     100 * time.Millisecond,
	})

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, tr)
}

func TestStdioTransport_ChildCrashRecordsError(t *testing.T) {
	tr := startStdio(t, StdioConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})

	waitClosed(t, tr)
	err := tr.Err()
	if err == nil {
		t.Fatal("expected terminal error after child crash")
	}
	if !strings.Contains(err.Error(), "process exited") {
		t.Errorf("err = %v, want process exit recorded", err)
	}
}

func TestStdioTransport_SendAfterCloseFails(t *testing.T) {
	tr := startStdio(t, StdioConfig{Command: "cat"})
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"x"}`)); err == nil {
		t.Error("expected send after close to fail")
	}
}

func TestStdioTransport_StderrTail(t *testing.T) {
	tr := startStdio(t, StdioConfig{
		Command: "sh",
		Args:    []string{"-c", "echo boot failure detail >&2; cat"},
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		lines := tr.StderrTail()
		if len(lines) > 0 {
			if !strings.Contains(lines[0], "boot failure detail") {
				t.Errorf("stderr tail = %q, want diagnostic line", lines[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for stderr capture")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStdioTransport_StartTwiceFails(t *testing.T) {
	tr := startStdio(t, StdioConfig{Command: "cat"})
	if err := tr.Start(context.Background()); err == nil {
		t.Error("expected second start to fail")
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("MCPD_EXISTING", "old")

	env := buildEnv(map[string]string{
		"MCPD_EXISTING": "new",
		"MCPD_FRESH":    "added",
	})

	var existing, fresh string
	for _, e := range env {
		if strings.HasPrefix(e, "MCPD_EXISTING=") {
			existing = e
		}
		if strings.HasPrefix(e, "MCPD_FRESH=") {
			fresh = e
		}
	}
	if existing != "MCPD_EXISTING=new" {
		t.Errorf("override = %q, want MCPD_EXISTING=new", existing)
	}
	if fresh != "MCPD_FRESH=added" {
		t.Errorf("addition = %q, want MCPD_FRESH=added", fresh)
	}
}

func TestStderrRing_Bounds(t *testing.T) {
	ring := newStderrRing(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		ring.Append(line)
	}
	got := ring.Lines()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0] != "c" || got[2] != "e" {
		t.Errorf("lines = %v, want oldest dropped", got)
	}
}
