package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kvstress/internal/client"
	"kvstress/internal/control"
	"kvstress/internal/scenario"
)

// startEngine は hold モードのシナリオをバックグラウンドで実行する
func startEngine(t *testing.T) *scenario.Engine {
	t.Helper()

	config := scenario.QuickScenario()
	config.Duration = 0
	config.Hold = true
	config.Workers = 2
	config.Preload = 100
	config.Seed = 5

	engine := scenario.New(config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := engine.Run(ctx); err != nil {
			t.Errorf("Run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := engine.ClientHandle(); h != "" {
			if c, err := engine.Registry().Client(h); err == nil && c.IsRunning() {
				return engine
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scenario did not start")
	return nil
}

func exec(t *testing.T, c *Console, line string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	quit, err := c.Exec(&buf, line)
	if quit {
		t.Fatalf("%q unexpectedly quit", line)
	}
	return buf.String(), err
}

func TestExecIdle(t *testing.T) {
	c := New(DefaultConfig(), scenario.New(scenario.QuickScenario()))

	out, err := exec(t, c, "help")
	if err != nil {
		t.Fatalf("help failed: %v", err)
	}
	for _, name := range []string{"status", "ops", "poll", "reset", "start", "stop", "quit"} {
		if !strings.Contains(out, name) {
			t.Errorf("help does not mention %s", name)
		}
	}

	out, err = exec(t, c, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "quick") || !strings.Contains(out, "false") {
		t.Errorf("status = %q", out)
	}

	if out, _ := exec(t, c, "ops"); !strings.Contains(out, "no ops") {
		t.Errorf("ops = %q, want no ops", out)
	}
	if _, err := exec(t, c, "start"); !errors.Is(err, ErrNoScenario) {
		t.Errorf("start = %v, want ErrNoScenario", err)
	}
	if _, err := exec(t, c, "stop"); !errors.Is(err, ErrNoScenario) {
		t.Errorf("stop = %v, want ErrNoScenario", err)
	}
}

func TestExecParsing(t *testing.T) {
	c := New(Config{}, scenario.New(scenario.QuickScenario()))

	if out, err := exec(t, c, "   "); err != nil || out != "" {
		t.Errorf("blank line = %q, %v", out, err)
	}
	if _, err := exec(t, c, "flush"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("flush = %v, want ErrUnknownCommand", err)
	}
	if _, err := exec(t, c, "poll"); !errors.Is(err, ErrUsage) {
		t.Errorf("poll without op = %v, want ErrUsage", err)
	}
	if _, err := exec(t, c, "reset 1 2"); !errors.Is(err, ErrUsage) {
		t.Errorf("reset with two args = %v, want ErrUsage", err)
	}
	if _, err := exec(t, c, "poll 1"); !errors.Is(err, control.ErrUnknownHandle) {
		t.Errorf("poll 1 without ops = %v, want ErrUnknownHandle", err)
	}

	for _, line := range []string{"quit", "exit", "QUIT"} {
		quit, err := c.Exec(&bytes.Buffer{}, line)
		if err != nil || !quit {
			t.Errorf("%q = %v, %v, want quit", line, quit, err)
		}
	}

	if c.config.Prompt != DefaultConfig().Prompt {
		t.Errorf("empty prompt should default, got %q", c.config.Prompt)
	}
}

func TestExecOpsAndPoll(t *testing.T) {
	engine := startEngine(t)
	c := New(DefaultConfig(), engine)

	out, err := exec(t, c, "ops")
	if err != nil {
		t.Fatalf("ops failed: %v", err)
	}
	handles := engine.OpHandles()
	if got := strings.Count(out, "\n"); got != len(handles) {
		t.Errorf("ops lines = %d, want %d", got, len(handles))
	}
	if !strings.Contains(out, string(handles[0])) {
		t.Errorf("ops does not list %s", handles[0])
	}

	time.Sleep(50 * time.Millisecond)

	out, err = exec(t, c, "poll 1 3")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if !strings.Contains(out, "queries=") || !strings.Contains(out, "p99=") {
		t.Errorf("poll = %q", out)
	}

	if _, err := exec(t, c, "poll "+string(handles[0])+" reset"); err != nil {
		t.Errorf("poll by handle with reset failed: %v", err)
	}
	if out, err := exec(t, c, "reset 1"); err != nil || !strings.Contains(out, "reset") {
		t.Errorf("reset = %q, %v", out, err)
	}

	if _, err := exec(t, c, "poll 1 -2"); !errors.Is(err, ErrUsage) {
		t.Errorf("negative samples = %v, want ErrUsage", err)
	}
	if _, err := exec(t, c, "poll 99"); !errors.Is(err, control.ErrUnknownHandle) {
		t.Errorf("poll 99 = %v, want ErrUnknownHandle", err)
	}
	if _, err := exec(t, c, "poll "+string(engine.ClientHandle())); !errors.Is(err, control.ErrWrongKind) {
		t.Errorf("poll client handle = %v, want ErrWrongKind", err)
	}
}

func TestExecPollLockedOp(t *testing.T) {
	engine := startEngine(t)
	c := New(DefaultConfig(), engine)

	h := engine.OpHandles()[0]
	if err := engine.Registry().LockOp(h); err != nil {
		t.Fatalf("LockOp failed: %v", err)
	}
	defer engine.Registry().UnlockOp(h)

	if _, err := exec(t, c, "poll 1"); !errors.Is(err, control.ErrAlreadyLocked) {
		t.Errorf("poll locked op = %v, want ErrAlreadyLocked", err)
	}
}

func TestExecStartStop(t *testing.T) {
	engine := startEngine(t)
	c := New(DefaultConfig(), engine)

	if out, err := exec(t, c, "stop"); err != nil || !strings.Contains(out, "stopped") {
		t.Fatalf("stop = %q, %v", out, err)
	}
	if _, err := exec(t, c, "stop"); !errors.Is(err, client.ErrNotRunning) {
		t.Errorf("second stop = %v, want ErrNotRunning", err)
	}

	out, err := exec(t, c, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "stopped") {
		t.Errorf("status after stop = %q", out)
	}

	if out, err := exec(t, c, "start"); err != nil || !strings.Contains(out, "started") {
		t.Fatalf("start = %q, %v", out, err)
	}
	if _, err := exec(t, c, "start"); !errors.Is(err, client.ErrAlreadyRunning) {
		t.Errorf("second start = %v, want ErrAlreadyRunning", err)
	}
}
