package agent

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/quietloop/planloop/errs"
	"github.com/quietloop/planloop/eventbus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func shLauncher(script string) Launcher {
	return func(ctx context.Context, req SpawnRequest) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		cmd.Dir = req.WorkingDirectory
		return cmd, nil
	}
}

// collector gathers every event of interest from a bus for assertions.
type collector struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *collector) subscribe(bus *eventbus.Bus) {
	bus.SubscribeAll(func(e eventbus.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
	})
}

func (c *collector) ofType(t eventbus.Type) []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []eventbus.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

// TestSpawnConcurrencyCap covers scenario S5.
func TestSpawnConcurrencyCap(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	m := New(bus, discardLogger(), 2, shLauncher("sleep 1"))

	dir := t.TempDir()
	if _, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T001", WorkingDirectory: dir}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T002", WorkingDirectory: dir}); err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	_, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T003", WorkingDirectory: dir})
	if err == nil {
		t.Fatal("expected third spawn to fail")
	}
	var concErr *errs.ConcurrencyError
	if !errors.As(err, &concErr) {
		t.Fatalf("expected ConcurrencyError, got %T: %v", err, err)
	}
	if concErr.Error() != "max concurrency" {
		t.Fatalf("expected message to contain 'max concurrency', got %q", concErr.Error())
	}

	m.StopAll()
}

// TestCompletionMarkerAdvancesToComplete covers the completion-marker
// classification path and property P6 (exactly one terminal event).
func TestCompletionMarkerAdvancesToComplete(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	c := &collector{}
	c.subscribe(bus)

	m := New(bus, discardLogger(), 2, shLauncher(`echo "=== TICKET T001 COMPLETE ==="`))
	id, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T001", WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		a, ok := m.Agent(id)
		return ok && a.Status == StatusComplete
	})

	completed := c.ofType(eventbus.TypeAgentCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected exactly one agent:completed, got %d", len(completed))
	}
	failed := c.ofType(eventbus.TypeAgentFailed)
	if len(failed) != 0 {
		t.Fatalf("expected no agent:failed, got %d", len(failed))
	}
}

// TestBlockedMarkerPublishesBlocked covers the blocked-marker path.
func TestBlockedMarkerPublishesBlocked(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	c := &collector{}
	c.subscribe(bus)

	m := New(bus, discardLogger(), 2, shLauncher(`echo "=== TICKET T001 BLOCKED: need credentials ==="`))
	id, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T001", WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(c.ofType(eventbus.TypeAgentBlocked)) == 1
	})

	blocked := c.ofType(eventbus.TypeAgentBlocked)
	if blocked[0].BlockReason != "need credentials" {
		t.Fatalf("expected reason 'need credentials', got %q", blocked[0].BlockReason)
	}
	_ = id
}

// TestNonZeroExitWithoutMarkerPublishesFailedWithCrash covers the exit
// handling rule for a crashing agent.
func TestNonZeroExitWithoutMarkerPublishesFailedWithCrash(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	c := &collector{}
	c.subscribe(bus)

	m := New(bus, discardLogger(), 2, shLauncher(`echo "oops"; exit 7`))
	_, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T001", WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(c.ofType(eventbus.TypeAgentFailed)) == 1
	})

	failed := c.ofType(eventbus.TypeAgentFailed)
	var crashErr *errs.AgentCrashError
	if !errors.As(failed[0].Err, &crashErr) {
		t.Fatalf("expected AgentCrashError, got %T", failed[0].Err)
	}
	if crashErr.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", crashErr.ExitCode)
	}

	malformed := c.ofType(eventbus.TypeLogEntry)
	if len(malformed) != 1 {
		t.Fatalf("expected one malformed-output log entry, got %d", len(malformed))
	}
}

// TestExitZeroWithoutMarkerIsFailure covers the committed Open Question
// decision: silent success without a completion marker is treated as
// failure.
func TestExitZeroWithoutMarkerIsFailure(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	c := &collector{}
	c.subscribe(bus)

	m := New(bus, discardLogger(), 2, shLauncher(`echo "all done"`))
	_, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T001", WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(c.ofType(eventbus.TypeAgentFailed)) == 1
	})
	failed := c.ofType(eventbus.TypeAgentFailed)
	if failed[0].Err == nil {
		t.Fatal("expected a descriptive error")
	}
}

// TestStopMarksFailedAndPublishesStopped exercises the stop contract.
func TestStopMarksFailedAndPublishesStopped(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	c := &collector{}
	c.subscribe(bus)

	m := New(bus, discardLogger(), 2, shLauncher("sleep 5"))
	id, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T001", WorkingDirectory: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	m.Stop(id)

	a, ok := m.Agent(id)
	if !ok || a.Status != StatusFailed {
		t.Fatalf("expected Failed status after stop, got %+v ok=%v", a, ok)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(c.ofType(eventbus.TypeAgentStopped)) == 1
	})
}

// TestStopUnknownIDIsNoop exercises the "unknown id, return quietly" rule.
func TestStopUnknownIDIsNoop(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	m := New(bus, discardLogger(), 2, shLauncher("true"))
	m.Stop("does-not-exist") // must not panic
}

// TestLiveCountNeverExceedsMax is a direct check of property P5.
func TestLiveCountNeverExceedsMax(t *testing.T) {
	bus := eventbus.New(discardLogger(), 100)
	m := New(bus, discardLogger(), 3, shLauncher("sleep 1"))

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if _, err := m.Spawn(context.Background(), SpawnRequest{TicketID: "T00" + string(rune('1'+i)), WorkingDirectory: dir}); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	if m.LiveCount() > 3 {
		t.Fatalf("expected LiveCount <= 3, got %d", m.LiveCount())
	}
	m.StopAll()
}
