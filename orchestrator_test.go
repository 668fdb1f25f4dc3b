package planloop

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quietloop/planloop/agent"
	"github.com/quietloop/planloop/eventbus"
	"github.com/quietloop/planloop/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeWorktreeAllocator hands out a fresh temp directory per ticket.
type fakeWorktreeAllocator struct {
	mu   sync.Mutex
	dirs map[string]string
}

func newFakeWorktreeAllocator() *fakeWorktreeAllocator {
	return &fakeWorktreeAllocator{dirs: make(map[string]string)}
}

func (a *fakeWorktreeAllocator) Allocate(ticketID, epic string) (string, error) {
	dir, err := os.MkdirTemp("", "planloop-wt-"+ticketID+"-")
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.dirs[ticketID] = dir
	a.mu.Unlock()
	return dir, nil
}

func (a *fakeWorktreeAllocator) Release(ticketID string) error {
	a.mu.Lock()
	dir := a.dirs[ticketID]
	delete(a.dirs, ticketID)
	a.mu.Unlock()
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
	return nil
}

func shLauncher(script string) agent.Launcher {
	return func(ctx context.Context, req agent.SpawnRequest) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", script)
		cmd.Dir = req.WorkingDirectory
		return cmd, nil
	}
}

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "PLAN.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}
	return path
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

const linearChainPlan = `## 1. Overview

A small plan.

### Ticket: T001 First ticket
- **Priority:** P1
- **Status:** Todo
- **Validation Steps:**
  - ` + "`echo pass`" + `

### Ticket: T002 Second ticket
- **Priority:** P1
- **Status:** Todo
- **Dependencies:** T001
`

// TestStartAndAssignLinearChain covers scenario S1 end-to-end.
func TestStartAndAssignLinearChain(t *testing.T) {
	planPath := writePlan(t, linearChainPlan)
	bus := eventbus.New(discardLogger(), 100)

	cfg := DefaultConfig()
	cfg.PlanFile = planPath
	cfg.MaxAgents = 2

	wt := newFakeWorktreeAllocator()
	launch := shLauncher(`echo "=== TICKET T001 COMPLETE ==="`)
	o := New(cfg, bus, discardLogger(), wt, launch, nil)

	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	ready := o.GetReadyTickets()
	if len(ready) != 1 || ready[0].ID != "T001" {
		t.Fatalf("expected [T001] ready, got %v", ready)
	}
	blocked := o.GetBlockedBy("T002")
	if len(blocked) != 1 || blocked[0] != "T001" {
		t.Fatalf("expected T002 blocked by T001, got %v", blocked)
	}

	agentID, err := o.AssignTicket("T001")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if agentID == "" {
		t.Fatal("expected a non-empty agent id")
	}

	ticket := o.store.Ticket("T001")
	if ticket.Status != pipeline.StatusInProgress {
		t.Fatalf("expected InProgress immediately after assignment, got %s", ticket.Status)
	}

	content, err := os.ReadFile(planPath)
	if err != nil {
		t.Fatalf("reading plan: %v", err)
	}
	if !strings.Contains(string(content), "- **Status:** In Progress") {
		t.Fatal("expected the plan file to reflect In Progress")
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return o.store.Ticket("T001").Status == pipeline.StatusDone
	})

	readyAfter := o.GetReadyTickets()
	if len(readyAfter) != 1 || readyAfter[0].ID != "T002" {
		t.Fatalf("expected [T002] ready after T001 done, got %v", readyAfter)
	}
}

// TestValidationFailureMarksFailed covers scenario S4.
func TestValidationFailureMarksFailed(t *testing.T) {
	planContent := `## 1. Overview

Single ticket.

### Ticket: T001 Broken ticket
- **Priority:** P1
- **Status:** Todo
- **Validation Steps:**
  - ` + "`exit 1`" + `
`
	planPath := writePlan(t, planContent)
	bus := eventbus.New(discardLogger(), 100)

	cfg := DefaultConfig()
	cfg.PlanFile = planPath

	wt := newFakeWorktreeAllocator()
	launch := shLauncher(`echo "=== TICKET T001 COMPLETE ==="`)
	o := New(cfg, bus, discardLogger(), wt, launch, nil)

	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	if _, err := o.AssignTicket("T001"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return o.store.Ticket("T001").Status == pipeline.StatusFailed
	})

	ticket := o.store.Ticket("T001")
	if ticket.Notes == "" {
		t.Fatal("expected feedback notes mentioning the failing command")
	}
	if !strings.Contains(ticket.Notes, "exit 1") {
		t.Fatalf("expected feedback to mention the failing command, got %q", ticket.Notes)
	}
}

// TestStartRefusesOnCycle covers scenario S6.
func TestStartRefusesOnCycle(t *testing.T) {
	planContent := `## 1. Overview

Circular plan.

### Ticket: T001 First
- **Priority:** P1
- **Status:** Todo
- **Dependencies:** T002

### Ticket: T002 Second
- **Priority:** P1
- **Status:** Todo
- **Dependencies:** T001
`
	planPath := writePlan(t, planContent)
	bus := eventbus.New(discardLogger(), 100)

	var planErrors []eventbus.Event
	bus.Subscribe(eventbus.TypePlanError, func(e eventbus.Event) {
		planErrors = append(planErrors, e)
	})

	cfg := DefaultConfig()
	cfg.PlanFile = planPath

	wt := newFakeWorktreeAllocator()
	o := New(cfg, bus, discardLogger(), wt, shLauncher("true"), nil)

	if err := o.Start(); err == nil {
		t.Fatal("expected Start to refuse a cyclic plan")
	}
	if o.IsRunning() {
		t.Fatal("expected orchestrator to not be running")
	}
	if len(planErrors) != 1 {
		t.Fatalf("expected one plan:error event, got %d", len(planErrors))
	}
}

// TestAssignTicketConcurrencyCap covers scenario S5 at the orchestrator level.
func TestAssignTicketConcurrencyCap(t *testing.T) {
	planContent := `## 1. Overview

Three independent tickets.

### Ticket: T001 First
- **Priority:** P1
- **Status:** Todo

### Ticket: T002 Second
- **Priority:** P1
- **Status:** Todo

### Ticket: T003 Third
- **Priority:** P1
- **Status:** Todo
`
	planPath := writePlan(t, planContent)
	bus := eventbus.New(discardLogger(), 100)

	cfg := DefaultConfig()
	cfg.PlanFile = planPath
	cfg.MaxAgents = 2

	wt := newFakeWorktreeAllocator()
	o := New(cfg, bus, discardLogger(), wt, shLauncher("sleep 1"), nil)

	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	if _, err := o.AssignTicket("T001"); err != nil {
		t.Fatalf("assign T001: %v", err)
	}
	if _, err := o.AssignTicket("T002"); err != nil {
		t.Fatalf("assign T002: %v", err)
	}
	_, err := o.AssignTicket("T003")
	if err == nil {
		t.Fatal("expected third assignment to fail")
	}
	if !strings.Contains(err.Error(), "max concurrency") {
		t.Fatalf("expected error to contain 'max concurrency', got %q", err.Error())
	}
}

// TestAutoRetryFailedReturnsTicketToTodo covers the AutoRetryFailed config
// flag: without it a Failed ticket stays Failed (TestValidationFailureMarksFailed
// already covers that default); with it set, the same validation failure
// should bounce the ticket back to Todo instead.
func TestAutoRetryFailedReturnsTicketToTodo(t *testing.T) {
	planContent := `## 1. Overview

Single ticket.

### Ticket: T001 Broken ticket
- **Priority:** P1
- **Status:** Todo
- **Validation Steps:**
  - ` + "`exit 1`" + `
`
	planPath := writePlan(t, planContent)
	bus := eventbus.New(discardLogger(), 100)

	cfg := DefaultConfig()
	cfg.PlanFile = planPath
	cfg.AutoRetryFailed = true

	wt := newFakeWorktreeAllocator()
	launch := shLauncher(`echo "=== TICKET T001 COMPLETE ==="`)
	o := New(cfg, bus, discardLogger(), wt, launch, nil)

	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	if _, err := o.AssignTicket("T001"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return o.store.Ticket("T001").Status == pipeline.StatusTodo
	})

	ticket := o.store.Ticket("T001")
	if !strings.Contains(ticket.Notes, "exit 1") {
		t.Fatalf("expected feedback from the failed validation to survive the auto-retry, got %q", ticket.Notes)
	}
}
