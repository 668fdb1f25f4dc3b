package validate

import (
	"context"
	"testing"
	"time"
)

func TestExtractCommandFencedBlock(t *testing.T) {
	step := "Run the tests:\n```bash\nnpm test\n```"
	cmd, ok := ExtractCommand(step)
	if !ok || cmd != "npm test" {
		t.Fatalf("got (%q, %v)", cmd, ok)
	}
}

func TestExtractCommandBacktickSpan(t *testing.T) {
	cmd, ok := ExtractCommand("Build succeeds via `npm run build`")
	if !ok || cmd != "npm run build" {
		t.Fatalf("got (%q, %v)", cmd, ok)
	}
}

func TestExtractCommandKnownExecutablePrefix(t *testing.T) {
	cmd, ok := ExtractCommand("./scripts/check.sh --strict")
	if !ok || cmd != "./scripts/check.sh --strict" {
		t.Fatalf("got (%q, %v)", cmd, ok)
	}
}

func TestExtractCommandDiscardsProse(t *testing.T) {
	_, ok := ExtractCommand("Make sure the feature works end to end")
	if ok {
		t.Fatal("expected prose to be discarded")
	}
}

// TestRunAllStepsAlwaysRun covers the aggregation rule: every step runs
// even after an earlier failure.
func TestRunAllStepsAlwaysRun(t *testing.T) {
	r := New(DefaultOptions())
	result := r.Run(context.Background(), t.TempDir(), []string{
		"`exit 1`",
		"`echo second`",
	})

	if result.Passed {
		t.Fatal("expected overall failure")
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected both steps to run, got %d", len(result.Steps))
	}
	if result.Steps[1].Stdout != "second\n" {
		t.Fatalf("expected second step to have run, got %q", result.Steps[1].Stdout)
	}
}

// TestRunFailingCommandReportedInFeedback covers scenario S4: the failing
// command itself is present in the step result so the orchestrator can
// build feedback mentioning it.
func TestRunFailingCommandReportedInFeedback(t *testing.T) {
	r := New(DefaultOptions())
	result := r.Run(context.Background(), t.TempDir(), []string{"`exit 1`"})

	if result.Passed {
		t.Fatal("expected failure")
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected one step, got %d", len(result.Steps))
	}
	step := result.Steps[0]
	if step.Command != "exit 1" {
		t.Fatalf("expected failing command recorded, got %q", step.Command)
	}
	if step.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", step.ExitCode)
	}
}

func TestRunPassingCommand(t *testing.T) {
	r := New(DefaultOptions())
	result := r.Run(context.Background(), t.TempDir(), []string{"`echo pass`"})

	if !result.Passed {
		t.Fatal("expected success")
	}
	if result.Steps[0].Stdout != "pass\n" {
		t.Fatalf("unexpected stdout %q", result.Steps[0].Stdout)
	}
}

func TestRunStepTimeout(t *testing.T) {
	r := New(Options{StepTimeout: 10 * time.Millisecond})
	result := r.Run(context.Background(), t.TempDir(), []string{"`sleep 1`"})

	if result.Passed {
		t.Fatal("expected timeout failure")
	}
	if !result.Steps[0].TimedOut {
		t.Fatal("expected TimedOut to be set")
	}
	if result.Steps[0].ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.Steps[0].ExitCode)
	}
}

func TestRunSkipsProseSteps(t *testing.T) {
	r := New(DefaultOptions())
	result := r.Run(context.Background(), t.TempDir(), []string{"Make sure it works"})

	if !result.Passed {
		t.Fatal("expected no steps to run, so overall pass stays true")
	}
	if len(result.Steps) != 0 {
		t.Fatalf("expected zero executed steps, got %d", len(result.Steps))
	}
}
