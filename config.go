package planloop

import (
	"time"

	"github.com/quietloop/planloop/errs"
	"github.com/quietloop/planloop/pipeline"
)

// Config holds every option the orchestrator actually consumes (§6).
// Unknown keys encountered by a caller parsing config files/env are its own
// concern to ignore with a warning; this struct only names the recognized
// surface.
type Config struct {
	PlanFile  string
	MaxAgents int
	AgentModel string

	// TicketProgression selects Tick's behavior: "automatic" assigns ready
	// tickets up to MaxAgents every tick; "approval" and "manual" leave
	// assignment to explicit AssignTicket calls.
	TicketProgression string

	ReviewMode pipeline.Mode
	QAMode     pipeline.Mode

	ErrorRecovery   errs.RetryPolicy
	AutoRetryFailed bool

	// CycleInterval paces Run's ticker loop.
	CycleInterval time.Duration
}

const (
	ProgressionAutomatic = "automatic"
	ProgressionApproval  = "approval"
	ProgressionManual    = "manual"
)

// DefaultConfig returns the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		PlanFile:          "PLAN.md",
		MaxAgents:         3,
		AgentModel:        "",
		TicketProgression: ProgressionAutomatic,
		ReviewMode:        pipeline.ModeAutomatic,
		QAMode:            pipeline.ModeAutomatic,
		ErrorRecovery:     errs.DefaultRetryPolicy(),
		AutoRetryFailed:   false,
		CycleInterval:     10 * time.Second,
	}
}
