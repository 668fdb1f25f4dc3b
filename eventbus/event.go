// Package eventbus implements the orchestrator's synchronous, in-process
// publish/subscribe facility with bounded ring-buffer history.
package eventbus

import "time"

// Type is the discriminator tag of an OrchEvent.
type Type string

const (
	TypePlanLoaded         Type = "plan:loaded"
	TypePlanUpdated        Type = "plan:updated"
	TypePlanError          Type = "plan:error"
	TypeTicketStatusChanged Type = "ticket:status-changed"
	TypeTicketAssigned     Type = "ticket:assigned"
	TypeTicketUnassigned   Type = "ticket:unassigned"
	TypeTicketsReady       Type = "tickets:ready"
	TypeAgentSpawned       Type = "agent:spawned"
	TypeAgentProgress      Type = "agent:progress"
	TypeAgentCompleted     Type = "agent:completed"
	TypeAgentFailed        Type = "agent:failed"
	TypeAgentBlocked       Type = "agent:blocked"
	TypeAgentStopped       Type = "agent:stopped"
	TypeAgentStopRequest   Type = "agent:stop-request"
	TypeLogEntry           Type = "log:entry"
)

// Event is the tagged union every publication carries. Only the fields
// relevant to a given Type are populated; this mirrors the teacher's own
// discriminated-union style for AuditEntry/WorktreeEvent.
type Event struct {
	Type      Type
	Timestamp time.Time

	// ticket:status-changed
	TicketID       string
	PreviousStatus string
	NewStatus      string
	Reason         string

	// ticket:assigned / ticket:unassigned, agent:*
	AgentID string

	// tickets:ready
	ReadyTicketIDs []string

	// agent:progress
	LastAction string
	Progress   int
	TokensUsed int
	Cost       float64

	// agent:blocked
	BlockReason string

	// agent:failed
	Err error

	// log:entry
	Level   string
	Message string
	Data    map[string]any
}

// New builds an Event of the given type, stamping the current time.
func New(t Type) Event {
	return Event{Type: t, Timestamp: time.Now()}
}
