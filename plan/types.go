// Package plan implements the Plan Store: parsing a human-authored
// Markdown plan into typed tickets, and applying surgical, atomic
// textual mutations back onto the same file.
package plan

import "github.com/quietloop/planloop/pipeline"

// Priority orders tickets within the ready set; lower sorts first.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

var priorityRank = map[Priority]int{
	PriorityP0: 0,
	PriorityP1: 1,
	PriorityP2: 2,
}

// Rank returns p's sort key; unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// UnassignedOwner is the display value used when a ticket has no owner.
const UnassignedOwner = "Unassigned"

// Ticket is one unit of work in the plan.
type Ticket struct {
	ID          string
	Title       string
	Priority    Priority
	Status      pipeline.Status
	Owner       string // "" on a freshly parsed ticket with no Owner field
	Epic        string
	Description string // parsed from the Scope field
	Notes       string

	Dependencies       []string
	AcceptanceCriteria []string
	ValidationSteps    []string

	// Feedback and AssignedWorktree are runtime-only; never serialized.
	Feedback         string
	AssignedWorktree string

	// line is the 1-based line number of this ticket's heading, used for
	// ParseError reporting and not otherwise part of the ticket's identity.
	line int
}

// DisplayOwner returns Owner, or UnassignedOwner when it is empty.
func (t *Ticket) DisplayOwner() string {
	if t.Owner == "" {
		return UnassignedOwner
	}
	return t.Owner
}

// ParsedPlan is the whole-document parse result: structural sections plus
// the ordered ticket list and the exact raw bytes the document was parsed
// from, so writes can be applied as targeted edits to the original text.
type ParsedPlan struct {
	Overview        string
	DefinitionDone  []string
	Epics           []string
	Tickets         []*Ticket
	RawContent      string
}

// TicketByID returns the ticket with the given id, or nil if absent.
func (p *ParsedPlan) TicketByID(id string) *Ticket {
	for _, t := range p.Tickets {
		if t.ID == id {
			return t
		}
	}
	return nil
}
