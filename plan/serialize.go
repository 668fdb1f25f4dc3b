package plan

import (
	"fmt"
	"strings"
)

// Serialize renders a full ticket block in the canonical field order from
// §6: header, Priority, Status, Owner (always present), Epic, Scope,
// Acceptance Criteria, Validation Steps, Dependencies, Notes. Absent
// optional fields are omitted. Status uses the spaced display form.
func Serialize(t *Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Ticket: %s %s\n", t.ID, t.Title)
	fmt.Fprintf(&b, "- **Priority:** %s\n", t.Priority)
	fmt.Fprintf(&b, "- **Status:** %s\n", displayStatus(t.Status))
	fmt.Fprintf(&b, "- **Owner:** %s\n", t.DisplayOwner())
	if t.Epic != "" {
		fmt.Fprintf(&b, "- **Epic:** %s\n", t.Epic)
	}
	if t.Description != "" {
		fmt.Fprintf(&b, "- **Scope:** %s\n", t.Description)
	}
	writeListField(&b, "Acceptance Criteria", t.AcceptanceCriteria)
	writeListField(&b, "Validation Steps", t.ValidationSteps)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "- **Dependencies:** %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.Notes != "" {
		fmt.Fprintf(&b, "- **Notes:** %s\n", t.Notes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeListField(b *strings.Builder, name string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- **%s:**\n", name)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}
