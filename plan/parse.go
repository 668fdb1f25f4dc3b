package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/quietloop/planloop/pipeline"
)

// ParseError reports a single plan parsing failure, anchored to the
// 1-based line number of the offending ticket heading when known.
type ParseError struct {
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Message)
	}
	return e.Message
}

var (
	ticketHeadingRe = regexp.MustCompile(`^###\s*Ticket:\s*(T\d+)\s+(.+)$`)
	topLevelRe      = regexp.MustCompile(`^##\s*\d+\.`)
	fieldRe         = regexp.MustCompile(`^-\s*\*\*([^:*]+):\*\*\s*(.*)$`)
	subListRe       = regexp.MustCompile(`^(\s{2,})-\s*(.+)$`)
	checkboxRe      = regexp.MustCompile(`^-\s*\[[ xX]\]\s*(.+)$`)
	overviewStartRe = regexp.MustCompile(`^##\s*1\.\s*Overview`)
	dodHeadingRe    = regexp.MustCompile(`^##\s*\d+\.\s*Definition of Done`)
	depTokenRe      = regexp.MustCompile(`^T\d+$`)
)

var validPriorities = map[string]Priority{
	"P0": PriorityP0, "P1": PriorityP1, "P2": PriorityP2,
}

var validStatuses = map[string]pipeline.Status{
	"Todo":       pipeline.StatusTodo,
	"InProgress": pipeline.StatusInProgress,
	"In Progress": pipeline.StatusInProgress,
	"Review":     pipeline.StatusReview,
	"QA":         pipeline.StatusQA,
	"Done":       pipeline.StatusDone,
	"Failed":     pipeline.StatusFailed,
}

// Parse parses raw Markdown plan content into a ParsedPlan. It returns the
// plan together with any parse errors accumulated along the way (a
// malformed ticket is still returned, with its invalid fields left unset,
// and is not fatal to the whole document, except
// that the caller should treat a non-empty error list as blocking
// orchestrator startup per §7).
func Parse(content string) (*ParsedPlan, []error) {
	lines := strings.Split(content, "\n")
	p := &ParsedPlan{RawContent: content}
	var errs []error

	p.Overview = extractOverview(lines)
	p.DefinitionDone = extractDefinitionOfDone(lines)

	tickets, ticketErrs := extractTickets(lines)
	p.Tickets = tickets
	errs = append(errs, ticketErrs...)

	errs = append(errs, validatePlan(p)...)

	return p, errs
}

// validatePlan checks whole-plan invariants that span multiple tickets:
// duplicate ids and dependencies naming unknown ids. Cycle detection is
// the Dependency Graph's responsibility (§4.3), not the parser's.
func validatePlan(p *ParsedPlan) []error {
	var errs []error
	seen := make(map[string]bool)
	ids := make(map[string]bool)
	for _, t := range p.Tickets {
		ids[t.ID] = true
	}
	for _, t := range p.Tickets {
		if seen[t.ID] {
			errs = append(errs, &ParseError{Line: t.line, Message: fmt.Sprintf("duplicate ticket id %s", t.ID)})
		}
		seen[t.ID] = true
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				errs = append(errs, &ParseError{Line: t.line, Message: fmt.Sprintf("ticket %s depends on unknown id %s", t.ID, dep)})
			}
		}
	}
	return errs
}

func extractOverview(lines []string) string {
	start := -1
	for i, line := range lines {
		if overviewStartRe.MatchString(line) {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return ""
	}
	var b strings.Builder
	for i := start; i < len(lines); i++ {
		if topLevelRe.MatchString(lines[i]) {
			break
		}
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func extractDefinitionOfDone(lines []string) []string {
	start := -1
	for i, line := range lines {
		if dodHeadingRe.MatchString(line) {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return nil
	}
	var items []string
	for i := start; i < len(lines); i++ {
		if topLevelRe.MatchString(lines[i]) {
			break
		}
		if m := checkboxRe.FindStringSubmatch(lines[i]); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	return items
}

// extractTickets scans the document for ### Ticket: blocks and parses the
// fields of each one.
func extractTickets(lines []string) ([]*Ticket, []error) {
	var tickets []*Ticket
	var errs []error

	for i := 0; i < len(lines); i++ {
		m := ticketHeadingRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		end := i + 1
		for end < len(lines) {
			if ticketHeadingRe.MatchString(lines[end]) || topLevelRe.MatchString(lines[end]) {
				break
			}
			end++
		}

		ticket, ticketErrs := parseTicketBlock(m[1], m[2], lines[i+1:end], i+1)
		errs = append(errs, ticketErrs...)
		if ticket != nil {
			tickets = append(tickets, ticket)
		}
	}
	return tickets, errs
}

// parseTicketBlock parses the field lines of a single ticket block. line
// is the 1-based heading line number, used for error reporting.
func parseTicketBlock(id, title string, body []string, line int) (*Ticket, []error) {
	t := &Ticket{ID: id, Title: strings.TrimSpace(title), line: line}
	var errs []error

	var havePriority, haveStatus bool

	for i := 0; i < len(body); i++ {
		m := fieldRe.FindStringSubmatch(body[i])
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])

		var subItems []string
		j := i + 1
		for j < len(body) {
			sm := subListRe.FindStringSubmatch(body[j])
			if sm == nil {
				break
			}
			subItems = append(subItems, strings.TrimSpace(sm[2]))
			j++
		}
		if len(subItems) > 0 {
			i = j - 1
		}

		switch name {
		case "Priority":
			p, ok := validPriorities[value]
			if !ok {
				errs = append(errs, &ParseError{Line: line, Message: fmt.Sprintf("ticket %s: unknown priority %q", id, value)})
				continue
			}
			t.Priority = p
			havePriority = true
		case "Status":
			s, ok := validStatuses[value]
			if !ok {
				errs = append(errs, &ParseError{Line: line, Message: fmt.Sprintf("ticket %s: unknown status %q", id, value)})
				continue
			}
			t.Status = s
			haveStatus = true
		case "Owner":
			if value != "" && value != UnassignedOwner {
				t.Owner = value
			}
		case "Epic":
			t.Epic = value
		case "Scope":
			t.Description = value
		case "Acceptance Criteria":
			if len(subItems) > 0 {
				t.AcceptanceCriteria = subItems
			} else if value != "" {
				t.AcceptanceCriteria = []string{value}
			}
		case "Validation Steps":
			if len(subItems) > 0 {
				t.ValidationSteps = subItems
			} else if value != "" {
				t.ValidationSteps = []string{value}
			}
		case "Dependencies":
			t.Dependencies = parseDependencies(value)
		case "Notes":
			if len(subItems) > 0 {
				t.Notes = strings.Join(subItems, "\n")
			} else {
				t.Notes = value
			}
		}
	}

	if !havePriority {
		errs = append(errs, &ParseError{Line: line, Message: fmt.Sprintf("ticket %s: missing required field Priority", id)})
	}
	if !haveStatus {
		errs = append(errs, &ParseError{Line: line, Message: fmt.Sprintf("ticket %s: missing required field Status", id)})
	}

	return t, errs
}

// parseDependencies splits a comma-separated Dependencies value, dropping
// any token that does not match the ticket id grammar T\d+.
func parseDependencies(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if depTokenRe.MatchString(tok) {
			out = append(out, tok)
		}
	}
	return out
}
