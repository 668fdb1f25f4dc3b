package plan

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/quietloop/planloop/errs"
	"github.com/quietloop/planloop/eventbus"
	"github.com/quietloop/planloop/pipeline"
)

// Store owns the single ParsedPlan for a plan file and applies mutations
// to it as surgical regex substitutions on the raw text, persisted with
// an atomic temp-file-plus-rename write. It additionally serializes its
// own read-modify-write section with a mutex independent of whatever
// single-driver-thread discipline the orchestrator otherwise observes,
// so a future multi-caller does not need a Store redesign.
type Store struct {
	mu   sync.Mutex
	path string
	plan *ParsedPlan
	bus  *eventbus.Bus
}

// Load reads and parses the plan file at path. Parse errors are returned
// alongside a non-nil Store only if the plan could still be partially
// parsed; a missing file is a fatal PlanParseError with no ParsedPlan.
func Load(path string, bus *eventbus.Bus) (*Store, []error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{&errs.PlanParseError{PlanPath: path, Message: err.Error()}}
	}
	parsed, parseErrs := Parse(string(content))
	return &Store{path: path, plan: parsed, bus: bus}, parseErrs
}

// Plan returns the current in-memory ParsedPlan. Callers must not mutate
// the returned value; it is owned exclusively by Store.
func (s *Store) Plan() *ParsedPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Ticket returns the ticket with the given id, or nil if absent.
func (s *Store) Ticket(id string) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan.TicketByID(id)
}

// Tickets returns a shallow copy of the current ticket slice.
func (s *Store) Tickets() []*Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Ticket, len(s.plan.Tickets))
	copy(out, s.plan.Tickets)
	return out
}

func displayStatus(s pipeline.Status) string {
	if s == pipeline.StatusInProgress {
		return "In Progress"
	}
	return string(s)
}

// UpdateTicketStatus sets ticket id's status, persists the plan file, and
// publishes ticket:status-changed followed by plan:updated. It is a no-op
// (no write, no events) if the ticket is already at the requested status.
func (s *Store) UpdateTicketStatus(id string, newStatus pipeline.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket := s.plan.TicketByID(id)
	if ticket == nil {
		return &errs.TicketNotFoundError{TicketID: id}
	}
	if ticket.Status == newStatus {
		return nil
	}
	previous := ticket.Status

	fieldRe := regexp.MustCompile(`(?m)^(\s*-\s*\*\*Status:\*\*\s*).*$`)
	replacement := "${1}" + displayStatus(newStatus)
	if err := s.replaceInTicketBlock(id, fieldRe, replacement); err != nil {
		return err
	}

	ticket.Status = newStatus

	if s.bus != nil {
		e := eventbus.New(eventbus.TypeTicketStatusChanged)
		e.TicketID = id
		e.PreviousStatus = string(previous)
		e.NewStatus = string(newStatus)
		e.Reason = reason
		s.bus.Publish(e)
		s.bus.Publish(eventbus.New(eventbus.TypePlanUpdated))
	}
	return nil
}

// UpdateTicketOwner sets ticket id's owner ("" renders as Unassigned),
// persists the file, and publishes plan:updated.
func (s *Store) UpdateTicketOwner(id string, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket := s.plan.TicketByID(id)
	if ticket == nil {
		return &errs.TicketNotFoundError{TicketID: id}
	}

	display := owner
	if display == "" {
		display = UnassignedOwner
	}

	fieldRe := regexp.MustCompile(`(?m)^(\s*-\s*\*\*Owner:\*\*\s*).*$`)
	if err := s.replaceInTicketBlock(id, fieldRe, "${1}"+display); err != nil {
		return err
	}

	ticket.Owner = owner
	s.publishPlanUpdated()
	return nil
}

// AddTicketFeedback appends text under ticket id's Notes field, creating
// the field if it is absent, persists the file, and publishes
// plan:updated.
func (s *Store) AddTicketFeedback(id string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket := s.plan.TicketByID(id)
	if ticket == nil {
		return &errs.TicketNotFoundError{TicketID: id}
	}

	fieldRe := regexp.MustCompile(`(?m)^(\s*-\s*\*\*Notes:\*\*\s*)(.*)$`)

	newNotes := text
	if ticket.Notes != "" {
		newNotes = ticket.Notes + "; " + text
	}

	start, end, blockErr := s.ticketBlockBounds(id)
	if blockErr != nil {
		return blockErr
	}
	block := s.plan.RawContent[start:end]

	var newBlock string
	if loc := fieldRe.FindStringSubmatchIndex(block); loc != nil {
		newBlock = block[:loc[0]] + fieldRe.ReplaceAllString(block[loc[0]:loc[1]], "${1}"+newNotes) + block[loc[1]:]
	} else {
		trimmed := strings.TrimRight(block, "\n")
		trailingNewlines := block[len(trimmed):]
		newBlock = trimmed + "\n- **Notes:** " + newNotes + trailingNewlines
	}

	s.plan.RawContent = s.plan.RawContent[:start] + newBlock + s.plan.RawContent[end:]
	if err := s.persist(); err != nil {
		return err
	}

	ticket.Notes = newNotes
	s.publishPlanUpdated()
	return nil
}

// CreateTicket appends a new ticket block to the plan, allocating the
// next T<n+1> id based on the highest existing numeric id, persists the
// file, and publishes plan:updated. Returns the new ticket's id.
func (s *Store) CreateTicket(data *Ticket) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxNum := 0
	for _, t := range s.plan.Tickets {
		if n, err := strconv.Atoi(strings.TrimPrefix(t.ID, "T")); err == nil && n > maxNum {
			maxNum = n
		}
	}
	newID := fmt.Sprintf("T%03d", maxNum+1)

	ticket := *data
	ticket.ID = newID
	if ticket.Status == "" {
		ticket.Status = pipeline.StatusTodo
	}

	block := Serialize(&ticket)
	trimmed := strings.TrimRight(s.plan.RawContent, "\n")
	s.plan.RawContent = trimmed + "\n\n" + block + "\n"

	if err := s.persist(); err != nil {
		return "", err
	}

	s.plan.Tickets = append(s.plan.Tickets, &ticket)
	s.publishPlanUpdated()
	return newID, nil
}

func (s *Store) publishPlanUpdated() {
	if s.bus != nil {
		s.bus.Publish(eventbus.New(eventbus.TypePlanUpdated))
	}
}

// ticketBlockBounds returns the [start, end) byte offsets of ticket id's
// block within s.plan.RawContent, including its heading line.
func (s *Store) ticketBlockBounds(id string) (int, int, error) {
	content := s.plan.RawContent
	lines := strings.Split(content, "\n")

	headingIdx := -1
	for i, line := range lines {
		if m := ticketHeadingRe.FindStringSubmatch(line); m != nil && m[1] == id {
			headingIdx = i
			break
		}
	}
	if headingIdx == -1 {
		return 0, 0, &errs.PlanParseError{PlanPath: s.path, Message: fmt.Sprintf("ticket %s not found in plan text", id)}
	}

	endIdx := headingIdx + 1
	for endIdx < len(lines) {
		if ticketHeadingRe.MatchString(lines[endIdx]) || topLevelRe.MatchString(lines[endIdx]) {
			break
		}
		endIdx++
	}

	start := lineOffset(lines, headingIdx)
	end := lineOffset(lines, endIdx)
	return start, end, nil
}

// lineOffset returns the byte offset of the start of lines[idx] within
// strings.Join(lines, "\n"), for idx possibly equal to len(lines).
func lineOffset(lines []string, idx int) int {
	offset := 0
	for i := 0; i < idx && i < len(lines); i++ {
		offset += len(lines[i]) + 1 // +1 for the '\n' joining it to the next line
	}
	if idx >= len(lines) && len(lines) > 0 {
		offset-- // the last line has no '\n' after it: idx == len(lines) is the end of the text
	}
	return offset
}

// replaceInTicketBlock replaces the first match of fieldRe within ticket
// id's block with replacement (an expand-style template), then persists
// the file. It fails with a PlanParseError and writes nothing if fieldRe
// does not match inside the block.
func (s *Store) replaceInTicketBlock(id string, fieldRe *regexp.Regexp, replacement string) error {
	start, end, err := s.ticketBlockBounds(id)
	if err != nil {
		return err
	}
	block := s.plan.RawContent[start:end]

	loc := fieldRe.FindStringSubmatchIndex(block)
	if loc == nil {
		return &errs.PlanParseError{PlanPath: s.path, Message: fmt.Sprintf("field not found in ticket %s block", id)}
	}
	matched := block[loc[0]:loc[1]]
	replaced := fieldRe.ReplaceAllString(matched, replacement)
	newBlock := block[:loc[0]] + replaced + block[loc[1]:]

	s.plan.RawContent = s.plan.RawContent[:start] + newBlock + s.plan.RawContent[end:]
	return s.persist()
}

// persist writes s.plan.RawContent to a temp file and renames it onto
// s.path, atomic on POSIX. No trailing ".tmp" file remains, on success or
// failure of the rename step the original file is left untouched until
// the rename itself completes.
func (s *Store) persist() error {
	tmpPath := s.path + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(s.plan.RawContent), 0o644); err != nil {
		return fmt.Errorf("writing temp plan file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming plan file into place: %w", err)
	}
	return nil
}
