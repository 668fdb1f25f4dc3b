package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quietloop/planloop/errs"
	"github.com/quietloop/planloop/eventbus"
)

// SpawnRequest describes one agent to launch.
type SpawnRequest struct {
	TicketID         string
	Type             Type
	WorkingDirectory string
	Prompt           string
	Model            string
}

// Launcher builds the *exec.Cmd for a spawn request. The core treats the
// child process as an opaque command line; what binary it launches and how
// the prompt reaches it (stdin, a flag, a file) is the caller's concern,
// mirroring the teacher's AgentSpawner interface narrowed to one method.
type Launcher func(ctx context.Context, req SpawnRequest) (*exec.Cmd, error)

type handle struct {
	Agent
	cancel    context.CancelFunc
	buffer    strings.Builder
	sawFrame  bool
	completed bool // terminal event already published
}

// Manager owns every live and recently-terminated agent's process handle
// and record. All mutation goes through its mutex; stdout readers run
// concurrently but only ever call Manager methods, never touch domain
// state directly (§5).
type Manager struct {
	mu        sync.Mutex
	bus       *eventbus.Bus
	logger    *slog.Logger
	maxAgents int
	launch    Launcher
	agents    map[string]*handle
}

// New returns a Manager. logger defaults to slog.Default() if nil.
func New(bus *eventbus.Bus, logger *slog.Logger, maxAgents int, launch Launcher) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:       bus,
		logger:    logger,
		maxAgents: maxAgents,
		launch:    launch,
		agents:    make(map[string]*handle),
	}
}

// LiveCount returns the number of agents currently Starting, Working, or
// Validating (P5).
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, h := range m.agents {
		if isLive(h.Status) {
			n++
		}
	}
	return n
}

// Agent returns a snapshot of agent id's record, or false if unknown.
func (m *Manager) Agent(id string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.agents[id]
	if !ok {
		return Agent{}, false
	}
	return h.Agent, true
}

// SetValidating marks agent id as Validating, the instant the orchestrator
// begins running validation against its ticket (§9 Design Notes).
func (m *Manager) SetValidating(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.agents[id]; ok {
		h.Status = StatusValidating
	}
}

// Spawn launches a new agent for req. It fails immediately with a
// ConcurrencyError if LiveCount is already at maxAgents.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	m.mu.Lock()
	if m.liveCountLocked() >= m.maxAgents {
		m.mu.Unlock()
		return "", &errs.ConcurrencyError{Message: "max concurrency"}
	}

	id := uuid.New().String()
	agentCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		Agent: Agent{
			ID:               id,
			TicketID:         req.TicketID,
			Type:             req.Type,
			WorkingDirectory: req.WorkingDirectory,
			Status:           StatusStarting,
			StartedAt:        time.Now(),
		},
		cancel: cancel,
	}
	m.agents[id] = h
	m.mu.Unlock()

	m.publish(eventbus.New(eventbus.TypeAgentSpawned), id, req.TicketID)

	cmd, err := m.launch(agentCtx, req)
	if err != nil {
		cancel()
		m.markFailed(id, fmt.Sprintf("failed to launch agent: %v", err))
		return id, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		m.markFailed(id, fmt.Sprintf("failed to attach stdout: %v", err))
		return id, err
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		m.markFailed(id, fmt.Sprintf("failed to start agent process: %v", err))
		return id, err
	}

	go m.stream(id, h, cmd, stdout)

	return id, nil
}

// stream consumes stdout line-by-line (a pragmatic chunk boundary for
// line-framed markers), publishing agent:progress per line and detecting
// completion/blocked markers in the accumulated buffer.
func (m *Manager) stream(id string, h *handle, cmd *exec.Cmd, stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	first := true

	for {
		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			if first {
				m.setStatus(id, StatusWorking)
				first = false
			}
			m.handleChunk(id, h, line)
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	m.handleExit(id, h, waitErr)
}

func (m *Manager) handleChunk(id string, h *handle, line string) {
	m.mu.Lock()
	if _, ok := m.agents[id]; !ok {
		m.mu.Unlock()
		return
	}
	h.buffer.WriteString(line)
	buffer := h.buffer.String()
	count := countToolCalls(buffer)
	progress := progressFromToolCalls(count)
	h.Progress = progress
	h.LastAction = strings.TrimRight(line, "\n")
	alreadyDone := h.completed
	m.mu.Unlock()

	if alreadyDone {
		return
	}

	e := eventbus.New(eventbus.TypeAgentProgress)
	e.AgentID = id
	e.TicketID = h.TicketID
	e.LastAction = h.LastAction
	e.Progress = progress
	e.TokensUsed = h.TokensUsed
	e.Cost = h.Cost
	m.bus.Publish(e)

	if ticketID, reason, ok := findBlockedMarker(buffer); ok {
		m.mu.Lock()
		h.sawFrame = true
		h.Status = StatusBlocked
		h.BlockReason = reason
		m.mu.Unlock()

		be := eventbus.New(eventbus.TypeAgentBlocked)
		be.AgentID = id
		be.TicketID = ticketID
		be.BlockReason = reason
		m.bus.Publish(be)
		return
	}

	if ticketID, ok := findCompletionMarker(buffer); ok {
		m.mu.Lock()
		h.sawFrame = true
		h.Status = StatusComplete
		h.completed = true
		m.mu.Unlock()

		ce := eventbus.New(eventbus.TypeAgentCompleted)
		ce.AgentID = id
		ce.TicketID = ticketID
		m.bus.Publish(ce)
	}
}

func (m *Manager) handleExit(id string, h *handle, waitErr error) {
	m.mu.Lock()
	alreadyTerminal := h.completed
	sawFrame := h.sawFrame
	ticketID := h.TicketID
	m.mu.Unlock()

	if alreadyTerminal {
		return
	}

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if !sawFrame {
			m.logMalformed(id, ticketID)
		}
		m.markFailedWithCrash(id, ticketID, exitCode)
		return
	}

	// Exit 0 with no completion marker: the stricter §9 decision treats
	// this as failure rather than guessing at success.
	m.markFailed(id, "exited 0 without completion marker")
}

func (m *Manager) logMalformed(id, ticketID string) {
	m.mu.Lock()
	h, ok := m.agents[id]
	var preview string
	if ok {
		buffer := h.buffer.String()
		if len(buffer) > 500 {
			buffer = buffer[:500]
		}
		preview = buffer
	}
	m.mu.Unlock()

	err := &errs.MalformedOutputError{AgentID: id, Preview: preview}
	m.logger.Warn("malformed agent output", "agentId", id, "ticketId", ticketID, "error", err.Error())

	le := eventbus.New(eventbus.TypeLogEntry)
	le.Level = "warn"
	le.Message = err.Error()
	le.Data = map[string]any{"agentId": id, "ticketId": ticketID}
	m.bus.Publish(le)
}

func (m *Manager) markFailedWithCrash(id, ticketID string, exitCode int) {
	crash := &errs.AgentCrashError{AgentID: id, TicketID: ticketID, ExitCode: exitCode}
	m.setStatus(id, StatusFailed)
	m.markComplete(id)

	e := eventbus.New(eventbus.TypeAgentFailed)
	e.AgentID = id
	e.TicketID = ticketID
	e.Err = crash
	m.bus.Publish(e)
}

func (m *Manager) markFailed(id, reason string) {
	m.mu.Lock()
	h, ok := m.agents[id]
	var ticketID string
	if ok {
		h.Status = StatusFailed
		h.completed = true
		ticketID = h.TicketID
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e := eventbus.New(eventbus.TypeAgentFailed)
	e.AgentID = id
	e.TicketID = ticketID
	e.Err = &errs.OrchError{Message: reason}
	m.bus.Publish(e)
}

func (m *Manager) markComplete(id string) {
	m.mu.Lock()
	if h, ok := m.agents[id]; ok {
		h.completed = true
	}
	m.mu.Unlock()
}

func (m *Manager) setStatus(id string, status Status) {
	m.mu.Lock()
	if h, ok := m.agents[id]; ok {
		h.Status = status
	}
	m.mu.Unlock()
}

func (m *Manager) publish(e eventbus.Event, agentID, ticketID string) {
	e.AgentID = agentID
	e.TicketID = ticketID
	m.bus.Publish(e)
}

// Stop sends a termination signal to agent id via context cancellation,
// which exec.CommandContext translates into killing the process. Unknown
// ids are ignored. A completed agent's Stop is a no-op beyond cancellation.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	h, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	alreadyTerminal := h.completed
	cancel := h.cancel
	ticketID := h.TicketID
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if alreadyTerminal {
		return
	}

	m.mu.Lock()
	h.Status = StatusFailed
	h.completed = true
	m.mu.Unlock()

	e := eventbus.New(eventbus.TypeAgentStopped)
	e.AgentID = id
	e.TicketID = ticketID
	m.bus.Publish(e)
}

// StopAll stops every currently-live agent.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id, h := range m.agents {
		if isLive(h.Status) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}
