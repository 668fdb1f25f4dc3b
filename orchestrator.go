// Package planloop implements the orchestrator: the driver that loads a
// Markdown plan, computes ready tickets, spawns agents to work them,
// validates completed work, and advances tickets through the Status
// Pipeline, persisting every change back to the plan file.
package planloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietloop/planloop/agent"
	"github.com/quietloop/planloop/errs"
	"github.com/quietloop/planloop/eventbus"
	"github.com/quietloop/planloop/graph"
	"github.com/quietloop/planloop/pipeline"
	"github.com/quietloop/planloop/plan"
	"github.com/quietloop/planloop/validate"
)

// WorktreeAllocator is the minimal external collaborator the orchestrator
// calls into for per-ticket working directories. Epic-aware allocation
// strategy and worktree lifecycle are out of this core's scope (§1); this
// interface is the whole of its surface.
type WorktreeAllocator interface {
	Allocate(ticketID, epic string) (string, error)
	Release(ticketID string) error
}

// PromptBuilder renders the prompt handed to an agent for a given ticket
// and pipeline stage. Prompt template rendering itself is out of scope;
// callers supply their own.
type PromptBuilder func(ticket *plan.Ticket, stage pipeline.Status) string

// Orchestrator ties the Plan Store, Dependency Graph, Status Pipeline,
// Validation Runner, and Agent Manager into the single-driver-thread
// discipline described in §5: every method below that touches domain
// state holds o.mu for the duration of the touch.
type Orchestrator struct {
	cfg           Config
	bus           *eventbus.Bus
	logger        *slog.Logger
	worktrees     WorktreeAllocator
	agents        *agent.Manager
	validator     *validate.Runner
	buildPrompt   PromptBuilder

	mu             sync.Mutex
	store          *plan.Store
	graph          *graph.Graph
	running        bool
	unsubscribers  []eventbus.Unsubscribe
	agentTicket    map[string]string // agentID -> ticketID
	ticketWorktree map[string]string // ticketID -> worktree path
}

// New constructs an Orchestrator. It does not load the plan; call Start.
func New(cfg Config, bus *eventbus.Bus, logger *slog.Logger, worktrees WorktreeAllocator, launch agent.Launcher, buildPrompt PromptBuilder) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:            cfg,
		bus:            bus,
		logger:         logger,
		worktrees:      worktrees,
		agents:         agent.New(bus, logger, cfg.MaxAgents, launch),
		validator:      validate.New(validate.DefaultOptions()),
		buildPrompt:    buildPrompt,
		agentTicket:    make(map[string]string),
		ticketWorktree: make(map[string]string),
	}
}

// Start loads the plan, rebuilds the graph, refuses to run on a cyclic or
// dangling-dependency plan, subscribes to agent terminal events, and
// publishes the initial ready set. It is a no-op if already running.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	store, parseErrs := plan.Load(o.cfg.PlanFile, o.bus)
	if store == nil || len(parseErrs) > 0 {
		err := combineErrors(parseErrs)
		if err == nil {
			err = fmt.Errorf("plan file %s failed to load", o.cfg.PlanFile)
		}
		o.publishPlanError(err)
		return err
	}

	g := graph.New()
	g.Build(store.Tickets())

	if cycles := g.DetectCycles(); len(cycles) > 0 {
		err := combineErrors(cycles)
		o.publishPlanError(err)
		return err
	}
	if _, err := g.TopologicalOrder(); err != nil {
		o.publishPlanError(err)
		return err
	}

	o.mu.Lock()
	o.store = store
	o.graph = g
	o.running = true
	o.unsubscribers = []eventbus.Unsubscribe{
		o.bus.Subscribe(eventbus.TypeAgentCompleted, o.handleAgentCompleted),
		o.bus.Subscribe(eventbus.TypeAgentFailed, o.handleAgentFailed),
		o.bus.Subscribe(eventbus.TypeAgentBlocked, o.handleAgentBlocked),
	}
	o.mu.Unlock()

	o.bus.Publish(eventbus.New(eventbus.TypePlanLoaded))
	o.publishReadyTickets()
	return nil
}

// Stop marks the orchestrator not-running, stops every live agent, and
// unsubscribes from the Event Bus. Further in-flight events for its
// tickets are ignored once running is false. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	unsubs := o.unsubscribers
	o.unsubscribers = nil
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	o.agents.StopAll()
}

// IsRunning reports whether Start has succeeded and Stop has not since run.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// GetReadyTickets delegates to the Dependency Graph.
func (o *Orchestrator) GetReadyTickets() []*plan.Ticket {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph.Ready()
}

// GetBlockedBy delegates to the Dependency Graph.
func (o *Orchestrator) GetBlockedBy(id string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph.BlockedBy(id)
}

// DetectCircularDependencies delegates to the Dependency Graph.
func (o *Orchestrator) DetectCircularDependencies() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph.DetectCycles()
}

// AssignTicket spawns an agent for ticket id and moves it to InProgress.
func (o *Orchestrator) AssignTicket(id string) (string, error) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return "", &errs.OrchError{Message: "orchestrator is not running"}
	}
	ticket := o.store.Ticket(id)
	if ticket == nil {
		o.mu.Unlock()
		return "", &errs.TicketNotFoundError{TicketID: id}
	}
	if ticket.Status != pipeline.StatusTodo {
		o.mu.Unlock()
		return "", &errs.TicketNotReadyError{TicketID: id, Blockers: []string{"ticket status is " + string(ticket.Status) + ", not Todo"}}
	}
	blockers := o.graph.BlockedBy(id)
	if len(blockers) > 0 {
		o.mu.Unlock()
		return "", &errs.TicketNotReadyError{TicketID: id, Blockers: blockers}
	}
	epic := ticket.Epic
	o.mu.Unlock()

	return o.spawnForStage(id, epic, pipeline.StatusInProgress)
}

// spawnForStage allocates a worktree, spawns an agent, and persists the
// ticket's new status. On any failure after allocation, the worktree (and
// agent, if spawned) are released/stopped and the ticket status is left
// unchanged.
func (o *Orchestrator) spawnForStage(ticketID, epic string, stage pipeline.Status) (string, error) {
	worktreePath, err := o.worktrees.Allocate(ticketID, epic)
	if err != nil {
		return "", fmt.Errorf("allocating worktree for %s: %w", ticketID, err)
	}

	o.mu.Lock()
	ticket := o.store.Ticket(ticketID)
	o.mu.Unlock()

	prompt := ""
	if o.buildPrompt != nil && ticket != nil {
		prompt = o.buildPrompt(ticket, stage)
	}

	agentID, err := errs.WithRetry(func() (string, error) {
		return o.agents.Spawn(context.Background(), agent.SpawnRequest{
			TicketID:         ticketID,
			Type:             agentTypeForStage(stage),
			WorkingDirectory: worktreePath,
			Prompt:           prompt,
			Model:            o.cfg.AgentModel,
		})
	}, errs.RetryOptions{Policy: o.cfg.ErrorRecovery, Logger: o.logger})
	if err != nil {
		_ = o.worktrees.Release(ticketID)
		return "", err
	}

	if err := o.store.UpdateTicketStatus(ticketID, stage, ""); err != nil {
		o.agents.Stop(agentID)
		_ = o.worktrees.Release(ticketID)
		return "", err
	}

	o.mu.Lock()
	o.graph.UpdateTicketStatus(ticketID, stage)
	o.agentTicket[agentID] = ticketID
	o.ticketWorktree[ticketID] = worktreePath
	o.mu.Unlock()

	e := eventbus.New(eventbus.TypeTicketAssigned)
	e.TicketID = ticketID
	e.AgentID = agentID
	o.bus.Publish(e)

	return agentID, nil
}

// agentTypeForStage maps the pipeline stage an agent is spawned for to the
// kind of work it was asked to do.
func agentTypeForStage(stage pipeline.Status) agent.Type {
	switch stage {
	case pipeline.StatusReview:
		return agent.TypeReview
	case pipeline.StatusQA:
		return agent.TypeQA
	default:
		return agent.TypeImplementation
	}
}

// handleAgentCompleted validates the ticket's worktree and either advances
// it or marks it Failed with feedback naming the failing step.
func (o *Orchestrator) handleAgentCompleted(e eventbus.Event) {
	if !o.IsRunning() {
		return
	}
	ticketID := o.resolveTicket(e)
	if ticketID == "" {
		o.logger.Warn("agent:completed for unknown agent", "agentId", e.AgentID)
		return
	}

	o.agents.SetValidating(e.AgentID)

	o.mu.Lock()
	worktreePath := o.ticketWorktree[ticketID]
	ticket := o.store.Ticket(ticketID)
	o.mu.Unlock()
	if ticket == nil {
		o.logger.Warn("agent:completed for unknown ticket", "ticketId", ticketID)
		o.forgetAgent(e.AgentID)
		return
	}

	result := o.validator.Run(context.Background(), worktreePath, ticket.ValidationSteps)
	if result.Passed {
		if err := o.advanceTicket(ticketID); err != nil {
			o.logger.Error("advancing ticket after validation", "ticket", ticketID, "error", err)
		}
	} else {
		feedback := summarizeValidationFailure(result)
		if err := o.store.UpdateTicketStatus(ticketID, pipeline.StatusFailed, "validation failed"); err != nil {
			o.logger.Error("marking ticket failed", "ticket", ticketID, "error", err)
		} else {
			o.mu.Lock()
			o.graph.UpdateTicketStatus(ticketID, pipeline.StatusFailed)
			o.mu.Unlock()
		}
		_ = o.store.AddTicketFeedback(ticketID, feedback)
		o.maybeAutoRetry(ticketID)
	}

	_ = o.worktrees.Release(ticketID)
	o.forgetAgent(e.AgentID)
}

func (o *Orchestrator) handleAgentFailed(e eventbus.Event) {
	if !o.IsRunning() {
		return
	}
	ticketID := o.resolveTicket(e)
	if ticketID == "" {
		o.logger.Warn("agent:failed for unknown agent", "agentId", e.AgentID)
		return
	}

	reason := "agent failed"
	if e.Err != nil {
		reason = e.Err.Error()
	}
	_ = o.store.UpdateTicketStatus(ticketID, pipeline.StatusFailed, reason)
	o.mu.Lock()
	o.graph.UpdateTicketStatus(ticketID, pipeline.StatusFailed)
	o.mu.Unlock()
	_ = o.store.AddTicketFeedback(ticketID, reason)
	o.maybeAutoRetry(ticketID)

	_ = o.worktrees.Release(ticketID)
	o.forgetAgent(e.AgentID)
}

// maybeAutoRetry sends a just-Failed ticket back to Todo when the
// configuration opts into it. The orchestrator never retries ticket work
// on its own otherwise — a Failed ticket stays put until a human calls
// RetryTicket on it.
func (o *Orchestrator) maybeAutoRetry(ticketID string) {
	if !o.cfg.AutoRetryFailed {
		return
	}
	if err := o.RetryTicket(ticketID); err != nil {
		o.logger.Warn("auto-retry failed", "ticket", ticketID, "error", err)
	}
}

func (o *Orchestrator) handleAgentBlocked(e eventbus.Event) {
	if !o.IsRunning() {
		return
	}
	ticketID := o.resolveTicket(e)
	if ticketID == "" {
		o.logger.Warn("agent:blocked for unknown agent", "agentId", e.AgentID)
		return
	}

	_ = o.store.AddTicketFeedback(ticketID, "blocked: "+e.BlockReason)

	le := eventbus.New(eventbus.TypeLogEntry)
	le.Level = "info"
	le.Message = fmt.Sprintf("ticket %s blocked: %s", ticketID, e.BlockReason)
	le.Data = map[string]any{"ticketId": ticketID, "agentId": e.AgentID}
	o.bus.Publish(le)
	o.logger.Info("ticket blocked", "ticket", ticketID, "reason", e.BlockReason)
}

// advanceTicket consults the Status Pipeline for the next stage. Review
// and QA stages spawn a dedicated agent; reaching Done persists directly
// with no further work scheduled.
func (o *Orchestrator) advanceTicket(id string) error {
	o.mu.Lock()
	ticket := o.store.Ticket(id)
	o.mu.Unlock()
	if ticket == nil {
		return &errs.TicketNotFoundError{TicketID: id}
	}

	cfg := pipeline.AutomationConfig{ReviewMode: o.cfg.ReviewMode, QAMode: o.cfg.QAMode}
	next, ok := pipeline.NextStatus(ticket.Status, cfg)
	if !ok {
		return nil
	}

	if next == pipeline.StatusReview || next == pipeline.StatusQA {
		_, err := o.spawnForStage(id, ticket.Epic, next)
		return err
	}

	if err := o.store.UpdateTicketStatus(id, next, ""); err != nil {
		return err
	}
	o.mu.Lock()
	o.graph.UpdateTicketStatus(id, next)
	o.mu.Unlock()
	return nil
}

// RejectTicket sends a ticket in Review or QA back to Todo with feedback.
func (o *Orchestrator) RejectTicket(id, feedback string) error {
	o.mu.Lock()
	ticket := o.store.Ticket(id)
	o.mu.Unlock()
	if ticket == nil {
		return &errs.TicketNotFoundError{TicketID: id}
	}
	if ticket.Status != pipeline.StatusReview && ticket.Status != pipeline.StatusQA {
		return &errs.OrchError{Message: fmt.Sprintf("ticket %s is %s; only Review or QA tickets can be rejected", id, ticket.Status)}
	}
	if err := pipeline.AssertValidTransition(ticket.Status, pipeline.StatusTodo); err != nil {
		return err
	}

	if err := o.store.UpdateTicketStatus(id, pipeline.StatusTodo, feedback); err != nil {
		return err
	}
	o.mu.Lock()
	o.graph.UpdateTicketStatus(id, pipeline.StatusTodo)
	o.mu.Unlock()

	if feedback != "" {
		_ = o.store.AddTicketFeedback(id, feedback)
	}
	return nil
}

// RetryTicket clears a Failed ticket back to Todo.
func (o *Orchestrator) RetryTicket(id string) error {
	o.mu.Lock()
	ticket := o.store.Ticket(id)
	o.mu.Unlock()
	if ticket == nil {
		return &errs.TicketNotFoundError{TicketID: id}
	}
	if ticket.Status != pipeline.StatusFailed {
		return &errs.OrchError{Message: fmt.Sprintf("ticket %s is %s; only Failed tickets can be retried", id, ticket.Status)}
	}
	if err := pipeline.AssertValidTransition(ticket.Status, pipeline.StatusTodo); err != nil {
		return err
	}

	if err := o.store.UpdateTicketStatus(id, pipeline.StatusTodo, "retry"); err != nil {
		return err
	}
	o.mu.Lock()
	o.graph.UpdateTicketStatus(id, pipeline.StatusTodo)
	o.mu.Unlock()
	return nil
}

// ReloadPlan re-parses the plan file, replaces the cached ParsedPlan, and
// rebuilds the graph, preserving in-flight agent records (the Agent
// Manager's state is independent of the Plan Store).
func (o *Orchestrator) ReloadPlan() error {
	store, parseErrs := plan.Load(o.cfg.PlanFile, o.bus)
	if store == nil || len(parseErrs) > 0 {
		err := combineErrors(parseErrs)
		if err == nil {
			err = fmt.Errorf("plan file %s failed to reload", o.cfg.PlanFile)
		}
		return err
	}

	o.mu.Lock()
	o.store = store
	o.graph.Build(store.Tickets())
	o.mu.Unlock()

	o.bus.Publish(eventbus.New(eventbus.TypePlanUpdated))
	return nil
}

// Tick drives one scheduling pass in automatic mode: it reloads the plan,
// reaps stale assignments, then assigns ready tickets while capacity
// remains. It is a no-op outside automatic mode.
func (o *Orchestrator) Tick() {
	if !o.IsRunning() {
		return
	}
	if o.cfg.TicketProgression != ProgressionAutomatic {
		return
	}

	if err := o.ReloadPlan(); err != nil {
		o.logger.Error("plan reload failed", "error", err)
	}
	o.reapStaleAssignments()

	for o.agents.LiveCount() < o.cfg.MaxAgents {
		ready := o.GetReadyTickets()
		if len(ready) == 0 {
			break
		}
		if _, err := o.AssignTicket(ready[0].ID); err != nil {
			o.logger.Warn("tick: assignment failed", "ticket", ready[0].ID, "error", err)
			break
		}
	}
}

// reapStaleAssignments reverts InProgress tickets with no live agent back
// to Todo, guarding invariant I4.
func (o *Orchestrator) reapStaleAssignments() {
	o.mu.Lock()
	tickets := o.store.Tickets()
	o.mu.Unlock()

	for _, t := range tickets {
		if t.Status != pipeline.StatusInProgress {
			continue
		}
		if o.hasLiveAgentFor(t.ID) {
			continue
		}
		o.logger.Warn("reaping stale in-progress ticket with no live agent", "ticket", t.ID)
		if err := o.store.UpdateTicketStatus(t.ID, pipeline.StatusTodo, "stale assignment: no live agent"); err != nil {
			o.logger.Error("reaping stale ticket", "ticket", t.ID, "error", err)
			continue
		}
		o.mu.Lock()
		o.graph.UpdateTicketStatus(t.ID, pipeline.StatusTodo)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) hasLiveAgentFor(ticketID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for agentID, tid := range o.agentTicket {
		if tid != ticketID {
			continue
		}
		if a, ok := o.agents.Agent(agentID); ok {
			switch a.Status {
			case agent.StatusStarting, agent.StatusWorking, agent.StatusValidating, agent.StatusBlocked:
				return true
			}
		}
	}
	return false
}

// Run drives Tick on cfg.CycleInterval until ctx is cancelled, then stops.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Stop()
			return
		case <-ticker.C:
			o.Tick()
		}
	}
}

func (o *Orchestrator) resolveTicket(e eventbus.Event) string {
	if e.TicketID != "" {
		return e.TicketID
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agentTicket[e.AgentID]
}

func (o *Orchestrator) forgetAgent(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.agentTicket, agentID)
}

func (o *Orchestrator) publishReadyTickets() {
	ready := o.GetReadyTickets()
	ids := make([]string, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	e := eventbus.New(eventbus.TypeTicketsReady)
	e.ReadyTicketIDs = ids
	o.bus.Publish(e)
}

func (o *Orchestrator) publishPlanError(err error) {
	o.logger.Error("plan failed to load", "error", err)
	le := eventbus.New(eventbus.TypePlanError)
	le.Level = "error"
	le.Message = err.Error()
	o.bus.Publish(le)
}

func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func summarizeValidationFailure(result validate.Result) string {
	for _, step := range result.Steps {
		if !step.Passed {
			return fmt.Sprintf("validation step %q failed (exit code %d): %s", step.Command, step.ExitCode, step.Stderr)
		}
	}
	return "validation failed"
}
