// Package graph implements the Dependency Graph: adjacency and reverse
// adjacency over ticket ids, cycle detection, topological ordering, and
// ready-set computation.
package graph

import (
	"fmt"
	"sort"

	"github.com/quietloop/planloop/pipeline"
	"github.com/quietloop/planloop/plan"
)

// Graph holds a read-only view of tickets, rebuilt in full whenever the
// plan is (re)loaded. It stores ids, never ticket pointers beyond the
// cached lookup table, so cycles are just edges over string keys.
type Graph struct {
	deps       map[string][]string      // id -> dependency ids
	dependents map[string][]string      // id -> ids that depend on it
	tickets    map[string]*plan.Ticket
	order      []string // insertion order, for stable iteration
}

// New returns an empty Graph. Call Build to populate it.
func New() *Graph {
	return &Graph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		tickets:    make(map[string]*plan.Ticket),
	}
}

// Build clears and rebuilds both adjacency maps from tickets. Dependency
// entries naming a missing ticket are tolerated here and simply excluded
// from traversal; the Plan Store surfaces them as parse errors separately.
func (g *Graph) Build(tickets []*plan.Ticket) {
	g.deps = make(map[string][]string)
	g.dependents = make(map[string][]string)
	g.tickets = make(map[string]*plan.Ticket)
	g.order = g.order[:0]

	for _, t := range tickets {
		g.tickets[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	for _, t := range tickets {
		for _, dep := range t.Dependencies {
			if _, ok := g.tickets[dep]; !ok {
				continue
			}
			g.deps[t.ID] = append(g.deps[t.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	for id := range g.deps {
		sort.Strings(g.deps[id])
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}
}

// UpdateTicketStatus mutates the cached ticket record's status without
// altering any edges.
func (g *Graph) UpdateTicketStatus(id string, status pipeline.Status) {
	if t, ok := g.tickets[id]; ok {
		t.Status = status
	}
}

// Dependencies returns the sorted dependency ids of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the sorted ids of tickets that depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// BlockedBy returns the dependencies of id whose status is not Done.
func (g *Graph) BlockedBy(id string) []string {
	var blockers []string
	for _, dep := range g.deps[id] {
		t, ok := g.tickets[dep]
		if !ok {
			continue
		}
		if t.Status != pipeline.StatusDone {
			blockers = append(blockers, dep)
		}
	}
	return blockers
}

// Ready returns Todo tickets whose every dependency is Done, sorted by
// priority ascending (P0 first), ties broken by id order.
func (g *Graph) Ready() []*plan.Ticket {
	var ready []*plan.Ticket
	for _, id := range g.order {
		t := g.tickets[id]
		if t.Status != pipeline.StatusTodo {
			continue
		}
		if len(g.BlockedBy(id)) == 0 {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() < ready[j].Priority.Rank()
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// CycleError reports one cycle found by DetectCycles, given as the
// sequence of ids forming it (first id repeated at the end).
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// color states for the three-color DFS used by DetectCycles.
const (
	white = iota // unvisited
	gray         // in progress (on the current DFS stack)
	black        // done
)

// DetectCycles runs a three-color DFS over the dependency edges and
// returns one CycleError per independent cycle found.
func (g *Graph) DetectCycles() []error {
	color := make(map[string]int, len(g.order))
	var parent = make(map[string]string)
	var cycles []error

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case white:
				parent[dep] = id
				visit(dep)
			case gray:
				cycles = append(cycles, &CycleError{Cycle: reconstructCycle(parent, id, dep)})
			case black:
				// already fully explored, no cycle through this edge
			}
		}
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// reconstructCycle walks parent pointers from the revisiting node back to
// the revisited node, producing the cycle in traversal order.
func reconstructCycle(parent map[string]string, from, to string) []string {
	path := []string{from}
	cur := from
	for cur != to {
		p, ok := parent[cur]
		if !ok {
			break
		}
		path = append(path, p)
		cur = p
	}
	// reverse so the cycle reads revisited node -> ... -> revisiting node,
	// then close it with the revisited node again
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	path = append(path, to)
	return path
}

// TopologicalOrder returns every ticket id exactly once via Kahn's
// algorithm. The graph's edges run id -> dep for each of id's
// dependencies; for every such edge, TopologicalOrder places id before
// dep. It fails if any cycle exists.
//
// Concretely: a node's in-degree is the number of tickets that list it as
// a dependency (len(dependents[node])); a node with in-degree 0 is one no
// other ticket depends on. Dequeuing node n and decrementing the
// in-degree of each of n's own dependencies guarantees n precedes them,
// per Kahn's algorithm.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependents[id])
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		var freed []string
		for _, dep := range g.deps[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
		sort.Strings(queue)
	}

	if len(result) != len(g.order) {
		return nil, &CycleError{Cycle: remaining(inDegree)}
	}
	return result, nil
}

func remaining(inDegree map[string]int) []string {
	var ids []string
	for id, deg := range inDegree {
		if deg > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
