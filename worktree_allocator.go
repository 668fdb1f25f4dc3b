package planloop

import (
	"sync"

	"github.com/quietloop/planloop/git"
)

// GitWorktreeAllocator satisfies WorktreeAllocator by giving each assigned
// ticket its own git worktree and branch, adapted from git.WorktreeManager.
// The branch is named from the ticket id with the epic as its suffix
// ("ticket/<id>-<epic>"); the worktree itself is keyed by ticket id.
type GitWorktreeAllocator struct {
	manager *git.WorktreeManager

	mu    sync.Mutex
	paths map[string]string // ticketID -> worktree path
}

// NewGitWorktreeAllocator wraps an existing git.WorktreeManager.
func NewGitWorktreeAllocator(manager *git.WorktreeManager) *GitWorktreeAllocator {
	return &GitWorktreeAllocator{
		manager: manager,
		paths:   make(map[string]string),
	}
}

// Allocate creates a worktree on a ticket-derived branch and remembers its
// path for the matching Release call.
func (a *GitWorktreeAllocator) Allocate(ticketID, epic string) (string, error) {
	branch := git.GenerateBranchName("ticket/", ticketID, epic)
	path, err := a.manager.CreateWorktree(ticketID, branch)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.paths[ticketID] = path
	a.mu.Unlock()
	return path, nil
}

// Release removes the worktree allocated for ticketID, if any. An
// unallocated ticket id is a no-op, matching the orchestrator's own
// release-on-every-path-including-failure discipline.
func (a *GitWorktreeAllocator) Release(ticketID string) error {
	a.mu.Lock()
	path, ok := a.paths[ticketID]
	delete(a.paths, ticketID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return a.manager.RemoveWorktree(path, false)
}
