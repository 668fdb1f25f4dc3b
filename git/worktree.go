// Package git wraps the git worktree operations the orchestrator needs to
// give each ticket its own working directory and branch.
package git

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// WorktreeManager handles git worktree operations.
type WorktreeManager struct {
	repoRoot    string // Main repository root
	worktreeDir string // Directory for worktrees (e.g., .worktrees)
	mainBranch  string // Main branch name (e.g., main)
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(repoRoot, worktreeDir, mainBranch string) *WorktreeManager {
	return &WorktreeManager{
		repoRoot:    repoRoot,
		worktreeDir: worktreeDir,
		mainBranch:  mainBranch,
	}
}

// CreateWorktree creates a new worktree for a ticket.
// Returns the absolute path to the worktree.
func (m *WorktreeManager) CreateWorktree(ticketID, branchName string) (string, error) {
	// Sanitize branch name for filesystem
	safeName := sanitizeBranchName(branchName)

	// Build worktree path (use absolute path for bare repo compatibility)
	worktreePath := filepath.Join(m.repoRoot, m.worktreeDir, safeName)
	absWorktreePath, err := filepath.Abs(worktreePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	worktreePath = absWorktreePath

	// Ensure worktree directory exists
	worktreeParent := filepath.Dir(worktreePath)
	if err := os.MkdirAll(worktreeParent, 0750); err != nil {
		return "", fmt.Errorf("failed to create worktree directory: %w", err)
	}

	// Check if worktree already exists
	if _, err := os.Stat(worktreePath); err == nil {
		// Worktree exists, just return the path
		return worktreePath, nil
	}

	if err := m.runGit(m.repoRoot, "fetch", "origin", m.mainBranch); err != nil {
		return "", fmt.Errorf("failed to fetch origin: %w", err)
	}

	// Check if branch exists
	branchExists := m.branchExistsIn(m.repoRoot, branchName)

	var args []string
	if branchExists {
		// Checkout existing branch
		args = []string{"worktree", "add", worktreePath, branchName}
	} else {
		// Create new branch from origin/main
		args = []string{"worktree", "add", "-b", branchName, worktreePath, "origin/" + m.mainBranch}
	}

	if err := m.runGit(m.repoRoot, args...); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w", err)
	}

	return worktreePath, nil
}

// RemoveWorktree removes a worktree and optionally its branch.
func (m *WorktreeManager) RemoveWorktree(worktreePath string, removeBranch bool) error {
	// Get branch name before removing
	var branchName string
	if removeBranch {
		output, err := m.runGitOutput(worktreePath, "branch", "--show-current")
		if err == nil {
			branchName = strings.TrimSpace(string(output))
		}
	}

	// Remove worktree
	if err := m.runGit(m.repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		// Try manual removal if git worktree remove fails
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		// Prune worktrees (ignore error - best effort cleanup)
		_ = m.runGit(m.repoRoot, "worktree", "prune")
	}

	// Remove branch if requested (ignore error - best effort cleanup)
	if removeBranch && branchName != "" && branchName != m.mainBranch {
		_ = m.runGit(m.repoRoot, "branch", "-D", branchName)
	}

	return nil
}

// branchExistsIn checks if a branch exists in a specific repo.
func (m *WorktreeManager) branchExistsIn(repoPath, branchName string) bool {
	// Check local
	err := m.runGit(repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName)
	if err == nil {
		return true
	}

	// Check remote
	err = m.runGit(repoPath, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branchName)
	return err == nil
}

// runGit runs a git command in the specified directory.
func (m *WorktreeManager) runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// runGitOutput runs a git command and returns its output.
func (m *WorktreeManager) runGitOutput(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// sanitizeBranchName converts a branch name to a safe directory name.
func sanitizeBranchName(branch string) string {
	// Remove feat/ prefix if present
	branch = strings.TrimPrefix(branch, "feat/")
	branch = strings.TrimPrefix(branch, "fix/")
	branch = strings.TrimPrefix(branch, "chore/")

	// Replace unsafe characters
	re := regexp.MustCompile(`[^a-zA-Z0-9-_]`)
	return re.ReplaceAllString(branch, "-")
}

// GenerateBranchName creates a branch name from a ticket ID and title.
func GenerateBranchName(prefix, ticketID, title string) string {
	// Sanitize title
	re := regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
	title = re.ReplaceAllString(title, "")
	title = strings.ToLower(title)
	title = strings.ReplaceAll(title, " ", "-")

	// Truncate if too long
	if len(title) > 40 {
		title = title[:40]
	}

	// Remove trailing dashes
	title = strings.TrimRight(title, "-")

	return fmt.Sprintf("%s%s-%s", prefix, ticketID, title)
}
