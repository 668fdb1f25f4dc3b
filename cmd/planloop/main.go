// Command planloop drives a Markdown ticket plan through the dependency
// graph, agent pool, and validation pipeline described by its root package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/quietloop/planloop"
	"github.com/quietloop/planloop/agent"
	"github.com/quietloop/planloop/eventbus"
	"github.com/quietloop/planloop/git"
	"github.com/quietloop/planloop/graph"
	"github.com/quietloop/planloop/internal/eventlog"
	"github.com/quietloop/planloop/pipeline"
	"github.com/quietloop/planloop/plan"
)

// statusDisplayOrder mirrors pipeline's own displayOrder ranking
// (Failed first, then the forward pipeline order) for the status report.
var statusDisplayOrder = []pipeline.Status{
	pipeline.StatusFailed,
	pipeline.StatusTodo,
	pipeline.StatusInProgress,
	pipeline.StatusReview,
	pipeline.StatusQA,
	pipeline.StatusDone,
}

var (
	planFile   string
	maxAgents  int
	repoRoot   string
	worktreeDir string
	mainBranch string
	eventDBPath string
	agentModel string
	agentCommand string
)

func main() {
	root := &cobra.Command{
		Use:   "planloop",
		Short: "Local ticket orchestrator driving a Markdown plan through dependency-aware agents",
	}
	root.PersistentFlags().StringVar(&planFile, "plan", "PLAN.md", "path to the plan file")
	root.PersistentFlags().IntVar(&maxAgents, "max-agents", 3, "maximum concurrent agents")
	root.PersistentFlags().StringVar(&repoRoot, "repo", ".", "repository root for worktree allocation")
	root.PersistentFlags().StringVar(&worktreeDir, "worktree-dir", ".worktrees", "directory worktrees are created under")
	root.PersistentFlags().StringVar(&mainBranch, "main-branch", "main", "branch worktrees are created from")
	root.PersistentFlags().StringVar(&eventDBPath, "event-db", "", "optional path to record every Event Bus publication via SQLite (disabled if empty)")
	root.PersistentFlags().StringVar(&agentModel, "model", "", "model identifier passed through to spawned agents")
	root.PersistentFlags().StringVar(&agentCommand, "agent-command", "claude", "executable used to launch each ticket's agent")

	root.AddCommand(newRunCmd(), newStatusCmd(), newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func cliLauncher(command string) agent.Launcher {
	return func(ctx context.Context, req agent.SpawnRequest) (*exec.Cmd, error) {
		args := []string{}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Dir = req.WorkingDirectory
		cmd.Stdin = nil
		return cmd, nil
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator loop: assign ready tickets, validate completed work, advance the plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			bus := eventbus.New(logger, 0)

			if eventDBPath != "" {
				sink, err := eventlog.Attach(bus, logger, eventDBPath)
				if err != nil {
					return fmt.Errorf("attaching event log: %w", err)
				}
				defer sink.Close()
			}

			worktrees := planloop.NewGitWorktreeAllocator(git.NewWorktreeManager(repoRoot, worktreeDir, mainBranch))

			cfg := planloop.DefaultConfig()
			cfg.PlanFile = planFile
			cfg.MaxAgents = maxAgents
			cfg.AgentModel = agentModel

			orch := planloop.New(cfg, bus, logger, worktrees, cliLauncher(agentCommand), nil)
			if err := orch.Start(); err != nil {
				return fmt.Errorf("starting orchestrator: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Println("\nshutting down...")
				cancel()
			}()

			go func() {
				if err := orch.WatchPlan(ctx); err != nil {
					logger.Warn("plan file watcher stopped", "error", err)
				}
			}()

			fmt.Printf("planloop running (max %d agents, plan %s)\n", cfg.MaxAgents, cfg.PlanFile)
			fmt.Println("press ctrl+c to stop")
			orch.Run(ctx)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the number of tickets in each pipeline status for the plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			bus := eventbus.New(logger, 0)

			store, parseErrs := plan.Load(planFile, bus)
			if store == nil {
				return fmt.Errorf("loading plan: %v", parseErrs)
			}
			for _, e := range parseErrs {
				fmt.Fprintln(os.Stderr, "warning:", e)
			}

			titleCaser := cases.Title(language.English)
			counts := make(map[pipeline.Status]int)
			for _, t := range store.Tickets() {
				counts[t.Status]++
			}
			fmt.Println("=== Plan status ===")
			for _, s := range statusDisplayOrder {
				fmt.Printf("  %-12s %d\n", titleCaser.String(string(s)), counts[s])
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the plan and check the dependency graph without running any agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus := eventbus.New(newLogger(), 0)
			store, parseErrs := plan.Load(planFile, bus)
			if store == nil {
				return fmt.Errorf("loading plan: %v", parseErrs)
			}
			for _, e := range parseErrs {
				fmt.Fprintln(os.Stderr, "parse error:", e)
			}
			if len(parseErrs) > 0 {
				return fmt.Errorf("plan has %d parse error(s)", len(parseErrs))
			}

			g := graph.New()
			g.Build(store.Tickets())
			if cycles := g.DetectCycles(); len(cycles) > 0 {
				for _, c := range cycles {
					fmt.Fprintln(os.Stderr, "cycle:", c)
				}
				return fmt.Errorf("plan has %d circular dependency error(s)", len(cycles))
			}
			if _, err := g.TopologicalOrder(); err != nil {
				return err
			}

			fmt.Printf("plan ok: %d tickets, no cycles, no dangling dependencies\n", len(store.Tickets()))
			return nil
		},
	}
}
