package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tui"
)

var (
	boardProject int64
	boardUser    int64
	boardStart   bool
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Open the interactive task board for a project",
	RunE:  runBoard,
}

var summaryProject int64

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show a project's progress",
	RunE:  runSummary,
}

var statsUser int64

func init() {
	boardCmd.Flags().Int64VarP(&boardProject, "project", "p", 0, "Project ID (required)")
	boardCmd.Flags().Int64VarP(&boardUser, "user", "u", 0, "Acting user ID (required)")
	boardCmd.Flags().BoolVar(&boardStart, "start", true, "Start a local daemon if none is running")
	boardCmd.MarkFlagRequired("project")
	boardCmd.MarkFlagRequired("user")

	summaryCmd.Flags().Int64VarP(&summaryProject, "project", "p", 0, "Project ID")
	summaryCmd.Flags().Int64VarP(&statsUser, "user", "u", 0, "Show a user's lifetime counters instead")
}

func runBoard(cmd *cobra.Command, args []string) error {
	if boardStart && !isDaemonRunning(cmd.Context()) {
		fmt.Println("Daemon not running. Starting background service...")
		if err := startDaemon(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	if err := tui.New(apiClient(), boardProject, boardUser).Run(); err != nil {
		return fmt.Errorf("board error: %w", err)
	}
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	c := apiClient()
	if statsUser > 0 {
		uc, err := c.UserStats(cmd.Context(), statsUser)
		if err != nil {
			return err
		}
		fmt.Printf("User %d\n", uc.UserID)
		fmt.Printf("  Mapped:      %d\n", uc.TasksMapped)
		fmt.Printf("  Validated:   %d\n", uc.TasksValidated)
		fmt.Printf("  Invalidated: %d\n", uc.TasksInvalidated)
		return nil
	}
	if summaryProject <= 0 {
		return fmt.Errorf("--project or --user is required")
	}

	s, err := c.Summary(cmd.Context(), summaryProject)
	if err != nil {
		return err
	}
	fmt.Printf("Project %d\n", s.ProjectID)
	fmt.Printf("  Tasks:        %d\n", s.TotalTasks)
	fmt.Printf("  Mapped:       %d (%d%%)\n", s.TasksMapped, s.PercentMapped)
	fmt.Printf("  Validated:    %d (%d%%)\n", s.TasksValidated, s.PercentValidated)
	fmt.Printf("  Bad imagery:  %d (%d%%)\n", s.TasksBadImagery, s.PercentBadImagery)
	fmt.Printf("  Active locks: %d\n", s.ActiveLocks)
	return nil
}

func isDaemonRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := apiClient().Health(ctx)
	return err == nil
}

// startDaemon launches "tasking daemon" detached from the terminal and
// waits for its health check.
func startDaemon(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	detach(cmd)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(ctx) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
