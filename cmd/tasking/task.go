package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work on tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show a task's history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHistory,
}

var taskLockCmd = &cobra.Command{
	Use:   "lock [task-id]",
	Short: "Lock a task for mapping or validation",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLock,
}

var taskUnlockCmd = &cobra.Command{
	Use:   "unlock [task-id]",
	Short: "Unlock a task with an outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUnlock,
}

var taskUndoCmd = &cobra.Command{
	Use:   "undo [task-id]",
	Short: "Revert a task's last settle",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskUndo,
}

var (
	projectID  int64
	userID     int64
	taskStatus string
	validation bool
	outcome    string
	comment    string
)

func init() {
	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskHistoryCmd, taskLockCmd, taskUnlockCmd, taskUndoCmd)

	taskCmd.PersistentFlags().Int64VarP(&projectID, "project", "p", 0, "Project ID (required)")
	taskCmd.MarkPersistentFlagRequired("project")

	for _, c := range []*cobra.Command{taskLockCmd, taskUnlockCmd, taskUndoCmd} {
		c.Flags().Int64VarP(&userID, "user", "u", 0, "Acting user ID (required)")
		c.MarkFlagRequired("user")
	}

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (READY, MAPPED, VALIDATED, ...)")

	taskLockCmd.Flags().BoolVar(&validation, "validate", false, "Lock for validation instead of mapping")

	taskUnlockCmd.Flags().BoolVar(&validation, "validate", false, "Close a validation session instead of a mapping one")
	taskUnlockCmd.Flags().StringVar(&outcome, "outcome", "", "Resulting status (required)")
	taskUnlockCmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment to record with the unlock")
	taskUnlockCmd.MarkFlagRequired("outcome")
}

func lockKind() models.LockKind {
	if validation {
		return models.LockValidation
	}
	return models.LockMapping
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var filter models.TaskStatus
	if taskStatus != "" {
		s, ok := models.ParseTaskStatus(strings.ToUpper(taskStatus))
		if !ok {
			return fmt.Errorf("unknown status %q", taskStatus)
		}
		filter = s
	}

	tasks, err := apiClient().ListTasks(cmd.Context(), projectID, filter)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tLOCKED BY\tMAPPED BY\tVALIDATED BY")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Status, userRef(t.LockedBy), userRef(t.MappedBy), userRef(t.ValidatedBy))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	t, err := apiClient().GetTask(cmd.Context(), projectID, id)
	if err != nil {
		return err
	}
	printTask(t)
	return nil
}

func runTaskHistory(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	entries, err := apiClient().History(cmd.Context(), projectID, id)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tUSER\tTEXT")
	for _, e := range entries {
		text := ""
		switch {
		case e.Open:
			text = "(open)"
		case e.ActionText != nil:
			text = *e.ActionText
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.ActionDate.Local().Format("2006-01-02 15:04:05"), e.Action, e.UserID, text)
	}
	return w.Flush()
}

func runTaskLock(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	t, err := apiClient().Lock(cmd.Context(), lockKind(), projectID, id, userID)
	if err != nil {
		return err
	}
	fmt.Printf("Locked task %d for %s\n", t.ID, lockKind())
	return nil
}

func runTaskUnlock(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	status, ok := models.ParseTaskStatus(strings.ToUpper(outcome))
	if !ok {
		return fmt.Errorf("unknown outcome %q", outcome)
	}
	t, err := apiClient().Unlock(cmd.Context(), lockKind(), projectID, id, userID, status, comment)
	if err != nil {
		return err
	}
	fmt.Printf("Task %d is now %s\n", t.ID, t.Status)
	return nil
}

func runTaskUndo(cmd *cobra.Command, args []string) error {
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	t, err := apiClient().Undo(cmd.Context(), projectID, id, userID)
	if err != nil {
		return err
	}
	fmt.Printf("Task %d restored to %s\n", t.ID, t.Status)
	return nil
}

// --- Helpers ---

func printTask(t *models.Task) {
	fmt.Printf("Project:      %d\n", t.ProjectID)
	fmt.Printf("Task:         %d\n", t.ID)
	fmt.Printf("Status:       %s\n", t.Status)
	fmt.Printf("Locked By:    %s\n", userRef(t.LockedBy))
	fmt.Printf("Mapped By:    %s\n", userRef(t.MappedBy))
	fmt.Printf("Validated By: %s\n", userRef(t.ValidatedBy))
	fmt.Printf("Updated:      %s\n", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}

func userRef(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}
