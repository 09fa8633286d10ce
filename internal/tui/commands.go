package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
)

type commandKind int

const (
	cmdMap commandKind = iota + 1
	cmdValidate
	cmdDone
	cmdUndo
	cmdUser
	cmdStats
	cmdSweep
	cmdRefresh
	cmdQuit
)

// command is a parsed line from the board's input box.
type command struct {
	kind    commandKind
	outcome models.TaskStatus
	comment string
	userID  int64
}

// parseCommand parses board input. A leading "/" or "!" from the
// suggestion dropdown is ignored.
func parseCommand(input string) (command, error) {
	input = strings.TrimLeft(strings.TrimSpace(input), "/!")
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return command{}, fmt.Errorf("empty command")
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "map", "m":
		return command{kind: cmdMap}, nil
	case "validate", "v":
		return command{kind: cmdValidate}, nil
	case "done", "d":
		if len(args) == 0 {
			return command{}, fmt.Errorf("usage: done <STATUS> [comment]")
		}
		outcome, ok := models.ParseTaskStatus(strings.ToUpper(args[0]))
		if !ok {
			return command{}, fmt.Errorf("unknown status %q", args[0])
		}
		return command{kind: cmdDone, outcome: outcome, comment: strings.Join(args[1:], " ")}, nil
	case "undo", "u":
		return command{kind: cmdUndo}, nil
	case "user":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: user <id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return command{}, fmt.Errorf("invalid user id %q", args[0])
		}
		return command{kind: cmdUser, userID: id}, nil
	case "stats":
		return command{kind: cmdStats}, nil
	case "sweep":
		return command{kind: cmdSweep}, nil
	case "refresh", "r":
		return command{kind: cmdRefresh}, nil
	case "q", "quit", "exit":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown: %s (try: map, validate, done, undo)", fields[0])
}

// unlockKind picks the session to close from the task's current status.
func unlockKind(status models.TaskStatus) (models.LockKind, error) {
	kind, ok := models.LockKindOf(status)
	if !ok {
		return 0, fmt.Errorf("task is %s, not locked", status)
	}
	return kind, nil
}
