package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/queue"
	"github.com/tildaslashalef/innkeep/internal/sync"
	"github.com/tildaslashalef/innkeep/internal/utils"
	"github.com/urfave/cli/v2"
)

// QueueCommand returns the CLI command for inspecting the local action queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and manage actions waiting for the backend",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List queued actions in replay order",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "status",
						Aliases: []string{"s"},
						Usage:   "Only show actions in these statuses (pending, syncing, failed)",
					},
					&cli.StringFlag{
						Name:    "operation",
						Aliases: []string{"o"},
						Usage:   "Only show actions for this operation",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of actions to show",
					},
				},
				Action: queueListAction,
			},
			{
				Name:      "show",
				Usage:     "Show one queued action with its payload",
				ArgsUsage: "<action id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "copy",
						Aliases: []string{"c"},
						Usage:   "Copy the payload to the clipboard",
					},
				},
				Action: queueShowAction,
			},
			{
				Name:      "retry",
				Usage:     "Return failed actions to the queue",
				ArgsUsage: "<action id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Retry every failed action",
					},
				},
				Action: queueRetryAction,
			},
			{
				Name:      "remove",
				Usage:     "Discard a queued action without replaying it",
				ArgsUsage: "<action id>",
				Action:    queueRemoveAction,
			},
			{
				Name:  "logs",
				Usage: "Show the replay log",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "operation",
						Usage: "Only show replays of this operation",
					},
					&cli.StringFlag{
						Name:  "action",
						Usage: "Only show replays of this action id",
					},
					&cli.BoolFlag{
						Name:  "failed",
						Usage: "Only show failed replays",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of entries",
						Value: 200,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Skip this many entries",
					},
				},
				Action: queueLogsAction,
				Subcommands: []*cli.Command{
					{
						Name:  "prune",
						Usage: "Delete successful log entries older than a duration",
						Flags: []cli.Flag{
							&cli.DurationFlag{
								Name:  "older-than",
								Usage: "Age of entries to delete",
								Value: 30 * 24 * time.Hour,
							},
						},
						Action: queuePruneAction,
					},
				},
			},
		},
	}
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	filter := queue.Filter{
		OperationName: c.String("operation"),
		Limit:         c.Int("limit"),
	}
	for _, s := range c.StringSlice("status") {
		status, err := queue.ParseStatus(s)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	actions, err := application.Queue.List(c.Context, filter)
	if err != nil {
		return fmt.Errorf("listing queued actions: %w", err)
	}

	if len(actions) == 0 {
		utils.PrintInfo("The queue is empty")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []string{
			a.ID,
			a.OperationName,
			statusLabel(a.Status),
			strconv.Itoa(a.AttemptCount),
			utils.FormatAge(a.CreatedAt, now),
			utils.Truncate(a.LastError, 48),
		})
	}

	opts := utils.DefaultTableOptions()
	opts.Title = "Queued Actions"
	utils.PrintTable([]string{"ID", "Operation", "Status", "Attempts", "Queued", "Last Error"}, rows, opts)
	return nil
}

func queueShowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return cli.Exit("action id is required", 1)
	}

	action, err := application.Queue.Get(c.Context, id)
	if errors.Is(err, queue.ErrNotFound) {
		return cli.Exit(fmt.Sprintf("no queued action %s", id), 1)
	}
	if err != nil {
		return err
	}

	utils.PrintHeading(action.OperationName)
	utils.PrintKeyValue("ID", action.ID)
	utils.PrintKeyValue("Status", statusLabel(action.Status))
	utils.PrintKeyValue("Attempts", strconv.Itoa(action.AttemptCount))
	utils.PrintKeyValue("Queued", utils.FormatTime(action.CreatedAt))
	utils.PrintKeyValue("Updated", utils.FormatTime(action.UpdatedAt))
	if action.LastError != "" {
		utils.PrintKeyValueWithColor("Last error", action.LastError, utils.Theme.Error)
	}

	payload := prettyJSON(action.Payload)
	utils.PrintSubHeading("Payload")
	fmt.Println(payload)

	if c.Bool("copy") {
		if err := utils.CopyToClipboard(payload); err != nil {
			utils.PrintWarning(fmt.Sprintf("Could not copy payload: %s", err))
		} else {
			utils.PrintSuccess("Payload copied to clipboard")
		}
	}
	return nil
}

func queueRetryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if c.Bool("all") {
		n, err := application.Sync.RetryAll(c.Context)
		if err != nil {
			return fmt.Errorf("retrying failed actions: %w", err)
		}
		utils.PrintSuccess(fmt.Sprintf("%d failed action(s) returned to the queue", n))
		return nil
	}

	id := c.Args().First()
	if id == "" {
		return cli.Exit("action id or --all is required", 1)
	}
	if err := application.Sync.Retry(c.Context, id); err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			return cli.Exit(fmt.Sprintf("no queued action %s", id), 1)
		case errors.Is(err, queue.ErrInvalidTransition):
			return cli.Exit(fmt.Sprintf("%s is not in the failed state", id), 1)
		}
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("%s returned to the queue", id))
	return nil
}

func queueRemoveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return cli.Exit("action id is required", 1)
	}
	if err := application.Sync.Discard(c.Context, id); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			return cli.Exit(fmt.Sprintf("%s is being replayed and cannot be removed", id), 1)
		}
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("%s removed", id))
	return nil
}

func queueLogsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	logs, err := application.Sync.GetSyncLogs(c.Context, sync.LogFilter{
		OperationName: c.String("operation"),
		ActionID:      c.String("action"),
		FailedOnly:    c.Bool("failed"),
		Limit:         c.Int("limit"),
		Offset:        c.Int("offset"),
	})
	if err != nil {
		return fmt.Errorf("error getting sync logs: %w", err)
	}

	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			string(l.SyncType),
			l.OperationName,
			l.ActionID,
			replayLabel(l),
			strconv.Itoa(l.AttemptCount),
			utils.Truncate(l.ErrorMessage, 48),
			utils.FormatTime(l.StartedAt),
			l.CompletedAt.Sub(l.StartedAt).Round(time.Millisecond).String(),
		})
	}

	utils.PrintPaginatedTable(
		[]string{"Type", "Operation", "Action", "Result", "Attempt", "Error", "Started", "Took"},
		rows, 20, "Replay Log",
	)
	return nil
}

func queuePruneAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	olderThan := c.Duration("older-than")
	if olderThan < 0 {
		return cli.Exit("--older-than must not be negative", 1)
	}

	n, err := application.Sync.PruneSyncLogs(c.Context, olderThan)
	if err != nil {
		return fmt.Errorf("pruning sync logs: %w", err)
	}
	utils.PrintSuccess(fmt.Sprintf("Pruned %d log entries", n))
	return nil
}

func statusLabel(s queue.Status) string {
	switch s {
	case queue.StatusFailed:
		return utils.Theme.Error.Sprint("✗ failed")
	case queue.StatusSyncing:
		return utils.Theme.Info.Sprint("↻ syncing")
	case queue.StatusSynced:
		return utils.Theme.Success.Sprint("✓ synced")
	default:
		return utils.Theme.Warning.Sprint("• pending")
	}
}

func replayLabel(l *sync.SyncLog) string {
	if l.Success {
		return "✓ Success"
	}
	return fmt.Sprintf("✗ %s", l.ErrorType)
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
