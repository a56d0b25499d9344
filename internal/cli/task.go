package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andyhub/andy/internal/config"
	"github.com/andyhub/andy/internal/scheduler"
	"github.com/andyhub/andy/internal/store"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage scheduled tasks"}
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskPauseCmd())
	cmd.AddCommand(newTaskResumeCmd())
	return cmd
}

func openStoreForCLI(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	paths := config.ResolvePaths(cfg)
	return store.Open(ctx, paths.StoreDir+"/andy.db")
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.GetAllTasks(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Printf("%s\t%s\t%s %q\t%s\tnext=%s\n",
					t.ID, t.GroupFolder, t.ScheduleKind, t.ScheduleExpr, t.Status, t.NextRun.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newTaskCreateCmd() *cobra.Command {
	var (
		group       string
		chatJID     string
		contextMode string
		kind        string
		expr        string
		timezone    string
		content     string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == string(store.ScheduleCron) {
				if err := scheduler.ValidateCronExpr(expr); err != nil {
					return err
				}
			}
			if timezone == "" {
				timezone = "UTC"
			}

			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			var nextRun time.Time
			switch store.ScheduleKind(kind) {
			case store.ScheduleOnce, store.ScheduleInterval:
				nextRun = time.Now().UTC()
			default:
				nextRun = time.Now().UTC()
			}

			task := store.Task{
				ID:           uuid.NewString(),
				GroupFolder:  group,
				ChatJID:      chatJID,
				ContextMode:  store.ContextMode(contextMode),
				ScheduleKind: store.ScheduleKind(kind),
				ScheduleExpr: expr,
				Timezone:     timezone,
				Content:      content,
				Status:       store.TaskActive,
				NextRun:      nextRun,
			}
			if err := st.CreateTask(cmd.Context(), task); err != nil {
				return err
			}
			printOK(fmt.Sprintf("created task %s", task.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "main", "registered group folder this task targets")
	cmd.Flags().StringVar(&chatJID, "chat-jid", "", "destination chat JID (defaults to the group's registered JID)")
	cmd.Flags().StringVar(&contextMode, "context-mode", string(store.ContextIsolated), "isolated (fresh container each run) or group (shares the group's session)")
	cmd.Flags().StringVar(&kind, "kind", "once", "schedule kind: cron, interval, once")
	cmd.Flags().StringVar(&expr, "expr", "", "cron expression or Go duration (e.g. 1h) depending on kind")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for cron evaluation")
	cmd.Flags().StringVar(&content, "content", "", "message content dispatched to the agent")
	return cmd
}

func newTaskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Disable a task without deleting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetTaskStatus(cmd.Context(), args[0], store.TaskPaused); err != nil {
				return err
			}
			printOK(fmt.Sprintf("paused task %s", args[0]))
			return nil
		},
	}
}

func newTaskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Re-enable a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreForCLI(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SetTaskStatus(cmd.Context(), args[0], store.TaskActive); err != nil {
				return err
			}
			printOK(fmt.Sprintf("resumed task %s", args[0]))
			return nil
		},
	}
}
