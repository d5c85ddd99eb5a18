package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"seed/internal/task"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and control tasks on a running daemon",
	}
	cmd.AddCommand(
		newTaskCreateCmd(),
		newTaskListCmd(),
		newTaskGetCmd(),
		newTaskCancelCmd(),
		newTaskPauseCmd(),
		newTaskResumeCmd(),
		newTaskInstructCmd(),
	)
	return cmd
}

func newTaskCreateCmd() *cobra.Command {
	var agentID, intent, priority string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task and hand it to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out struct {
				TaskID string `json:"taskId"`
			}
			err = client.call("POST", "/api/tasks", map[string]any{
				"title":    args[0],
				"intent":   intent,
				"agentId":  agentID,
				"priority": priority,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Println(green("created ") + bold(out.TaskID))
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "agent_seed_chat", "agent id to run the task")
	cmd.Flags().StringVarP(&intent, "intent", "i", "", "full instruction for the agent")
	cmd.Flags().StringVar(&priority, "priority", "normal", "foreground, normal, or background")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			path := "/api/tasks"
			if status != "" {
				path += "?status=" + status
			}
			var out struct {
				Tasks []*task.View `json:"tasks"`
			}
			if err := client.call("GET", path, nil, &out); err != nil {
				return err
			}
			if len(out.Tasks) == 0 {
				fmt.Println(gray("no tasks"))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tAGE\tTITLE")
			for _, v := range out.Tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					v.TaskID, colorStatus(v.Status), v.AgentID,
					age(v.CreatedAt), v.Title)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func newTaskGetCmd() *cobra.Command {
	var showJSON bool
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var view task.View
			if err := client.call("GET", "/api/tasks/"+args[0], nil, &view); err != nil {
				return err
			}
			if showJSON {
				raw, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}
			printView(&view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showJSON, "json", false, "print raw JSON")
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			err = client.call("POST", "/api/tasks/"+args[0]+"/cancel",
				map[string]any{"reason": reason}, nil)
			if err != nil {
				return err
			}
			fmt.Println(yellow("canceled ") + args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is being canceled")
	return cmd
}

func newTaskPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.call("POST", "/api/tasks/"+args[0]+"/pause", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Println(yellow("paused ") + args[0])
			return nil
		},
	}
}

func newTaskResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.call("POST", "/api/tasks/"+args[0]+"/resume", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Println(green("resumed ") + args[0])
			return nil
		},
	}
}

func newTaskInstructCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instruct <task-id> <instruction>",
		Short: "Queue a follow-up instruction for a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			instruction := strings.Join(args[1:], " ")
			err = client.call("POST", "/api/tasks/"+args[0]+"/instructions",
				map[string]any{"instruction": instruction}, nil)
			if err != nil {
				return err
			}
			fmt.Println(green("queued instruction for ") + args[0])
			return nil
		},
	}
}

func newRespondCmd() *cobra.Command {
	var optionID, text string
	cmd := &cobra.Command{
		Use:   "respond <task-id> <interaction-id>",
		Short: "Answer a pending interaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if optionID == "" && text == "" {
				return fmt.Errorf("one of --option or --text is required")
			}
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			err = client.call("POST",
				fmt.Sprintf("/api/tasks/%s/interactions/%s/respond", args[0], args[1]),
				map[string]any{"selectedOptionId": optionID, "text": text}, nil)
			if err != nil {
				return err
			}
			fmt.Println(green("responded to ") + args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&optionID, "option", "", "selected option id (approve, reject, ...)")
	cmd.Flags().StringVar(&text, "text", "", "free-form answer text")
	return cmd
}

func printView(v *task.View) {
	fmt.Printf("%s  %s\n", bold(v.TaskID), colorStatus(v.Status))
	fmt.Printf("  title:    %s\n", v.Title)
	if v.Intent != "" {
		fmt.Printf("  intent:   %s\n", v.Intent)
	}
	fmt.Printf("  agent:    %s\n", v.AgentID)
	fmt.Printf("  priority: %s\n", v.Priority)
	if v.ParentTaskID != "" {
		fmt.Printf("  parent:   %s\n", v.ParentTaskID)
	}
	if len(v.ChildTaskIDs) > 0 {
		fmt.Printf("  children: %s\n", strings.Join(v.ChildTaskIDs, ", "))
	}
	if v.PendingInteractionID != "" {
		fmt.Printf("  pending:  %s\n", cyan(v.PendingInteractionID))
	}
	if v.Summary != "" {
		fmt.Printf("  summary:  %s\n", v.Summary)
	}
	if v.FailureReason != "" {
		fmt.Printf("  failure:  %s\n", red(v.FailureReason))
	}
	fmt.Printf("  created:  %s (%s ago)\n", v.CreatedAt.Format(time.RFC3339), age(v.CreatedAt))
}

func colorStatus(s task.Status) string {
	if !isTTY() {
		return string(s)
	}
	switch s {
	case task.StatusDone:
		return green(string(s))
	case task.StatusFailed, task.StatusCanceled:
		return red(string(s))
	case task.StatusPaused, task.StatusAwaitingUser:
		return yellow(string(s))
	case task.StatusInProgress:
		return cyan(string(s))
	default:
		return string(s)
	}
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
