package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/tollgate/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [query...]",
	Short: "Submit a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskSubmit,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskReplyCmd = &cobra.Command{
	Use:   "reply [task-id] [text...]",
	Short: "Answer a task waiting for input",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskReply,
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Stream task events until the task finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskWatch,
}

var (
	taskTenant   string
	taskIntent   string
	taskRequests map[string]string
	taskWatch    bool
	taskStatus   string
	taskLimit    int
)

func init() {
	taskCmd.AddCommand(taskSubmitCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskReplyCmd, taskWatchCmd)

	taskSubmitCmd.Flags().StringVar(&taskTenant, "tenant", "", "Tenant submitting the task (required)")
	taskSubmitCmd.Flags().StringVar(&taskIntent, "intent", "", "Intent (classified from the query when empty)")
	taskSubmitCmd.Flags().StringToStringVar(&taskRequests, "request", nil, "Resource estimate, e.g. --request compute_minutes=5")
	taskSubmitCmd.Flags().BoolVar(&taskWatch, "watch", false, "Stream events after submitting")
	taskSubmitCmd.MarkFlagRequired("tenant")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (working, input-required, completed, failed, canceled)")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum number of tasks")
}

func parseRequests(raw map[string]string) (map[models.ResourceKey]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[models.ResourceKey]float64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("bad amount for %s: %q", k, v)
		}
		out[models.ResourceKey(k)] = n
	}
	return out, nil
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	requests, err := parseRequests(taskRequests)
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"tenant_id": taskTenant,
		"intent":    taskIntent,
		"query":     strings.Join(args, " "),
		"requests":  requests,
	}

	resp, err := apiPost("/tasks", body)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Submitted task: %s (intent %s)\n", task.ID, task.Intent)

	if taskWatch {
		return watch(cmd.Context(), task.ID)
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/tasks?limit=%d", taskLimit))
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tINTENT\tTENANT\tQUERY")
	n := 0
	for _, t := range tasks {
		if taskStatus != "" && string(t.Status) != taskStatus {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(t.ID), t.Status, t.Intent, t.RequestedBy, truncate(t.Query, 40))
		n++
	}
	if n == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	printTask(&task)
	return nil
}

func printTask(task *models.Task) {
	fmt.Printf("ID:        %s\n", task.ID)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Intent:    %s\n", task.Intent)
	fmt.Printf("Tenant:    %s\n", task.RequestedBy)
	if task.AgentID != "" {
		fmt.Printf("Agent:     %s\n", task.AgentID)
	}
	if task.Cost != nil {
		fmt.Printf("Cost:      %d tokens, $%.4f\n", task.Cost.Tokens, task.Cost.USD)
	}
	fmt.Printf("Created:   %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:   %s\n", task.UpdatedAt.Format("2006-01-02 15:04:05"))

	for _, m := range task.Messages {
		for _, p := range m.Parts {
			if p.Text != "" {
				fmt.Printf("\n[%s] %s\n", m.Role, p.Text)
			}
		}
	}
	for _, a := range task.Artifacts {
		fmt.Printf("\n--- %s (%s) ---\n%s\n", a.Name, a.Type, a.Content)
	}
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/tasks/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Canceled task %s\n", args[0])
	return nil
}

func runTaskReply(cmd *cobra.Command, args []string) error {
	body := map[string]string{"text": strings.Join(args[1:], " ")}
	resp, err := apiPost("/tasks/"+args[0]+"/messages", body)
	if err != nil {
		return err
	}
	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Replied to task %s (now %s)\n", task.ID, task.Status)
	return nil
}

func runTaskWatch(cmd *cobra.Command, args []string) error {
	return watch(cmd.Context(), args[0])
}

// watch follows /tasks/{id}/events and prints each event until the stream
// ends or the user interrupts.
func watch(ctx context.Context, taskID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiAddr+"/tasks/"+taskID+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream lives as long as the task.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	err = readSSE(resp.Body, func(event string, data []byte) error {
		if event == "snapshot" {
			var t models.Task
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s\n", truncateID(t.ID), t.Status, truncate(t.Query, 60))
			return nil
		}
		var ev models.TaskEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		fmt.Println(formatEvent(ev))
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func formatEvent(ev models.TaskEvent) string {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case models.EventStatus:
		return fmt.Sprintf("%s  status    %s", ts, ev.Status)
	case models.EventMessage:
		var texts []string
		if ev.Message != nil {
			for _, p := range ev.Message.Parts {
				if p.Text != "" {
					texts = append(texts, p.Text)
				}
			}
			return fmt.Sprintf("%s  message   [%s] %s", ts, ev.Message.Role, strings.Join(texts, " "))
		}
		return fmt.Sprintf("%s  message", ts)
	case models.EventArtifact:
		if ev.Artifact != nil {
			return fmt.Sprintf("%s  artifact  %s (%s)", ts, ev.Artifact.Name, ev.Artifact.Type)
		}
	case models.EventProgress:
		return fmt.Sprintf("%s  progress  %s", ts, ev.Progress)
	case models.EventCost:
		if ev.Cost != nil {
			return fmt.Sprintf("%s  cost      %d tokens, $%.4f", ts, ev.Cost.Tokens, ev.Cost.USD)
		}
	case models.EventError:
		return fmt.Sprintf("%s  error     %s", ts, ev.Error)
	case models.EventDone:
		return fmt.Sprintf("%s  done      %s", ts, ev.Status)
	}
	return fmt.Sprintf("%s  %s", ts, ev.Type)
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
