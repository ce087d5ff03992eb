package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-duet/internal/config"
	"github.com/basket/go-duet/internal/persistence"
)

// apiClient is a thin authenticated HTTP client for the daemon's gateway.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	homeDir := config.DefaultHomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	token, err := loadAuthToken(homeDir)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base:  baseURL(cfg),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// do performs one request and returns the status code and raw body, so
// callers can decode either the success or the error shape without a second
// round trip.
func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) (int, []byte, error) {
	code, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return code, raw, err
	}
	if out != nil && code == http.StatusOK && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return code, raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return code, raw, nil
}

type errorBody struct {
	Error   string             `json:"error"`
	Matches []persistence.Task `json:"matches,omitempty"`
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	wait := fs.Bool("wait", false, "block until the task reaches a terminal state")
	waitTimeout := fs.Duration("wait-timeout", 6*time.Minute, "maximum time to wait with --wait")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fmt.Fprintln(os.Stderr, "usage: duet submit [--wait] <text>")
		return 2
	}

	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	code, raw, err := client.do(ctx, http.MethodPost, "/api/tasks", map[string]string{"text": text})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if code != http.StatusAccepted {
		var apiErr errorBody
		_ = json.Unmarshal(raw, &apiErr)
		fmt.Fprintf(os.Stderr, "submit rejected (%d): %s\n", code, apiErr.Error)
		return 1
	}
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &submitted); err != nil {
		fmt.Fprintln(os.Stderr, "decode response:", err)
		return 1
	}
	fmt.Println(submitted.TaskID)

	if !*wait {
		return 0
	}
	return waitForTerminal(ctx, client, submitted.TaskID, *waitTimeout)
}

func waitForTerminal(ctx context.Context, client *apiClient, taskID string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Progress dots only on a terminal; keep piped output machine-readable.
	tty := isatty.IsTerminal(os.Stderr.Fd())

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if tty {
				fmt.Fprintln(os.Stderr)
			}
			fmt.Fprintf(os.Stderr, "timed out waiting for task %s\n", taskID)
			return 1
		case <-ticker.C:
			var task persistence.Task
			code, _, err := client.get(ctx, "/api/tasks/"+taskID, &task)
			if err != nil || code != http.StatusOK {
				continue
			}
			if !task.Status.IsTerminal() {
				if tty {
					fmt.Fprint(os.Stderr, ".")
				}
				continue
			}
			if tty {
				fmt.Fprintln(os.Stderr)
			}
			printTask(task)
			if task.Status == persistence.TaskStatusFailed {
				return 1
			}
			return 0
		}
	}
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: duet status <id|prefix>")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var task persistence.Task
	code, raw, err := client.get(ctx, "/api/tasks/"+args[0], &task)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	switch code {
	case http.StatusOK:
		printTask(task)
		return 0
	case http.StatusConflict:
		var apiErr errorBody
		_ = json.Unmarshal(raw, &apiErr)
		fmt.Fprintln(os.Stderr, apiErr.Error)
		for _, m := range apiErr.Matches {
			fmt.Fprintf(os.Stderr, "  %s  %-9s  %s\n", m.ID, m.Status, truncate(m.Text, 60))
		}
		return 1
	case http.StatusNotFound:
		fmt.Fprintf(os.Stderr, "no task matches %q\n", args[0])
		return 1
	default:
		fmt.Fprintf(os.Stderr, "status failed (%d)\n", code)
		return 1
	}
}

func runTasksCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: duet tasks")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp struct {
		Tasks []persistence.Task `json:"tasks"`
	}
	code, _, err := client.get(ctx, "/api/tasks?limit=50", &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "list failed (%d)\n", code)
		return 1
	}
	for _, t := range resp.Tasks {
		fmt.Printf("%s  %-9s  %s\n", t.ID, t.Status, truncate(t.Text, 60))
	}
	return 0
}

func runCheckpointsCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: duet checkpoints <id|prefix>")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp struct {
		TaskID      string                   `json:"task_id"`
		Checkpoints []persistence.Checkpoint `json:"checkpoints"`
	}
	code, _, err := client.get(ctx, "/api/tasks/"+args[0]+"/checkpoints", &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "checkpoints failed (%d)\n", code)
		return 1
	}
	fmt.Printf("task %s: %d checkpoint(s)\n", resp.TaskID, len(resp.Checkpoints))
	for _, cp := range resp.Checkpoints {
		fmt.Printf("  seq %d  %s  %s\n", cp.Sequence, cp.CreatedAt.Format(time.RFC3339), truncate(cp.Payload, 80))
	}
	return 0
}

func runResidencyCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: duet residency")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var report struct {
		OK      bool `json:"ok"`
		Checked int  `json:"checked"`
		Missing []struct {
			Role    string `json:"Role"`
			ModelID string `json:"ModelID"`
		} `json:"missing"`
	}
	code, _, err := client.get(ctx, "/api/residency", &report)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "residency check failed (%d)\n", code)
		return 1
	}
	if report.OK {
		fmt.Printf("ok: %d always-resident worker(s) confirmed\n", report.Checked)
		return 0
	}
	for _, m := range report.Missing {
		fmt.Printf("VIOLATION  role=%s model=%s\n", m.Role, m.ModelID)
	}
	return 1
}

func runModelsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: duet models")
		return 2
	}
	client, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var resp struct {
		Workers []struct {
			Role           string `json:"role"`
			ModelID        string `json:"model_id"`
			MemoryMB       int    `json:"memory_mb"`
			AlwaysResident bool   `json:"always_resident"`
			Resident       bool   `json:"resident"`
		} `json:"workers"`
	}
	code, _, err := client.get(ctx, "/api/models", &resp)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(os.Stderr, "models failed (%d)\n", code)
		return 1
	}
	for _, w := range resp.Workers {
		state := "unloaded"
		if w.Resident {
			state = "resident"
		}
		pin := ""
		if w.AlwaysResident {
			pin = " (pinned)"
		}
		fmt.Printf("%-12s %-24s %6dMB  %s%s\n", w.Role, w.ModelID, w.MemoryMB, state, pin)
	}
	return 0
}

func printTask(t persistence.Task) {
	fmt.Printf("id:      %s\n", t.ID)
	fmt.Printf("status:  %s\n", t.Status)
	fmt.Printf("text:    %s\n", t.Text)
	if t.Result != "" {
		fmt.Printf("result:  %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Printf("error:   %s\n", t.Error)
	}
	fmt.Printf("created: %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated: %s\n", t.UpdatedAt.Format(time.RFC3339))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
