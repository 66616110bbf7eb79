package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskvisor/internal/config"
	"github.com/basket/taskvisor/internal/engine"
	otelPkg "github.com/basket/taskvisor/internal/otel"
	"github.com/basket/taskvisor/internal/persistence"
	"github.com/basket/taskvisor/internal/telemetry"
)

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvisor init")
		return 2
	}
	home := config.HomeDir()
	path := config.ConfigPath(home)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("config already exists: %s\n", path)
		return 0
	}
	path, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", path)
	return 0
}

// runTickCommand advances at most one task in-process and prints the
// TickResult. Logs go to the log file only so stdout stays JSON.
func runTickCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskvisor tick")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	logger, err := telemetry.NewLogger(telemetry.Options{
		HomeDir:   cfg.HomeDir,
		Level:     cfg.LogLevel,
		Quiet:     true,
		Component: "taskvisor-tick",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Close()

	rt, err := buildRuntime(ctx, cfg, otelPkg.Noop(), logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tick: %v\n", err)
		return 1
	}
	defer rt.Close()

	res := rt.worker.Tick(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if res.Err != "" {
		return 1
	}
	return 0
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: taskvisor backup <path>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backup written to %s\n", args[0])
	return 0
}

func runAuditCommand(ctx context.Context, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jobID := fs.String("job", "", "only show entries for this task id")
	limit := fs.Int("limit", 50, "maximum entries to show")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.ListAudit(ctx, *jobID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	if *asJSON {
		return encodeJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTASK\tACTION\tDECISION\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Subject, e.Action, e.Decision, truncate(e.Reason, 80))
	}
	_ = tw.Flush()
	return 0
}

const taskUsage = `usage: taskvisor task <action> [flags]

  create [-agent id] [-priority n] [-name s] [-no-run] <message...>
  list   [-json] [-limit n]
  queue  [-json]
  run    <id>
  delete <id>`

// runTaskCommand manages tasks through the running daemon's HTTP API.
func runTaskCommand(ctx context.Context, args []string, w io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, taskUsage)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	c := &apiClient{base: daemonURL(cfg.BindAddr), http: &http.Client{Timeout: 30 * time.Second}}

	action, rest := args[0], args[1:]
	switch action {
	case "create":
		return taskCreate(ctx, c, rest, w)
	case "list":
		return taskList(ctx, c, "/api/tasks", rest, w)
	case "queue":
		return taskList(ctx, c, "/api/tasks/queue", rest, w)
	case "run":
		return taskByID(ctx, c, http.MethodPost, "/run", rest, w)
	case "delete":
		return taskByID(ctx, c, http.MethodDelete, "", rest, w)
	default:
		fmt.Fprintf(os.Stderr, "unknown task action %q\n%s\n", action, taskUsage)
		return 2
	}
}

func taskCreate(ctx context.Context, c *apiClient, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("task create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	agent := fs.String("agent", "", "agent to run the task")
	priority := fs.Float64("priority", 0, "priority 1-10 (0 uses the default)")
	name := fs.String("name", "", "task name (defaults to a summary of the message)")
	noRun := fs.Bool("no-run", false, "queue without requesting an immediate tick")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	message := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if message == "" {
		fmt.Fprintln(os.Stderr, "task create: message is required")
		return 2
	}

	body := map[string]any{
		"message": message,
		"agentId": *agent,
		"name":    *name,
		"source":  "cli",
		"autoRun": !*noRun,
	}
	if *priority != 0 {
		body["priority"] = *priority
	}
	var out struct {
		ID  string          `json:"id"`
		Job engine.TaskView `json:"job"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", body, &out); err != nil {
		fmt.Fprintf(os.Stderr, "task create: %v\n", err)
		return 1
	}
	fmt.Fprintf(w, "created %s (%s, priority %d)\n", out.ID, out.Job.Meta.Status, out.Job.Meta.Priority)
	return 0
}

func taskList(ctx context.Context, c *apiClient, path string, args []string, w io.Writer) int {
	fs := flag.NewFlagSet("task list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	limit := fs.Int("limit", 0, "maximum tasks to show (0 shows all)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return 2
	}
	q := url.Values{}
	q.Set("includeLog", "false")
	q.Set("includeNarrative", "false")
	if *limit > 0 {
		q.Set("limit", strconv.Itoa(*limit))
	}
	var out struct {
		Jobs []engine.TaskView `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &out); err != nil {
		fmt.Fprintf(os.Stderr, "task list: %v\n", err)
		return 1
	}
	if *asJSON {
		return encodeJSON(w, out.Jobs)
	}
	printTasks(w, out.Jobs)
	return 0
}

func taskByID(ctx context.Context, c *apiClient, method, suffix string, args []string, w io.Writer) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, taskUsage)
		return 2
	}
	id := strings.TrimSpace(args[0])
	if err := c.do(ctx, method, "/api/tasks/"+url.PathEscape(id)+suffix, nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "task: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, "ok")
	return 0
}

func printTasks(w io.Writer, views []engine.TaskView) {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRI\tATTEMPTS\tAGENT\tNAME")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			v.ID, statusLabel(v.Meta.Status, color), v.Meta.Priority, v.Meta.Attempts, v.Meta.MaxAttempts,
			v.Job.AgentID, truncate(v.Job.Name, 60))
	}
	_ = tw.Flush()
}

func statusLabel(status persistence.TaskStatus, color bool) string {
	if !color {
		return string(status)
	}
	code := ""
	switch status {
	case persistence.StatusCompleted:
		code = "32"
	case persistence.StatusFailed:
		code = "31"
	case persistence.StatusReview, persistence.StatusPickedUp:
		code = "33"
	default:
		return string(status)
	}
	return "\x1b[" + code + "m" + string(status) + "\x1b[0m"
}

func encodeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

type apiClient struct {
	base string
	http *http.Client
}

// do sends a JSON request and decodes a 2xx body into out. Error bodies
// of the form {"error": "..."} become the returned error.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return errors.New(resp.Status)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
