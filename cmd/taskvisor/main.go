package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskvisor/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                       Run the worker, scheduler and HTTP API
  %[1]s -daemon               Same, explicit

SUBCOMMANDS:
  %[1]s init                  Write the default config.yaml
  %[1]s status                Show daemon health status (/healthz)
  %[1]s doctor [-json]        Run diagnostic checks
  %[1]s tick                  Run one worker tick in-process and print the result
  %[1]s task <action>         Manage tasks through the running daemon
                              Actions: create, list, queue, run, delete
  %[1]s backup <path>         Write a consistent copy of the database
  %[1]s audit [-job id]       Show recent audited decisions

FLAGS:
`, name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKVISOR_HOME            Data directory (default: ~/.taskvisor)
  OPENCLAW_GATEWAY_TOKEN    Token for the OpenClaw gateway
  TELEGRAM_TOKEN            Bot token for notify.telegram

EXAMPLES:
  Run the daemon:           %[1]s
  Queue a task:             %[1]s task create -agent ops "rotate the deploy keys"
  Check daemon health:      %[1]s status
  Run diagnostics:          %[1]s doctor
`, name)
}

func main() {
	loadDotEnv(".env")

	flag.Bool("daemon", false, "run in daemon mode (the default when no subcommand is given)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "init":
			os.Exit(runInitCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "tick":
			os.Exit(runTickCommand(ctx, args[1:]))
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:], os.Stdout))
		case "backup":
			os.Exit(runBackupCommand(ctx, args[1:]))
		case "audit":
			os.Exit(runAuditCommand(ctx, args[1:], os.Stdout))
		case "daemon":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

// fatalStartup reports a structured startup failure and exits. With no
// logger yet it writes the JSON line to stderr by hand.
func fatalStartup(logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	auditLog.Record(context.Background(), audit.Entry{
		JobID:    "runtime",
		Action:   audit.ActionStartup,
		Decision: "fatal",
		Reason:   reasonCode + ": " + message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskvisor","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// lsof names the occupying process on macOS and Linux.
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = func(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets variables from a .env file without overriding the
// environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
