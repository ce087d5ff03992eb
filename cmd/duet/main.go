package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-duet/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the scheduler daemon in the foreground

SUBCOMMANDS:
  %s submit <text>            Submit a task; prints the task id
                              Flags: --wait to block until terminal
  %s status <id|prefix>       Show a task (unique id prefixes accepted)
  %s tasks                    List recent tasks
  %s checkpoints <id|prefix>  List a task's checkpoints
  %s residency                Run an on-demand residency check
  %s models                   Show worker residency state
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DUET_HOME               Data directory (default: ~/.duet)
  DUET_AUTH_TOKEN         Bearer token for client commands

EXAMPLES:
  Run the daemon:         %s daemon
  Submit a task:          %s submit "summarize the build failure"
  Check a task:           %s status 4f2a
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "version":
		fmt.Println(Version)
	case "daemon":
		os.Exit(runDaemon(ctx))
	case "submit":
		os.Exit(runSubmitCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "tasks":
		os.Exit(runTasksCommand(ctx, args[1:]))
	case "checkpoints":
		os.Exit(runCheckpointsCommand(ctx, args[1:]))
	case "residency":
		os.Exit(runResidencyCommand(ctx, args[1:]))
	case "models":
		os.Exit(runModelsCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"duet","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	os.Exit(1)
}

// loadAuthToken returns the gateway bearer token, generating and persisting
// one on first run so local clients work without manual setup.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("DUET_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	return token, nil
}

// baseURL normalizes the configured bind address into an http URL.
func baseURL(cfg *config.Config) string {
	addr := strings.TrimSpace(cfg.BindAddr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}
