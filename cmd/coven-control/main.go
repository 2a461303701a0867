// ABOUTME: Entry point for the coven-control server and its operator commands
// ABOUTME: serve runs the gateway; audit, check-config, health and init work against a config file

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-control/internal/binding"
	"github.com/2389/coven-control/internal/config"
	"github.com/2389/coven-control/internal/gateway"
	"github.com/2389/coven-control/internal/invariant"
	"github.com/2389/coven-control/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                    _             _
  ___ _____   _____ _ __         ___ ___  _ __ | |_ _ __ ___ | |
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| '_ \| __| '__/ _ \| |
| (_| (_) \ V /  __/ | | |_____| (_| (_) | | | | |_| | | (_) | |
 \___\___/ \_/ \___|_| |_|      \___\___/|_| |_|\__|_|  \___/|_|
`

// errAuditFailed makes the audit command exit with status 2.
var errAuditFailed = errors.New("audit found error violations")

func usage() {
	fmt.Println("Usage: coven-control <command> [--config PATH] [--json]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the control server")
	fmt.Println("  audit         Check the persisted snapshots offline (--json for machine output)")
	fmt.Println("  check-config  Validate the config and list compiled bindings")
	fmt.Println("  health        Check a running server's readiness")
	fmt.Println("  init          Create a new config file interactively")
	fmt.Println("  version       Print the version")
	fmt.Println()
	fmt.Printf("The config file defaults to $%s, then %s.\n", config.EnvConfigPath, config.DefaultPath)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	flags, err := parseFlags(os.Args[1], os.Args[2:])
	if errors.Is(err, pflag.ErrHelp) {
		usage()
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configPath := config.ResolvePath(flags.configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, configPath)
	case "audit":
		err = runAudit(ctx, configPath, flags.json, os.Stdout)
	case "check-config":
		err = runCheckConfig(configPath, os.Stdout)
	case "health":
		err = runHealth(ctx, configPath)
	case "init":
		err = runInit(configPath, bufio.NewReader(os.Stdin), os.Stdout)
	case "version":
		fmt.Printf("coven-control %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if errors.Is(err, errAuditFailed) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags are the options shared by every subcommand.
type cliFlags struct {
	configPath string
	json       bool
}

// parseFlags parses the arguments after the subcommand name.
func parseFlags(command string, args []string) (cliFlags, error) {
	var f cliFlags

	flagSet := pflag.NewFlagSet(command, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVarP(&f.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+", then "+config.DefaultPath+")")
	flagSet.BoolVar(&f.json, "json", false, "print the audit result as JSON")

	if err := flagSet.Parse(args); err != nil {
		return f, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return f, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return f, nil
}

func runServe(ctx context.Context, configPath string) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Bindings:  %d\n", len(cfg.Bindings))
	green.Print("    ▶ ")
	fmt.Printf("Audit:     every %s", cfg.Audit.Interval)
	if cfg.Audit.Persist {
		yellow.Print(" [persist]")
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting coven-control",
		"config", configPath,
		"version", version,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	stopReload := reloadOnHangup(configPath, gw, logger)
	defer stopReload()

	return gw.Run(ctx)
}

// reloadOnHangup swaps in the config file's bindings on every SIGHUP. Only
// bindings are reloaded; other settings need a restart.
func reloadOnHangup(configPath string, gw *gateway.Gateway, logger *slog.Logger) (stop func()) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				cfg, err := config.Load(configPath)
				if err != nil {
					logger.Error("reload failed, keeping current bindings", "config", configPath, "error", err)
					continue
				}
				gw.ReloadBindings(cfg.Bindings)
			}
		}
	}()

	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// runAudit checks the persisted snapshot set without a running server and
// prints the report. Returns errAuditFailed when the set has errors.
func runAudit(ctx context.Context, configPath string, asJSON bool, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	set, err := s.LoadSet(ctx)
	if errors.Is(err, store.ErrNotFound) {
		color.New(color.FgYellow).Fprintf(out, "No persisted snapshots in %s\n", cfg.Database.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading snapshots: %w", err)
	}

	result := invariant.Check(set.Sessions, set.Conversations, set.Deliveries)

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		if !result.Valid {
			return errAuditFailed
		}
		return nil
	}

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "Snapshot captured %s\n", set.Sessions.CapturedAt.Format("2006-01-02 15:04:05 MST"))
	gray.Fprintf(out, "%d sessions, %d conversations, %d delivery groups\n\n",
		len(set.Sessions.Sessions), len(set.Conversations.Bindings), len(set.Deliveries.Groups))

	for _, v := range result.Violations {
		if v.Severity == invariant.SeverityError {
			color.New(color.FgRed, color.Bold).Fprint(out, "  ✗ ")
		} else {
			color.New(color.FgYellow).Fprint(out, "  ! ")
		}
		fmt.Fprintln(out, v.String())
	}

	fmt.Fprintln(out)
	if !result.Valid {
		color.New(color.FgRed, color.Bold).Fprintf(out, "INVALID: %d errors, %d warnings\n",
			len(result.Errors()), len(result.Warnings()))
		return errAuditFailed
	}
	color.New(color.FgGreen).Fprintf(out, "✓ valid (%d warnings)\n", len(result.Warnings()))
	return nil
}

// runCheckConfig loads and validates the config, then prints the compiled
// bindings in resolution order.
func runCheckConfig(configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "✓ %s is valid\n\n", configPath)

	fmt.Fprintf(out, "Session timeout: %s\n", cfg.Sessions.SessionTimeout)
	fmt.Fprintf(out, "Suspend timeout: %s\n", cfg.Sessions.SuspendTimeout)
	fmt.Fprintf(out, "Audit interval:  %s (persist: %t, keep %d runs)\n", cfg.Audit.Interval, cfg.Audit.Persist, cfg.Audit.KeepRuns)
	fmt.Fprintf(out, "Dedupe:          %s, %d entries\n\n", cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)

	compiled := binding.CompileBindings(cfg.Bindings)
	if len(compiled) == 0 {
		color.New(color.FgYellow).Fprintln(out, "No bindings: every message will fail to route")
		return nil
	}

	cyan := color.New(color.FgCyan)
	cyan.Fprintln(out, "Bindings (first match wins)")
	for i, b := range compiled {
		fmt.Fprintf(out, "  %2d. %-20s %s\n", i+1, b.AgentID, describeBinding(b))
	}
	return nil
}

func describeBinding(b binding.CompiledBinding) string {
	if b.CatchAll() {
		return "(catch-all)"
	}
	var parts []string
	if b.Channel != nil {
		parts = append(parts, "channel="+b.Channel.String())
	}
	if b.AccountID != nil {
		parts = append(parts, "account="+b.AccountID.String())
	}
	if b.PeerID != nil {
		parts = append(parts, "peer="+b.PeerID.String())
	}
	return strings.Join(parts, " ")
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to ready endpoint with context
	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: %s", strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

func runInit(outputFile string, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "coven-control configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	grpcAddr := prompt(reader, out, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, out, "HTTP address", "localhost:8080")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", "coven-control.db")

	fmt.Fprintln(out, "\n--- Sessions ---")
	sessionTimeout := prompt(reader, out, "Idle after", config.DefaultSessionTimeout.String())
	suspendTimeout := prompt(reader, out, "Suspend after idle for", config.DefaultSuspendTimeout.String())

	fmt.Fprintln(out, "\n--- Audit ---")
	auditInterval := prompt(reader, out, "Audit interval", config.DefaultAuditInterval.String())
	persist := isYes(prompt(reader, out, "Persist snapshots for crash recovery?", "yes"))

	fmt.Fprintln(out, "\n--- Bindings ---")
	defaultAgent := prompt(reader, out, "Catch-all agent ID (leave empty for none)", "")

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-control configuration\n")
	cfg.WriteString("# Generated by coven-control init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("sessions:\n")
	fmt.Fprintf(&cfg, "  session_timeout: %q\n", sessionTimeout)
	fmt.Fprintf(&cfg, "  suspend_timeout: %q\n\n", suspendTimeout)

	cfg.WriteString("audit:\n")
	fmt.Fprintf(&cfg, "  interval: %q\n", auditInterval)
	fmt.Fprintf(&cfg, "  persist: %t\n\n", persist)

	cfg.WriteString("bindings:\n")
	if defaultAgent != "" {
		fmt.Fprintf(&cfg, "  - agent_id: %q\n\n", defaultAgent)
	} else {
		cfg.WriteString("  []\n\n")
	}

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if dir := filepath.Dir(outputFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  coven-control serve --config %s\n", outputFile)
	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}
