package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/oakmont-health/medgate/pkg/config"
	"github.com/oakmont-health/medgate/pkg/gate"
	"github.com/oakmont-health/medgate/pkg/logging"
	"github.com/oakmont-health/medgate/pkg/observability"
	"github.com/oakmont-health/medgate/pkg/oracle"
	"github.com/oakmont-health/medgate/pkg/orchestrator"
	"github.com/oakmont-health/medgate/pkg/pipeline"
	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/storage"
	"github.com/oakmont-health/medgate/pkg/tool"
	"github.com/oakmont-health/medgate/pkg/tool/builtin"
)

var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 1
	}

	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return 0
	case "--help", "-h", "help":
		printHelp()
		return 0
	case "ask":
		return runCommand(runAskCommand, args[1:])
	case "seed":
		return runCommand(runSeedCommand, args[1:])
	case "sessions":
		return runCommand(runSessionsCommand, args[1:])
	case "sweep":
		return runCommand(runSweepCommand, args[1:])
	case "forget":
		return runCommand(runForgetCommand, args[1:])
	case "audit":
		return runCommand(runAuditCommand, args[1:])
	case "stats":
		return runCommand(runStatsCommand, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'medgate help' for usage.")
		return 1
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printVersion() {
	fmt.Printf("medgate %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit: %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:  %s\n", buildDate)
	}
}

func printHelp() {
	fmt.Println("medgate - policy-gated access to patient records")
	fmt.Println()
	fmt.Println("Usage: medgate <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ask        Run a natural-language request through the policy gate")
	fmt.Println("  seed       Generate deterministic mock patient and clinician data")
	fmt.Println("  sessions   List active continuing sessions")
	fmt.Println("  sweep      Delete expired session records")
	fmt.Println("  forget     Delete one session record")
	fmt.Println("  audit      Show the audit trail")
	fmt.Println("  stats      Show session memory and access statistics")
	fmt.Println("  version    Show version information")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -h, --help       Show this help")
	fmt.Println("  -v, --version    Show version information")
	fmt.Println()
	fmt.Println("Configuration is read from ~/.medgate/config.yaml and ./.medgate/config.yaml")
	fmt.Println("with MEDGATE_* environment variable overrides. The oracle API key comes")
	fmt.Println("from MEDGATE_ORACLE_API_KEY or GOOGLE_API_KEY unless set in the config file.")
}

// runAskCommand sends one request through the full plan/validate/execute
// path and prints the result as JSON.
func runAskCommand(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	session := fs.String("session", "", "Continuing session ID (enables cross-request memory)")
	clinician := fs.String("clinician", "", "Requesting clinician ID (e.g. DR_0001)")
	patient := fs.String("patient", "", "Patient ID the request concerns (e.g. PT_0001)")
	yes := fs.String("consent", "", "Answer retry-consent prompts without asking: yes or no")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return fmt.Errorf("usage: medgate ask [flags] <query>")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logName := *session
	if logName == "" {
		logName = ulid.Make().String()
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir, logName)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	violations, err := logging.NewViolationLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer violations.Close()

	store, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()
	store.SetMemoryPolicy(cfg.Memory.TTL, cfg.Memory.MaxHistory)

	rec, err := records.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(cfg.Tracing.ServiceName)
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
	}

	client := oracle.NewClient(oracle.Options{
		BaseURL:   cfg.Oracle.BaseURL,
		Model:     cfg.Oracle.Model,
		APIKey:    cfg.Oracle.APIKey,
		Timeout:   cfg.Oracle.Timeout,
		RateLimit: cfg.Oracle.RateLimit,
		Burst:     cfg.Oracle.Burst,
		RetryConfig: &oracle.RetryConfig{
			MaxRetries:      cfg.Oracle.MaxRetries,
			InitialInterval: oracle.DefaultRetryConfig().InitialInterval,
			MaxInterval:     oracle.DefaultRetryConfig().MaxInterval,
			Multiplier:      oracle.DefaultRetryConfig().Multiplier,
		},
	})

	registry := tool.NewRegistry()
	builtin.RegisterAll(registry, rec, store, cfg.Storage.ReportDir)

	g := gate.New(client, pipeline.New(registry, logger), gate.Options{
		MaxRetries:     cfg.Gate.MaxRetries,
		RequireConsent: cfg.Gate.RequireConsent,
		Consent:        consentFunc(*yes),
		Logger:         logger,
		Violations:     violations,
	})

	orch := orchestrator.New(client, g, store, logger,
		orchestrator.NewTokenGenerator(cfg.Token.Prefix, cfg.Token.Length))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := orch.ProcessRequest(ctx, &orchestrator.Request{
		Query:       query,
		ClinicianID: *clinician,
		PatientID:   *patient,
		SessionID:   *session,
	})
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("request did not complete successfully")
	}
	return nil
}

// consentFunc maps the --consent flag to a gate consent callback. With no
// flag set, the user is prompted on the terminal.
func consentFunc(answer string) gate.ConsentFunc {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return func(*oracle.ValidationResult) bool { return true }
	case "no", "n":
		return func(*oracle.ValidationResult) bool { return false }
	}
	return promptConsent
}

func promptConsent(violation *oracle.ValidationResult) bool {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Policy violation (%s): %s\n", violation.ViolationType, violation.Explanation)
	fmt.Fprint(os.Stderr, "Retry with the corrected sequence? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func runSeedCommand(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	patients := fs.Int("patients", 20, "Number of mock patients to generate")
	clinicians := fs.Int("clinicians", 5, "Number of mock clinicians to generate")
	seed := fs.Int64("seed", 42, "Random seed (same seed yields the same dataset)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	rec, err := records.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	if err := records.GenerateMockData(rec, *patients, *clinicians, *seed); err != nil {
		return err
	}
	if err := rec.Save(); err != nil {
		return err
	}
	fmt.Printf("Seeded %d patients and %d clinicians in %s\n", *patients, *clinicians, cfg.Storage.DataDir)
	return nil
}

func runSessionsCommand(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "Maximum sessions to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListActiveSessions(*limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}
	return printJSON(sessions)
}

func runSweepCommand(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	all := fs.Bool("all", false, "Delete every session, not just expired ones")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var n int
	if *all {
		n, err = store.ClearAllSessions()
	} else {
		n, err = store.SweepExpired()
	}
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d session(s)\n", n)
	return nil
}

func runForgetCommand(args []string) error {
	fs := flag.NewFlagSet("forget", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: medgate forget <session-id>")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Forget(fs.Arg(0))
	if err != nil {
		return err
	}
	if !removed {
		fmt.Println("No such session.")
		return nil
	}
	fmt.Println("Session forgotten.")
	return nil
}

func runAuditCommand(args []string) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	clinician := fs.String("clinician", "", "Filter by clinician ID")
	patient := fs.String("patient", "", "Filter by patient ID")
	limit := fs.Int("limit", 50, "Maximum entries to show (newest first)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.AuditHistory(storage.AuditFilter{
		ClinicianID: *clinician,
		PatientID:   *patient,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Audit trail is empty.")
		return nil
	}
	return printJSON(entries)
}

func runStatsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	memStats, err := store.MemoryStats()
	if err != nil {
		return err
	}
	accessStats, err := store.AccessStats()
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"memory": memStats,
		"access": accessStats,
	})
}

func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	store.SetMemoryPolicy(cfg.Memory.TTL, cfg.Memory.MaxHistory)
	return store, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
