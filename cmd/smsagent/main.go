package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/twilio/twilio-go/client"

	"github.com/habitkit/smsagent/internal/api"
	"github.com/habitkit/smsagent/internal/config"
	"github.com/habitkit/smsagent/internal/crisis"
	"github.com/habitkit/smsagent/internal/flow"
	"github.com/habitkit/smsagent/internal/genai"
	"github.com/habitkit/smsagent/internal/lockfile"
	"github.com/habitkit/smsagent/internal/messaging"
	"github.com/habitkit/smsagent/internal/plan"
	"github.com/habitkit/smsagent/internal/scheduler"
	"github.com/habitkit/smsagent/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env before reading any configuration
	loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg); err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	initializeLogger(cfg.LogLevel)

	if err := ensureDirectoriesExist(cfg); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping smsagent", "api_addr", cfg.APIAddr, "sqlite", cfg.UsesSQLite(),
		"twilio", cfg.TwilioConfigured(), "openai", cfg.OpenAI.APIKey != "")
	if err := run(ctx, cfg); err != nil {
		slog.Error("smsagent failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("smsagent exited successfully")
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// initializeLogger installs the process-wide text logger at the configured level.
func initializeLogger(level string) {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags overlays flags onto cfg. Flags default to the environment values.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg *config.Config) error {
	defaultDB := cfg.DefaultSQLitePath()

	stateDir := fs.String("state-dir", cfg.StateDir, "state directory for the SQLite database (overrides $SMSAGENT_STATE_DIR)")
	dbDSN := fs.String("db-dsn", cfg.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	apiAddr := fs.String("api-addr", cfg.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	openaiKey := fs.String("openai-api-key", cfg.OpenAI.APIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	openaiModel := fs.String("openai-model", cfg.OpenAI.Model, "OpenAI chat model (overrides $OPENAI_MODEL)")
	webhookURL := fs.String("webhook-url", cfg.Twilio.WebhookURL, "public webhook URL used for signature checks (overrides $TWILIO_WEBHOOK_URL)")
	housekeeping := fs.String("housekeeping-cron", cfg.HousekeepingCron, "cron spec for session and dedup cleanup (overrides $HOUSEKEEPING_CRON)")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg.StateDir = *stateDir
	cfg.DatabaseURL = *dbDSN
	cfg.APIAddr = *apiAddr
	cfg.OpenAI.APIKey = *openaiKey
	cfg.OpenAI.Model = *openaiModel
	cfg.Twilio.WebhookURL = *webhookURL
	cfg.HousekeepingCron = *housekeeping
	cfg.LogLevel = *logLevel

	// Follow a moved state directory unless the database was set explicitly
	if cfg.DatabaseURL == defaultDB && cfg.DefaultSQLitePath() != defaultDB {
		cfg.DatabaseURL = cfg.DefaultSQLitePath()
		slog.Debug("Updated database path based on state directory", "db_path", cfg.DatabaseURL)
	}

	return cfg.Validate()
}

// ensureDirectoriesExist creates the parent directory of a file-based database.
func ensureDirectoriesExist(cfg *config.Config) error {
	if !cfg.UsesSQLite() {
		return nil
	}
	dir := filepath.Dir(cfg.DatabaseURL)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// app is the wired service.
type app struct {
	store     store.Store
	carrier   messaging.Carrier
	server    *api.Server
	scheduler *scheduler.Scheduler
	janitor   *scheduler.Housekeeper
}

func (a *app) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}

func buildCarrier(cfg *config.Config) messaging.Carrier {
	if !cfg.TwilioConfigured() {
		slog.Warn("Twilio credentials incomplete, outbound SMS will only be logged")
		return messaging.NewMockCarrier()
	}
	carrier, err := messaging.NewTwilioCarrier(
		messaging.WithAccountSID(cfg.Twilio.AccountSID),
		messaging.WithAuthToken(cfg.Twilio.AuthToken),
		messaging.WithFromNumber(cfg.Twilio.FromNumber),
	)
	if err != nil {
		slog.Warn("Twilio carrier unavailable, outbound SMS will only be logged", "error", err)
		return messaging.NewMockCarrier()
	}
	return carrier
}

func buildSuggester(cfg *config.Config) flow.Suggester {
	if cfg.OpenAI.APIKey == "" {
		slog.Info("No OpenAI API key, suggestions use the built-in fallback")
		return flow.FallbackSuggester{}
	}
	gen, err := genai.NewClient(genai.WithAPIKey(cfg.OpenAI.APIKey), genai.WithModel(cfg.OpenAI.Model))
	if err != nil {
		slog.Warn("GenAI client unavailable, suggestions use the built-in fallback", "error", err)
		return flow.FallbackSuggester{}
	}
	return flow.NewAISuggester(gen)
}

func buildServerOptions(cfg *config.Config) []api.Option {
	opts := []api.Option{api.WithInboundLogging(cfg.SMSLogEnabled)}
	if cfg.Twilio.AuthToken != "" {
		v := client.NewRequestValidator(cfg.Twilio.AuthToken)
		opts = append(opts, api.WithSignatureValidator(&v))
	}
	if cfg.Twilio.WebhookURL != "" {
		opts = append(opts, api.WithWebhookURL(cfg.Twilio.WebhookURL))
	}
	return opts
}

// buildApp wires every component from cfg. The scheduler is started only when withScheduler is set.
func buildApp(cfg *config.Config, withScheduler bool) (*app, error) {
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	carrier := buildCarrier(cfg)
	var delivererOpts []messaging.DelivererOption
	if cfg.SMSLogEnabled {
		delivererOpts = append(delivererOpts, messaging.WithMessageLog(st))
	}
	deliverer := messaging.NewDeliverer(carrier, delivererOpts...)

	sessions := flow.NewSessionManager(st, cfg.SessionTTL, nil)
	engine := flow.NewEngine(sessions, st, buildSuggester(cfg), plan.NewPlanner(st), deliverer)

	server := api.NewServer(api.Deps{
		Store:    st,
		Dialogue: engine,
		Crisis:   crisis.NewResponder(deliverer),
		Sender:   deliverer,
	}, buildServerOptions(cfg)...)

	a := &app{store: st, carrier: carrier, server: server, janitor: scheduler.NewHousekeeper(st, 0)}
	if withScheduler {
		a.scheduler = scheduler.NewScheduler()
		if err := a.janitor.Register(a.scheduler, cfg.HousekeepingCron); err != nil {
			a.Close()
			return nil, fmt.Errorf("schedule housekeeping: %w", err)
		}
	}
	return a, nil
}

// stateLockDir returns the directory holding the SQLite database file. Postgres and
// DSN-less runs have nothing on local disk to guard.
func stateLockDir(cfg *config.Config) (string, bool) {
	if cfg.DatabaseURL == "" || !cfg.UsesSQLite() {
		return "", false
	}
	return filepath.Dir(cfg.DatabaseURL), true
}

// run serves HTTP until ctx is cancelled, then drains in-flight webhooks.
func run(ctx context.Context, cfg *config.Config) error {
	if dir, ok := stateLockDir(cfg); ok {
		lock, err := lockfile.Acquire(dir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	a, err := buildApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	a.janitor.RunOnce(ctx)

	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.APIAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Timed out waiting for in-flight messages", "error", err)
	}
	return nil
}
