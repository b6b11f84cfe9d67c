package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Cunhov/evodash-v2-sub000/internal/dispatch"
	"github.com/Cunhov/evodash-v2-sub000/internal/provider"
	"github.com/Cunhov/evodash-v2-sub000/internal/store"
	"github.com/Cunhov/evodash-v2-sub000/internal/util"
	"github.com/Cunhov/evodash-v2-sub000/internal/whatsapp"
	"github.com/Cunhov/evodash-v2-sub000/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for worker state data
	DefaultStateDir = "/var/lib/evodash"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "evodash.db"
	// DefaultSweepCron runs the stuck-job reconciliation sweep every ten minutes
	DefaultSweepCron = "*/10 * * * *"
)

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	ProviderURL   string
	ProviderKey   string
	WhatsAppDSN   string
	SweepCron     string
	PollInterval  time.Duration
	SendDelay     time.Duration
	MaxConcurrent int
	StuckAfter    time.Duration
	DirectoryTTL  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	dbDSN       *string
	stateDir    *string
	providerURL *string
	providerKey *string
	qrOutput    *string
	numeric     *bool
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("evodash worker failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("evodash worker exited successfully")
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("EVODASH_STATE_DIR"),
		ProviderURL:   os.Getenv("EVOLUTION_API_URL"),
		ProviderKey:   os.Getenv("EVOLUTION_API_KEY"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		SweepCron:     os.Getenv("EVODASH_SWEEP_CRON"),
		PollInterval:  util.ParseDurationEnv("EVODASH_POLL_INTERVAL", worker.DefaultPollInterval),
		SendDelay:     util.ParseDurationEnv("EVODASH_SEND_DELAY", dispatch.DefaultSendDelay),
		MaxConcurrent: util.ParseIntEnv("EVODASH_MAX_CONCURRENT", worker.DefaultMaxConcurrent),
		StuckAfter:    util.ParseDurationEnv("EVODASH_STUCK_AFTER", worker.DefaultStuckAfter),
		DirectoryTTL:  util.ParseDurationEnv("EVODASH_DIRECTORY_TTL", provider.DefaultDirectoryTTL),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No EVODASH_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.SweepCron == "" {
		config.SweepCron = DefaultSweepCron
	}
	return config
}

// parseCommandLineFlags parses flags, using environment values as defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "job store DSN: Postgres URL or SQLite file path (overrides $DATABASE_URL)"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for worker data (overrides $EVODASH_STATE_DIR)"),
		providerURL: flag.String("provider-url", config.ProviderURL, "Evolution API base URL; empty selects the native WhatsApp backend (overrides $EVOLUTION_API_URL)"),
		providerKey: flag.String("provider-key", config.ProviderKey, "Evolution API key (overrides $EVOLUTION_API_KEY)"),
		qrOutput:    flag.String("qr-output", "", "path to write the WhatsApp login QR code (native backend only)"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code (native backend only)"),
	}
	flag.Parse()
	return flags
}

func run(config Config, flags Flags) error {
	jobStore, err := openJobStore(flags)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	sender, directory, cleanup, err := openProvider(config, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	dispatcher := dispatch.NewDispatcher(sender, jobStore, config.SendDelay)
	runner := worker.NewRunner(jobStore, directory, dispatcher,
		worker.WithPollInterval(config.PollInterval),
		worker.WithMaxConcurrent(config.MaxConcurrent),
		worker.WithStuckAfter(config.StuckAfter),
	)

	sweep := worker.NewSweepScheduler()
	defer sweep.Stop()
	if config.StuckAfter > 0 {
		if err := sweep.ScheduleRecovery(config.SweepCron, runner); err != nil {
			return err
		}
		slog.Info("stuck-job sweep scheduled", "cron", config.SweepCron, "stuckAfter", config.StuckAfter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("evodash worker starting",
		"pollInterval", config.PollInterval, "sendDelay", config.SendDelay,
		"maxConcurrent", config.MaxConcurrent)
	runner.Run(ctx)
	return nil
}

// openJobStore picks Postgres or SQLite based on the DSN shape.
func openJobStore(flags Flags) (store.JobStore, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No job store DSN provided, using SQLite in state dir", "path", dsn)
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// openProvider selects the Evolution HTTP backend when a base URL is
// configured, otherwise the native whatsmeow session. The directory is
// wrapped in a TTL cache either way.
func openProvider(config Config, flags Flags) (provider.Sender, provider.Directory, func(), error) {
	if *flags.providerURL != "" {
		client, err := provider.NewClient(
			provider.WithBaseURL(*flags.providerURL),
			provider.WithAPIKey(*flags.providerKey),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("using Evolution API backend", "baseURL", *flags.providerURL)
		return client, provider.NewCachedDirectory(client, config.DirectoryTTL), func() {}, nil
	}

	waDSN := config.WhatsAppDSN
	if waDSN == "" {
		waDSN = filepath.Join(*flags.stateDir, "whatsmeow.db")
	}
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(waDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Info("using native WhatsApp backend", "dsn", waDSN)
	return client, provider.NewCachedDirectory(client, config.DirectoryTTL), client.Disconnect, nil
}
