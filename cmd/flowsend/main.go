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

	"github.com/flowsend/flowsend/internal/api"
	"github.com/flowsend/flowsend/internal/flow"
	"github.com/flowsend/flowsend/internal/lockfile"
	"github.com/flowsend/flowsend/internal/messaging"
	"github.com/flowsend/flowsend/internal/scheduler"
	"github.com/flowsend/flowsend/internal/store"
	"github.com/flowsend/flowsend/internal/twiliowhatsapp"
	"github.com/flowsend/flowsend/internal/util"
	"github.com/flowsend/flowsend/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowSend state data
	DefaultStateDir = "/var/lib/flowsend"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowsend.db"
	// DefaultWhatsmeowDBFileName is the default whatsmeow device store filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// DefaultSessionRetention is how long inactive sessions are kept before the sweep removes them
	DefaultSessionRetention = 30 * 24 * time.Hour
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold the state directory lock for the lifetime of the process
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping FlowSend")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"owner_id", *flags.ownerID,
		"instance_id", *flags.instanceID,
		"twilio", *flags.twilio)

	if err := run(flags); err != nil {
		slog.Error("FlowSend failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("FlowSend exited successfully")
}

// run wires the store, transports, engine, scheduler, and API server together
// and blocks until shutdown.
func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	manager := whatsapp.NewManager()
	engine := flow.NewEngine(st, manager)
	dispatcher := messaging.NewDispatcher(engine)

	srv := api.NewServer(st, engine, manager, buildAPIOptions(flags)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *flags.twilio {
		twClient, err := twiliowhatsapp.NewClient()
		if err != nil {
			return err
		}
		manager.RegisterSender(*flags.ownerID, *flags.instanceID, twClient)

		twService := messaging.NewTwilioService(*flags.ownerID, *flags.instanceID)
		dispatcher.Register(twService)
		srv.RegisterWebhook(*flags.ownerID, *flags.instanceID, twService.WebhookHandler)
	} else {
		manager.SetStatus(*flags.ownerID, *flags.instanceID, whatsapp.StatusConnecting)
		waClient, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			manager.SetStatus(*flags.ownerID, *flags.instanceID, whatsapp.StatusDisconnected)
			return err
		}
		manager.Register(*flags.ownerID, *flags.instanceID, waClient)

		waService := messaging.NewWhatsAppService(*flags.ownerID, *flags.instanceID, waClient)
		dispatcher.Register(waService)
	}

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddRetentionSweep(*flags.retentionCron, st, *flags.retention); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// Config holds environment configuration
type Config struct {
	DatabaseDSN   string
	StateDir      string
	APIAddr       string
	OwnerID       string
	InstanceID    string
	Twilio        bool
	Retention     time.Duration
	RetentionCron string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	ownerID       *string
	instanceID    *string
	twilio        *bool
	retention     *time.Duration
	retentionCron *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseDSN:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("FLOWSEND_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		OwnerID:       os.Getenv("FLOWSEND_OWNER_ID"),
		InstanceID:    os.Getenv("FLOWSEND_INSTANCE_ID"),
		Twilio:        util.ParseBoolEnv("FLOWSEND_USE_TWILIO", false),
		Retention:     util.ParseDurationEnv("SESSION_RETENTION", DefaultSessionRetention),
		RetentionCron: os.Getenv("RETENTION_SCHEDULE"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWSEND_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	if config.OwnerID == "" {
		config.OwnerID = "default"
	}
	if config.InstanceID == "" {
		config.InstanceID = "primary"
	}
	if config.RetentionCron == "" {
		config.RetentionCron = scheduler.DefaultRetentionExpr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"FLOWSEND_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"FLOWSEND_OWNER_ID", config.OwnerID,
		"FLOWSEND_INSTANCE_ID", config.InstanceID,
		"FLOWSEND_USE_TWILIO", config.Twilio,
		"SESSION_RETENTION", config.Retention,
		"RETENTION_SCHEDULE", config.RetentionCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for FlowSend data (overrides $FLOWSEND_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseDSN, "database DSN for the flow and session store (overrides $DATABASE_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		ownerID:       flag.String("owner-id", config.OwnerID, "tenant owner ID for the local instance (overrides $FLOWSEND_OWNER_ID)"),
		instanceID:    flag.String("instance-id", config.InstanceID, "instance ID for the local instance (overrides $FLOWSEND_INSTANCE_ID)"),
		twilio:        flag.Bool("twilio", config.Twilio, "use the Twilio WhatsApp gateway instead of a linked device (overrides $FLOWSEND_USE_TWILIO)"),
		retention:     flag.Duration("session-retention", config.Retention, "how long inactive sessions are kept (overrides $SESSION_RETENTION)"),
		retentionCron: flag.String("retention-cron", config.RetentionCron, "cron schedule for the session retention sweep (overrides $RETENTION_SCHEDULE)"),
	}

	flag.Parse()

	// Keep the default SQLite path in step with an overridden state directory
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated db DSN based on state directory", "db_dsn", *flags.dbDSN)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "sqlite3" {
		return os.MkdirAll(*flags.stateDir, 0755)
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildStore selects a store backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsnType := store.DetectDSNType(*flags.dbDSN)
	slog.Debug("Selecting store backend", "dsn_type", dsnType)
	switch dsnType {
	case "postgres":
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	case "redis":
		return store.NewRedisStore(store.WithDSN(*flags.dbDSN))
	default:
		return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{
		whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName)),
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
