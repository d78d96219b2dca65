package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/TriggerPipe/internal/api"
	"github.com/BTreeMap/TriggerPipe/internal/genai"
	"github.com/BTreeMap/TriggerPipe/internal/lockfile"
	"github.com/BTreeMap/TriggerPipe/internal/messaging"
	"github.com/BTreeMap/TriggerPipe/internal/recovery"
	"github.com/BTreeMap/TriggerPipe/internal/scheduler"
	"github.com/BTreeMap/TriggerPipe/internal/store"
	"github.com/BTreeMap/TriggerPipe/internal/trigger"
	"github.com/BTreeMap/TriggerPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TriggerPipe state data
	DefaultStateDir = "/var/lib/triggerpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "triggerpipe.db"
	// ShutdownTimeout bounds the graceful shutdown of the API server
	ShutdownTimeout = 10 * time.Second
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

	// Acquire the state directory lock before touching any state
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping TriggerPipe with configured modules")
	if err := run(flags); err != nil {
		slog.Error("TriggerPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TriggerPipe exited successfully")
}

// run wires the modules together and blocks until shutdown.
func run(flags Flags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	// Intent classifier for smart conditions (optional)
	var classifier trigger.Classifier
	if *flags.openaiKey != "" {
		gaClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		classifier = gaClient
	} else {
		slog.Info("No OpenAI API key configured, smart conditions use keyword fallback")
	}

	// Chat transport
	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	defer msgService.Stop()

	// Engine core
	registry := trigger.NewRegistry(st)
	limiter := trigger.NewLimiter(nil)
	evaluator := trigger.NewEvaluator(classifier)
	engine := trigger.NewEngine(registry, limiter, evaluator, st, msgService)
	service := trigger.NewService(st, registry, msgService)

	// Restore limiter state from the previous run
	if err := recovery.NewManager(st, limiter).Recover(ctx); err != nil {
		return err
	}

	// Periodic maintenance
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduler.RegisterMaintenance(sched, limiter, st); err != nil {
		return err
	}

	// Route incoming chat messages through the engine
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	router := messaging.NewRouter(msgService, engine)
	go router.Run(ctx)

	// HTTP API
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(service, engine, apiOpts...)
	mux := server.Handler()
	if twilioSvc, ok := msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilioSvc.WebhookHandler)
		slog.Info("Twilio webhook mounted", "path", "/webhook/twilio")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(mux); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Block until a signal or a fatal server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// Config holds environment configuration
type Config struct {
	Transport   string
	WhatsAppDSN string
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Operators   string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	waDSN     *string
	openaiKey *string
	apiAddr   *string
	transport *string
	operators *string
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
		Transport:   os.Getenv("TRIGGERPIPE_TRANSPORT"),
		WhatsAppDSN: os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("TRIGGERPIPE_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Operators:   os.Getenv("TRIGGERPIPE_OPERATORS"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TRIGGERPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = "whatsapp"
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	// The whatsmeow session store defaults to the trigger database's neighbor
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, "whatsmeow.db")
	}

	slog.Debug("environment variables loaded",
		"TRIGGERPIPE_TRANSPORT", config.Transport,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TRIGGERPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for TriggerPipe data (overrides $TRIGGERPIPE_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the trigger store (overrides $DATABASE_URL)"),
		waDSN:     flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport: flag.String("transport", config.Transport, "chat transport: whatsapp or twilio (overrides $TRIGGERPIPE_TRANSPORT)"),
		operators: flag.String("operators", config.Operators, "comma-separated operator phone numbers for the twilio transport (overrides $TRIGGERPIPE_OPERATORS)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	// Ensure the DSN's directory exists if we're using a file-based DSN
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating directory for file-based database", "dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dbDir)
			return err
		}
	}
	return nil
}

// buildStore constructs the trigger store from the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService constructs the configured chat transport.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.transport {
	case "twilio":
		var opts []messaging.TwilioOption
		if *flags.operators != "" {
			opts = append(opts, messaging.WithOperators(strings.Split(*flags.operators, ",")))
		}
		return messaging.NewTwilioService(opts...)
	default:
		waOpts := buildWhatsAppOptions(flags)
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(waClient), nil
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}
