package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/api"
	"github.com/djlord-it/mailrelay/internal/config"
	"github.com/djlord-it/mailrelay/internal/cron"
	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/domain"
	"github.com/djlord-it/mailrelay/internal/history"
	"github.com/djlord-it/mailrelay/internal/intake"
	"github.com/djlord-it/mailrelay/internal/leaderelection"
	"github.com/djlord-it/mailrelay/internal/logging"
	"github.com/djlord-it/mailrelay/internal/metrics"
	"github.com/djlord-it/mailrelay/internal/store/postgres"
	"github.com/djlord-it/mailrelay/internal/sweeper"
	"github.com/djlord-it/mailrelay/internal/transport/channel"
	"github.com/djlord-it/mailrelay/internal/transport/kafka"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "migrate":
		os.Exit(runMigrate(os.Args[2:]))
	case "publish":
		os.Exit(runPublish(os.Args[2:], os.Stdin))
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`mailrelay - idempotent email delivery pipeline

Usage:
  mailrelay <command>

Commands:
  serve      Start the intake listener, retry sweeper and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information
  migrate    Apply (up) or list (status) PostgreSQL schema migrations
  publish    Publish send requests to Kafka (flags, or JSON lines on stdin)

Environment Variables:
  CONFIG_FILE               Optional YAML/JSON/TOML file; environment wins
  STORE_BACKEND             memory | postgres | mongo (default: "memory")
  DATABASE_URL              PostgreSQL connection string (postgres)
  DB_AUTO_MIGRATE           Apply migrations on serve (default: "true")
  MONGO_URI, MONGO_DATABASE MongoDB connection (mongo)
  REDIS_ADDR                Redis address (redis lock, analytics)
  LOCK_BACKEND              local | redis (default: "local")

  INTAKE_MODE               channel | kafka (default: "channel")
  KAFKA_BROKERS             Comma-separated broker list (kafka)
  KAFKA_TOPIC               Topic (default: "email-events")
  KAFKA_GROUP_ID            Consumer group (default: "mailrelay")
  INTAKE_WORKERS            Kafka readers in the group (default: "1")
  INTAKE_RETRY_INTERVAL     Wait before retrying a store fault (default: "5s")
  EVENTBUS_BUFFER_SIZE      In-process bus capacity (default: "100")

  SWEEP_ENABLED             Run the retry sweeper (default: "true")
  SWEEP_SCHEDULE            "@every 5m", "90s" or a cron expression
  SWEEP_TIMEZONE            Timezone for cron expressions (default: "UTC")
  SWEEP_ON_START            Sweep once at startup (default: "false")

  MAIL_PROVIDER             log | smtp | sendgrid (default: "log")
  SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, SMTP_FROM, SMTP_TLS_POLICY
  SENDGRID_API_KEY, SENDGRID_FROM_EMAIL, SENDGRID_FROM_NAME
  SEND_TIMEOUT              Bound on one transport call (default: "30s")
  CIRCUIT_BREAKER_THRESHOLD Consecutive transport faults to open (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Open duration (default: "2m")
  CIRCUIT_BREAKER_SCOPE     relay | domain (default: "relay")

  HTTP_ADDR                 HTTP server address (default: ":8080")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")
  INTAKE_DRAIN_TIMEOUT      Wait for in-flight intake on shutdown (default: "30s")
  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_ADDR              Metrics server address (default: ":9090")
  ANALYTICS_ENABLED         Hourly outcome counters in Redis (default: "false")
  LOG_LEVEL, LOG_FORMAT     Logging (default: "info", "json")`)
}

func runServe() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	defer func() { _ = logger.Sync() }()

	logConfigWarnings(logger, cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// Initialize metrics sink (optional)
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)

		// Metrics are served on a separate listener.
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("mailrelay: metrics server listening",
				zap.String("addr", cfg.MetricsAddr), zap.String("path", cfg.MetricsPath))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("mailrelay: metrics server error", zap.Error(err))
			}
		}()
	} else {
		logger.Info("mailrelay: METRICS_ENABLED not set; metrics disabled")
	}

	res, err := openResources(startCtx, cfg, logger)
	if err != nil {
		logger.Error("mailrelay: startup failed", zap.Error(err))
		return exitRuntimeError
	}
	defer res.Close()

	mailer, err := buildMailer(cfg, logger)
	if err != nil {
		logger.Error("mailrelay: mail transport", zap.Error(err))
		return exitRuntimeError
	}

	engine := delivery.New(res.store, mailer).
		WithLocker(res.locker).
		WithMetrics(sink).
		WithLogger(logger).
		WithSendTimeout(cfg.SendTimeout)
	if res.analytics != nil {
		engine = engine.WithAnalytics(res.analytics)
	}

	// Intake sources and the publisher behind POST /api/messages.
	var (
		sources   []intake.Source
		publisher api.Publisher
	)
	switch cfg.IntakeMode {
	case "kafka":
		readerCfg := kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}
		for _, r := range kafka.NewReaders(readerCfg, cfg.IntakeWorkers) {
			defer r.Close()
			sources = append(sources, r)
		}
		pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer pub.Close()
		publisher = pub
		logger.Info("mailrelay: kafka intake",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
			zap.String("group", cfg.KafkaGroupID),
			zap.Int("workers", cfg.IntakeWorkers))
	default:
		bus := channel.NewBus(cfg.EventBusBufferSize, channel.WithMetrics(sink))
		sources = append(sources, bus)
		publisher = bus
		logger.Info("mailrelay: in-process intake", zap.Int("buffer", cfg.EventBusBufferSize))
	}

	listener := intake.NewListener(engine, sources...).
		WithRetryInterval(cfg.IntakeRetryInterval).
		WithMetrics(sink).
		WithLogger(logger)

	apiHandler := api.NewHandler(history.New(res.store), engine).
		WithHealthChecker(res.store).
		WithPublisher(publisher).
		WithLogger(logger)
	if res.analytics != nil {
		apiHandler = apiHandler.WithOutcomes(res.analytics)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("mailrelay: http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mailrelay: http server error", zap.Error(err))
		}
	}()

	// Separate contexts for the listener and the sweeper enable ordered shutdown.
	listenerCtx, cancelListener := context.WithCancel(context.Background())
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		_ = listener.Run(listenerCtx)
	}()

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	var sweepWg sync.WaitGroup
	if cfg.SweepEnabled {
		sched, err := cron.NewParser().Parse(cfg.SweepSchedule, cfg.SweepTimezone)
		if err != nil {
			logger.Error("mailrelay: sweep schedule", zap.Error(err))
			cancelListener()
			<-listenerDone
			cancelSweep()
			return exitInvalidConfig
		}
		sw := sweeper.New(sweeper.Config{Schedule: sched, RunOnStart: cfg.SweepOnStart}, engine).
			WithMetrics(sink).
			WithLogger(logger)

		sweepWg.Add(1)
		if res.db != nil {
			// Several instances may share one database; only the leader sweeps.
			duties := newLeaderDuties(sw.Run)
			elector := leaderelection.New(res.db, cfg.LeaderLockKey,
				cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval,
				duties.start, duties.stop,
			).WithMetrics(sink).WithLogger(logger)
			go func() {
				defer sweepWg.Done()
				elector.Run(sweepCtx)
			}()
		} else {
			go func() {
				defer sweepWg.Done()
				sw.Run(sweepCtx)
			}()
		}
		logger.Info("mailrelay: retry sweeper enabled",
			zap.String("schedule", cfg.SweepSchedule),
			zap.Bool("leader_election", res.db != nil))
	} else {
		logger.Info("mailrelay: SWEEP_ENABLED=false; retry sweeper disabled")
	}

	logger.Info("mailrelay: started",
		zap.String("version", version),
		zap.String("store", cfg.StoreBackend),
		zap.String("intake", cfg.IntakeMode),
		zap.String("mail", cfg.MailProvider))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	logger.Info("mailrelay: received signal, shutting down", zap.String("signal", received.String()))

	// Phase 1: stop intake. In-flight messages finish their send and save.
	logger.Info("mailrelay: stopping intake listener...")
	cancelListener()
	select {
	case <-listenerDone:
		logger.Info("mailrelay: intake listener stopped")
	case <-time.After(cfg.IntakeDrainTimeout):
		logger.Warn("mailrelay: intake drain timed out", zap.Duration("timeout", cfg.IntakeDrainTimeout))
	}

	// Phase 2: stop the sweeper (and leader election).
	logger.Info("mailrelay: stopping retry sweeper...")
	cancelSweep()
	sweepWg.Wait()
	logger.Info("mailrelay: retry sweeper stopped")

	// Phase 3: stop HTTP server with graceful shutdown
	logger.Info("mailrelay: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("mailrelay: http server shutdown error", zap.Error(err))
	}
	logger.Info("mailrelay: http server stopped")

	// Phase 4: stop metrics server if running (with same timeout)
	if metricsServer != nil {
		logger.Info("mailrelay: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			logger.Error("mailrelay: metrics server shutdown error", zap.Error(err))
		}
		logger.Info("mailrelay: metrics server stopped")
	}

	logger.Info("mailrelay: stopped")
	return exitSuccess
}

// logConfigWarnings logs non-fatal configuration issues at startup.
func logConfigWarnings(logger *zap.Logger, cfg config.Config) {
	for _, w := range config.Warnings(cfg) {
		logger.Warn("mailrelay: config warning", zap.String("warning", w))
	}
}

func runValidate() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("mailrelay version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

func runMigrate(args []string) int {
	action := "up"
	if len(args) > 0 {
		action = args[0]
	}
	if action != "up" && action != "status" {
		fmt.Fprintf(os.Stderr, "usage: mailrelay migrate [up|status]\n")
		return exitRuntimeError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL: required")
		return exitInvalidConfig
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	if action == "status" {
		statuses, err := postgres.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
		for _, st := range statuses {
			state := "pending"
			if st.Applied {
				state = "applied"
			}
			fmt.Printf("%-8d %-8s %s\n", st.Version, state, st.File)
		}
		return exitSuccess
	}

	n, err := postgres.Migrate(ctx, db, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	fmt.Printf("applied %d migration(s)\n", n)
	return exitSuccess
}

func runPublish(args []string, stdin io.Reader) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	id := fs.String("id", "", "message id (omit to read JSON lines from stdin)")
	to := fs.String("to", "", "recipient address")
	subject := fs.String("subject", "", "subject line")
	content := fs.String("content", "", "message body")
	if err := fs.Parse(args); err != nil {
		return exitRuntimeError
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	if len(cfg.KafkaBrokers) == 0 {
		fmt.Fprintln(os.Stderr, "KAFKA_BROKERS: required for publish")
		return exitInvalidConfig
	}

	var msgs []domain.Message
	if *id != "" {
		msgs = []domain.Message{{ID: *id, Recipient: *to, Subject: *subject, Content: *content}}
	} else {
		msgs, err = readMessages(stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitRuntimeError
		}
	}
	if len(msgs) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to publish")
		return exitRuntimeError
	}

	pub := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, msgs...); err != nil {
		fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		return exitRuntimeError
	}

	fmt.Printf("published %d message(s) to %s\n", len(msgs), cfg.KafkaTopic)
	return exitSuccess
}

// readMessages decodes one JSON message per non-empty line. Messages
// without an id are rejected before anything is published.
func readMessages(r io.Reader) ([]domain.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var msgs []domain.Message
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, err := domain.DecodeMessage([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if !m.HasID() {
			return nil, fmt.Errorf("line %d: %w", i+1, domain.ErrInvalidMessage)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
