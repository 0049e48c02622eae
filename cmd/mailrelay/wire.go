package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/djlord-it/mailrelay/internal/analytics"
	"github.com/djlord-it/mailrelay/internal/circuitbreaker"
	"github.com/djlord-it/mailrelay/internal/config"
	"github.com/djlord-it/mailrelay/internal/delivery"
	"github.com/djlord-it/mailrelay/internal/history"
	"github.com/djlord-it/mailrelay/internal/lock"
	"github.com/djlord-it/mailrelay/internal/mail"
	"github.com/djlord-it/mailrelay/internal/store/memory"
	"github.com/djlord-it/mailrelay/internal/store/mongo"
	"github.com/djlord-it/mailrelay/internal/store/postgres"
)

// recordStore is what every store backend provides.
type recordStore interface {
	delivery.Store
	history.Reader
	Ping(ctx context.Context) error
}

// resources holds the long-lived connections opened for serve.
type resources struct {
	store     recordStore
	locker    delivery.Locker
	analytics *analytics.RedisSink

	db     *sql.DB // postgres only; also drives leader election
	mongo  *mongodriver.Client
	redis  *redis.Client
	logger *zap.Logger
}

func openResources(ctx context.Context, cfg config.Config, logger *zap.Logger) (*resources, error) {
	res := &resources{logger: logger}

	switch cfg.StoreBackend {
	case "postgres":
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		res.db = db
		logger.Info("mailrelay: database connected",
			zap.Int("max_open_conns", cfg.DBMaxOpenConns),
			zap.Int("max_idle_conns", cfg.DBMaxIdleConns))

		if cfg.DBAutoMigrate {
			if _, err := postgres.Migrate(ctx, db, logger); err != nil {
				res.Close()
				return nil, err
			}
		}
		res.store = postgres.New(db)
	case "mongo":
		st, client, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		res.mongo = client
		if err := st.EnsureIndexes(ctx); err != nil {
			res.Close()
			return nil, err
		}
		res.store = st
		logger.Info("mailrelay: mongo connected", zap.String("database", cfg.MongoDatabase))
	default:
		res.store = memory.New()
	}

	if cfg.RedisAddr != "" {
		res.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := res.redis.Ping(ctx).Err(); err != nil {
			res.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}

	switch cfg.LockBackend {
	case "redis":
		opts := lock.DefaultRedisOptions()
		opts.Expiry = cfg.LockExpiry
		res.locker = lock.NewRedis(res.redis, opts).WithLogger(logger)
	default:
		res.locker = lock.NewLocal()
	}

	if cfg.AnalyticsEnabled {
		res.analytics = analytics.NewRedisSink(res.redis).
			WithRetention(cfg.AnalyticsRetention).
			WithLogger(logger)
	}

	return res, nil
}

// Close releases every connection that was opened. Safe on a partially
// built value.
func (r *resources) Close() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("mailrelay: redis close", zap.Error(err))
		}
	}
	if r.mongo != nil {
		if err := r.mongo.Disconnect(context.Background()); err != nil {
			r.logger.Warn("mailrelay: mongo disconnect", zap.Error(err))
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Warn("mailrelay: database close", zap.Error(err))
		}
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return db, nil
}

func buildMailer(cfg config.Config, logger *zap.Logger) (delivery.Mailer, error) {
	m, err := mail.New(mailConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		return m, nil
	}
	cb := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	logger.Info("mailrelay: circuit breaker enabled",
		zap.Int("threshold", cfg.CircuitBreakerThreshold),
		zap.Duration("cooldown", cfg.CircuitBreakerCooldown),
		zap.String("scope", cfg.CircuitBreakerScope))
	return mail.NewBreakerMailer(m, cb, cfg.CircuitBreakerScope).WithLogger(logger), nil
}

func mailConfig(cfg config.Config) mail.Config {
	return mail.Config{
		Provider: cfg.MailProvider,
		SMTP: mail.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			TLSPolicy: cfg.SMTPTLSPolicy,
			Timeout:   cfg.SendTimeout,
		},
		SendGrid: mail.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		},
	}
}

// leaderDuties runs a task only while this instance holds leadership.
// start and stop are the elector's onElected and onDemoted callbacks.
type leaderDuties struct {
	run func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLeaderDuties(run func(ctx context.Context)) *leaderDuties {
	return &leaderDuties{run: run}
}

func (d *leaderDuties) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil || ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	go func() {
		defer close(done)
		d.run(runCtx)
	}()
}

// stop cancels the running task and waits for it. Idempotent.
func (d *leaderDuties) stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
