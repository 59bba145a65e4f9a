package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/charge/boltstore"
	chargepg "github.com/frahmantamala/pixflow/internal/charge/postgres"
	chargeDatamodel "github.com/frahmantamala/pixflow/internal/core/datamodel/charge"
	"github.com/frahmantamala/pixflow/internal/idempotency"
	"github.com/frahmantamala/pixflow/internal/paymentgateway"
)

// chargeStore is everything the process needs from the configured backend.
type chargeStore interface {
	charge.RepositoryAPI
	charge.ReportAPI
}

type storage struct {
	charges chargeStore
	ping    func(ctx context.Context) error
	close   func() error
}

type sqlStore struct {
	*chargepg.ChargeRepository
	*chargepg.ReportRepository
}

// openStorage opens the backend selected by cfg.Driver. Postgres schemas come
// from goose migrations; sqlite is migrated in place for local runs.
func openStorage(cfg internal.DatabaseConfig, logger *slog.Logger) (*storage, error) {
	switch cfg.Driver {
	case internal.DriverBolt:
		store, err := boltstore.Open(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		logger.Info("charge store opened", "driver", cfg.Driver, "path", cfg.Source)
		return &storage{
			charges: store,
			ping:    func(context.Context) error { return store.Ping() },
			close:   store.Close,
		}, nil

	case internal.DriverPostgres, internal.DriverSQLite:
		db, sqlxDriver, err := openGorm(cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

		if err := sqlDB.Ping(); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		logger.Info("charge store opened", "driver", cfg.Driver)
		return &storage{
			charges: sqlStore{
				ChargeRepository: chargepg.NewChargeRepository(db),
				ReportRepository: chargepg.NewReportRepository(sqlx.NewDb(sqlDB, sqlxDriver)),
			},
			ping:  sqlDB.PingContext,
			close: sqlDB.Close,
		}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func openGorm(cfg internal.DatabaseConfig) (*gorm.DB, string, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	}

	if cfg.Driver == internal.DriverSQLite {
		db, err := gorm.Open(sqlite.Open(cfg.Source), gormCfg)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open sqlite: %w", err)
		}
		if err := db.AutoMigrate(&chargeDatamodel.Charge{}, &chargeDatamodel.Transition{}); err != nil {
			return nil, "", fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
		return db, "sqlite3", nil
	}

	db, err := gorm.Open(postgres.Open(cfg.Source), gormCfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open postgres: %w", err)
	}
	return db, "pgx", nil
}

// newGateway builds the adapter named by cfg.Provider.
func newGateway(cfg internal.GatewayConfig, logger *slog.Logger) (paymentgateway.Gateway, error) {
	switch cfg.Provider {
	case internal.GatewayHTTP:
		return paymentgateway.NewClient(paymentgateway.Config{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			RequestTimeout: cfg.RequestTimeout,
		}, logger), nil
	case internal.GatewayStripe:
		return paymentgateway.NewStripeGateway(cfg.APIKey, cfg.Currency, nil, logger), nil
	case internal.GatewaySimulated:
		return paymentgateway.NewSimulator(cfg.SettleAfterPolls, logger), nil
	}
	return nil, fmt.Errorf("unsupported gateway provider %q", cfg.Provider)
}

// newIdempotencyStore prefers redis so replicas share keys, and falls back to
// process memory when no address is configured.
func newIdempotencyStore(cfg internal.RedisConfig, logger *slog.Logger) (idempotency.Store, func(context.Context) error, func() error) {
	if cfg.Addr == "" {
		logger.Info("idempotency keys kept in memory")
		return idempotency.NewMemoryStore(), nil, func() error { return nil }
	}

	client := idempotency.NewRedisClient(idempotency.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store := idempotency.NewRedisStore(client)
	logger.Info("idempotency keys kept in redis", "addr", cfg.Addr)
	return store, store.Ping, client.Close
}
