package main

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/config"
	"github.com/sells-group/street-directory/internal/directory"
	"github.com/sells-group/street-directory/internal/extraction"
	"github.com/sells-group/street-directory/internal/lock"
	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/monitoring"
	"github.com/sells-group/street-directory/internal/overpass"
	"github.com/sells-group/street-directory/internal/resilience"
	"github.com/sells-group/street-directory/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "street-directory.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates the store settings, opens the store and migrates it.
// Callers should defer st.Close().
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// directoryEnv holds the store and the directory services. Every command that
// reads or changes postal codes and streets goes through the services.
type directoryEnv struct {
	Store       store.Store
	Postalcodes *directory.PostalcodeService
	Streets     *directory.StreetService
	closers     []func() error
}

// Close releases the lock backend and the store.
func (e *directoryEnv) Close() {
	for _, c := range e.closers {
		_ = c()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initDirectory validates cfg for mode and wires the lock and services. Modes
// other than "store" also wire the geodata client and extractors. Callers
// should defer env.Close().
func initDirectory(ctx context.Context, mode string) (*directoryEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &directoryEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, err
	}

	locker, closeLocker, err := initLocker(ctx, cfg)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeLocker != nil {
		env.closers = append(env.closers, closeLocker)
	}

	// Direct access ("store") needs no geodata client.
	var (
		postalcodes directory.Source[model.Postalcode]
		streets     directory.Source[model.ExtractedStreet]
	)
	if mode != "store" {
		exec := overpass.NewExecutor(newOverpassClient(cfg.Overpass), cfg.Overpass.TimeoutTolerance)
		postalcodes = extraction.NewPostalcodeExtractor(exec, extraction.Options{
			ServerTimeout: cfg.Extraction.TimeoutFor(model.KindPostalcodes),
		})
		streets = extraction.NewStreetExtractor(exec, extraction.Options{
			ServerTimeout: cfg.Extraction.TimeoutFor(model.KindStreets),
		})
	}

	env.Postalcodes = directory.NewPostalcodeService(st, postalcodes, locker)
	env.Streets = directory.NewStreetService(st, streets, locker)

	zap.L().Debug("directory initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.String("overpass", cfg.Overpass.BaseURL),
	)
	return env, nil
}

func newOverpassClient(c config.OverpassConfig) *overpass.Client {
	cbCfg := resilience.FromCircuitConfig(c.BreakerThreshold, c.BreakerReset)
	cbCfg.ShouldTrip = resilience.IsTransient
	return overpass.NewClient(overpass.ClientOptions{
		BaseURL:       c.BaseURL,
		UserAgent:     c.UserAgent,
		RatePerSecond: c.RatePerSecond,
		Burst:         c.Burst,
		ClientGrace:   c.ClientGrace,
		Retry:         resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoff, c.MaxBackoff),
		Breaker:       resilience.NewCircuitBreaker(cbCfg),
	})
}

// initLocker returns the configured keyed lock and, for Redis, a closer for
// its client.
func initLocker(ctx context.Context, c *config.Config) (lock.Locker, func() error, error) {
	switch c.Lock.Driver {
	case "", "local":
		return lock.NewKeyedMutex(), nil, nil
	case "redis":
		client, err := lock.NewRedisClient(ctx, c.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewRedisLocker(client, lock.RedisOptions{TTL: c.Lock.TTL}), client.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported lock driver: %s", c.Lock.Driver)
	}
}

// startMonitoring runs the alert checker until ctx is done when a webhook is
// configured.
func startMonitoring(ctx context.Context, st store.Store) {
	if cfg.Monitoring.WebhookURL == "" {
		return
	}
	checker := monitoring.NewChecker(
		monitoring.NewCollector(st),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	go checker.Run(ctx)
}

func parseAreaID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid area id %q: must be a positive integer", s)
	}
	return id, nil
}
