package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool and bounds individual datastore operations.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	OperationTimeout    time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

const defaultPostgresOperationTimeout = 10 * time.Second

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:              dsn,
		OperationTimeout: defaultPostgresOperationTimeout,
		Clock:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultPostgresOperationTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}
