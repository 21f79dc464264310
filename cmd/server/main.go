// Command server starts the VodForge transcoding API and its worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vodforge/internal/api"
	"vodforge/internal/assetstore"
	"vodforge/internal/events"
	"vodforge/internal/media"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/pipeline"
	"vodforge/internal/scheduler"
	"vodforge/internal/server"
	"vodforge/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	mediaRoot := flag.String("media-root", "", "root directory for originals and processed output")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresOpTimeout := flag.Duration("postgres-op-timeout", 0, "timeout applied to individual Postgres operations")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	workers := flag.Int("workers", 0, "number of concurrent transcode workers")
	pollInterval := flag.Duration("poll-interval", 0, "how often idle workers poll the queue")
	retryBackoff := flag.Duration("retry-backoff", 0, "base delay before the first retry; doubles per attempt")
	staleThreshold := flag.Duration("stale-threshold", 0, "age after which a processing entry is declared stalled")
	reapInterval := flag.Duration("reap-interval", 0, "how often the stale-entry reaper sweeps")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum accepted upload size in bytes (0 = unlimited)")
	segmentDuration := flag.Int("segment-duration", 0, "HLS segment length in seconds")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	encodeTimeout := flag.Duration("encode-timeout", 0, "timeout for a single rendition encode")
	probeTimeout := flag.Duration("probe-timeout", 0, "timeout for source inspection")
	eventsRedisAddr := flag.String("events-redis-addr", "", "Redis address for lifecycle event publishing")
	eventsRedisAddrs := flag.String("events-redis-addrs", "", "comma separated Redis addresses for lifecycle events")
	eventsRedisUsername := flag.String("events-redis-username", "", "Redis username for lifecycle events")
	eventsRedisPassword := flag.String("events-redis-password", "", "Redis password for lifecycle events")
	eventsStream := flag.String("events-stream", "", "Redis stream key for lifecycle events")
	eventsRedisMaster := flag.String("events-redis-sentinel-master", "", "Redis sentinel master name for lifecycle events")
	eventsRedisPoolSize := flag.Int("events-redis-pool-size", 0, "maximum Redis connections for lifecycle events")
	mirrorBucket := flag.String("mirror-bucket", "", "object storage bucket to mirror packaged output into")
	mirrorPrefix := flag.String("mirror-prefix", "", "object storage key prefix for mirrored output")
	mirrorRegion := flag.String("mirror-region", "", "object storage region")
	mirrorEndpoint := flag.String("mirror-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	mirrorAccessKey := flag.String("mirror-access-key", "", "object storage access key")
	mirrorSecretKey := flag.String("mirror-secret-key", "", "object storage secret key")
	mirrorPathStyle := flag.Bool("mirror-path-style", false, "use path-style object storage addressing")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := resolveListenAddr(*addr, os.Getenv("VODFORGE_ADDR"))
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("VODFORGE_STORAGE_DRIVER"), resolvePostgresDSN(*postgresDSN))
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("VODFORGE_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		dsn := resolvePostgresDSN(*postgresDSN)
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "VODFORGE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "VODFORGE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "VODFORGE_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "VODFORGE_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "VODFORGE_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if opTimeout := resolveDuration(*postgresOpTimeout, "VODFORGE_POSTGRES_OP_TIMEOUT", 0); opTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresOperationTimeout(opTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("VODFORGE_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(dsn, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	files, err := assetstore.NewFileStore(resolveMediaRoot(*mediaRoot, os.Getenv("VODFORGE_MEDIA_ROOT")))
	if err != nil {
		logger.Error("failed to prepare media directories", "error", err)
		os.Exit(1)
	}

	engineCfg := media.FFmpegConfig{
		FFmpegPath:    firstNonEmpty(*ffmpegPath, os.Getenv("VODFORGE_FFMPEG")),
		FFprobePath:   firstNonEmpty(*ffprobePath, os.Getenv("VODFORGE_FFPROBE")),
		ProbeTimeout:  resolveDuration(*probeTimeout, "VODFORGE_PROBE_TIMEOUT", 0),
		EncodeTimeout: resolveDuration(*encodeTimeout, "VODFORGE_ENCODE_TIMEOUT", 0),
		Logger:        logging.WithComponent(logger, "ffmpeg"),
	}
	if err := media.CheckFFmpeg(engineCfg); err != nil {
		logger.Error("ffmpeg preflight failed", "error", err)
		os.Exit(1)
	}
	engine := media.NewFFmpegEngine(engineCfg)

	publisher := configureEvents(eventsConfig{
		Addr:       firstNonEmpty(*eventsRedisAddr, os.Getenv("VODFORGE_EVENTS_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*eventsRedisAddrs, os.Getenv("VODFORGE_EVENTS_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*eventsRedisUsername, os.Getenv("VODFORGE_EVENTS_REDIS_USERNAME")),
		Password:   firstNonEmpty(*eventsRedisPassword, os.Getenv("VODFORGE_EVENTS_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*eventsStream, os.Getenv("VODFORGE_EVENTS_STREAM")),
		MasterName: firstNonEmpty(*eventsRedisMaster, os.Getenv("VODFORGE_EVENTS_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*eventsRedisPoolSize, "VODFORGE_EVENTS_REDIS_POOL_SIZE"),
	}, logger)

	pipelineCfg, err := pipeline.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load pipeline configuration", "error", err)
		os.Exit(1)
	}
	if *segmentDuration > 0 {
		pipelineCfg.SegmentDurationSeconds = *segmentDuration
	}
	mirrorCfg := objectstore.Config{
		Bucket:          firstNonEmpty(*mirrorBucket, os.Getenv("VODFORGE_MIRROR_BUCKET")),
		Prefix:          firstNonEmpty(*mirrorPrefix, os.Getenv("VODFORGE_MIRROR_PREFIX")),
		Region:          firstNonEmpty(*mirrorRegion, os.Getenv("VODFORGE_MIRROR_REGION")),
		Endpoint:        firstNonEmpty(*mirrorEndpoint, os.Getenv("VODFORGE_MIRROR_ENDPOINT")),
		AccessKeyID:     firstNonEmpty(*mirrorAccessKey, os.Getenv("VODFORGE_MIRROR_ACCESS_KEY")),
		SecretAccessKey: firstNonEmpty(*mirrorSecretKey, os.Getenv("VODFORGE_MIRROR_SECRET_KEY")),
		UsePathStyle:    resolveBool(*mirrorPathStyle, "VODFORGE_MIRROR_PATH_STYLE"),
		Logger:          logging.WithComponent(logger, "mirror"),
	}
	if mirrorCfg.Bucket != "" {
		mirror, err := objectstore.New(context.Background(), mirrorCfg)
		if err != nil {
			logger.Error("failed to configure object storage mirror", "error", err)
			os.Exit(1)
		}
		pipelineCfg.Mirror = mirror
	}

	pipe := pipeline.New(store, files, engine, logging.WithComponent(logger, "pipeline"), recorder, pipelineCfg)

	sched := scheduler.New(store, pipe, scheduler.Config{
		Workers:          resolveInt(*workers, "VODFORGE_WORKERS"),
		PollInterval:     resolveDuration(*pollInterval, "VODFORGE_POLL_INTERVAL", 0),
		RetryBackoffBase: resolveDuration(*retryBackoff, "VODFORGE_RETRY_BACKOFF", 0),
		StaleThreshold:   resolveDuration(*staleThreshold, "VODFORGE_STALE_THRESHOLD", 0),
		ReapInterval:     resolveDuration(*reapInterval, "VODFORGE_REAP_INTERVAL", 0),
		Logger:           logging.WithComponent(logger, "scheduler"),
		Recorder:         recorder,
		Events:           publisher,
	})
	sched.Start()

	handler := api.NewHandler(store, files)
	handler.Workers = sched
	handler.Events = publisher
	handler.Recorder = recorder
	handler.Logger = logging.WithComponent(logger, "api")
	handler.MaxUploadBytes = resolveInt64(*maxUploadBytes, "VODFORGE_MAX_UPLOAD_BYTES")

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODFORGE_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODFORGE_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		TLS:     tlsCfg,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("VodForge API listening", "addr", listenAddr)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := sched.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop scheduler", "error", err)
	}
	if err := publisher.Close(); err != nil {
		logger.Warn("failed to close event publisher", "error", err)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

type eventsConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	MasterName string
	PoolSize   int
}

func configureEvents(cfg eventsConfig, logger *slog.Logger) events.Publisher {
	if cfg.Addr == "" && len(cfg.Addrs) == 0 {
		return events.NoopPublisher{}
	}
	publisher, err := events.NewRedisPublisher(events.RedisConfig{
		Addr:       cfg.Addr,
		Addrs:      cfg.Addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Stream:     cfg.Stream,
		MasterName: cfg.MasterName,
		PoolSize:   cfg.PoolSize,
		Logger:     logging.WithComponent(logger, "events"),
	})
	if err != nil {
		logger.Error("failed to connect lifecycle event publisher", "error", err)
		os.Exit(1)
	}
	logger.Info("lifecycle events enabled", "stream", cfg.Stream)
	return publisher
}

func resolveListenAddr(flagValue, envValue string) string {
	if addr := firstNonEmpty(flagValue, envValue); addr != "" {
		return addr
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if path := firstNonEmpty(flagValue, envValue); path != "" {
		return path
	}
	return "data/store.json"
}

func resolveMediaRoot(flagValue, envValue string) string {
	if root := firstNonEmpty(flagValue, envValue); root != "" {
		return root
	}
	return "data/media"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
