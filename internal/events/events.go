// Package events publishes asset lifecycle notifications to a Redis stream so
// downstream consumers (CDN priming, notification fan-out, analytics) can
// react without polling the API.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Type labels one asset lifecycle transition.
type Type string

const (
	TypeUploaded   Type = "asset.uploaded"
	TypeQueued     Type = "asset.queued"
	TypeProcessing Type = "asset.processing"
	TypeReady      Type = "asset.ready"
	TypeFailed     Type = "asset.failed"
	TypeRetrying   Type = "asset.retrying"
	TypeCancelled  Type = "asset.cancelled"
)

// Event is the payload written to the stream. Detail carries a human-readable
// note such as the failure reason or retry delay.
type Event struct {
	Type       Type      `json:"type"`
	AssetID    string    `json:"assetId"`
	EntryID    string    `json:"entryId,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NoopPublisher drops every event. It stands in when no Redis endpoint is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }

// RedisConfig configures the Redis-backed publisher.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MaxLen       int64
	Logger       *slog.Logger
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
}

const defaultStream = "vodforge:assets"

type redisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewRedisPublisher connects to Redis and returns a stream-backed publisher.
// The stream is capped (approximately) at cfg.MaxLen entries.
func NewRedisPublisher(cfg RedisConfig) (Publisher, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisPublisher{client: client, stream: stream, maxLen: maxLen, logger: logger}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.Type == "" {
		return errors.New("event type is required")
	}
	if strings.TrimSpace(evt.AssetID) == "" {
		return errors.New("event asset id is required")
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    string(evt.Type),
			"assetId": evt.AssetID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

// LogPublishError reports a failed publish without interrupting the caller.
// Lifecycle events are advisory: pipeline progress never blocks on them.
func LogPublishError(logger *slog.Logger, evt Event, err error) {
	if err == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("event publish failed", "type", string(evt.Type), "asset_id", evt.AssetID, "error", err)
}
