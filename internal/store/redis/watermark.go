// Package redis keeps refresh watermarks in Redis hashes so several engine
// processes can share cursors. Every call goes through a circuit breaker.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tfbars/internal/model"
)

// Config configures the Redis watermark store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string // key prefix, default "tfbars"
}

// WatermarkStore implements model.WatermarkStore over Redis hashes:
//
//	{prefix}:wm:bar:{id}:{tf}
//	{prefix}:wm:ema:{id}:{tf}:{period}
type WatermarkStore struct {
	client *goredis.Client
	cb     *CircuitBreaker
	prefix string
}

// Client returns the underlying Redis client for health checks.
func (s *WatermarkStore) Client() *goredis.Client { return s.client }

// Breaker exposes the circuit breaker so callers can hook state changes.
func (s *WatermarkStore) Breaker() *CircuitBreaker { return s.cb }

// New connects to Redis and pings the server.
func New(ctx context.Context, cfg Config) (*WatermarkStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("[redis] connected", "addr", cfg.Addr)
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *WatermarkStore {
	if prefix == "" {
		prefix = "tfbars"
	}
	cb := NewCircuitBreaker(5, 10*time.Second)
	cb.IsFailure = func(err error) bool { return !errors.Is(err, goredis.Nil) }
	return &WatermarkStore{client: client, cb: cb, prefix: prefix}
}

func (s *WatermarkStore) barKey(asset, tf string) string {
	return s.prefix + ":wm:bar:" + asset + ":" + tf
}

func (s *WatermarkStore) emaKey(asset, tf string, period int) string {
	return s.prefix + ":wm:ema:" + asset + ":" + tf + ":" + strconv.Itoa(period)
}

func (s *WatermarkStore) get(ctx context.Context, key string) (model.RefreshWatermark, error) {
	var fields map[string]string
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		fields, err = s.client.HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return model.RefreshWatermark{}, fmt.Errorf("redis watermark get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return model.RefreshWatermark{}, model.ErrNotFound
	}
	return decode(fields)
}

func (s *WatermarkStore) put(ctx context.Context, key string, wm model.RefreshWatermark) error {
	vals := encode(wm)
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, vals)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis watermark put %s: %w", key, err)
	}
	return nil
}

func (s *WatermarkStore) del(ctx context.Context, key string) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
}

func (s *WatermarkStore) GetBar(ctx context.Context, asset, tf string) (model.RefreshWatermark, error) {
	return s.get(ctx, s.barKey(asset, tf))
}

func (s *WatermarkStore) PutBar(ctx context.Context, wm model.RefreshWatermark) error {
	return s.put(ctx, s.barKey(wm.Asset, wm.TF), wm)
}

func (s *WatermarkStore) DeleteBar(ctx context.Context, asset, tf string) error {
	return s.del(ctx, s.barKey(asset, tf))
}

func (s *WatermarkStore) GetEma(ctx context.Context, asset, tf string, period int) (model.RefreshWatermark, error) {
	return s.get(ctx, s.emaKey(asset, tf, period))
}

func (s *WatermarkStore) PutEma(ctx context.Context, wm model.RefreshWatermark) error {
	return s.put(ctx, s.emaKey(wm.Asset, wm.TF, wm.Period), wm)
}

func (s *WatermarkStore) DeleteEma(ctx context.Context, asset, tf string, period int) error {
	return s.del(ctx, s.emaKey(asset, tf, period))
}

// Ping checks connectivity through the breaker.
func (s *WatermarkStore) Ping(ctx context.Context) error {
	return s.cb.Execute(ctx, func(ctx context.Context) error { return s.client.Ping(ctx).Err() })
}

// Close closes the client.
func (s *WatermarkStore) Close() error { return s.client.Close() }

func encode(wm model.RefreshWatermark) map[string]any {
	return map[string]any{
		"id":              wm.Asset,
		"tf":              wm.TF,
		"period":          wm.Period,
		"daily_min_seen":  model.ToMillis(wm.DailyMinSeen),
		"daily_max_seen":  model.ToMillis(wm.DailyMaxSeen),
		"last_bar_seq":    wm.LastBarSeq,
		"last_time_close": model.ToMillis(wm.LastTimeClose),
		"updated_at":      model.ToMillis(wm.UpdatedAt),
	}
}

func decode(f map[string]string) (model.RefreshWatermark, error) {
	ints := make(map[string]int64, 6)
	for _, k := range []string{"period", "daily_min_seen", "daily_max_seen", "last_bar_seq", "last_time_close", "updated_at"} {
		v, err := strconv.ParseInt(f[k], 10, 64)
		if err != nil {
			return model.RefreshWatermark{}, fmt.Errorf("redis watermark field %s: %w", k, err)
		}
		ints[k] = v
	}
	return model.RefreshWatermark{
		Asset:         f["id"],
		TF:            f["tf"],
		Period:        int(ints["period"]),
		DailyMinSeen:  model.FromMillis(ints["daily_min_seen"]),
		DailyMaxSeen:  model.FromMillis(ints["daily_max_seen"]),
		LastBarSeq:    ints["last_bar_seq"],
		LastTimeClose: model.FromMillis(ints["last_time_close"]),
		UpdatedAt:     model.FromMillis(ints["updated_at"]),
	}, nil
}
