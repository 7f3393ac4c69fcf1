package main

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/tempmail-relay/internal/decoder"
	"github.com/shineum/tempmail-relay/internal/metrics"
	"github.com/shineum/tempmail-relay/internal/notify"
	"github.com/shineum/tempmail-relay/internal/pipeline"
	"github.com/shineum/tempmail-relay/internal/store"
)

// openStore connects to the configured database and ensures the schema.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newRedis returns a client for the configured Redis, or nil when disabled.
// An unreachable server is logged, not fatal: notifications are best effort.
func (a *app) newRedis(ctx context.Context) *redis.Client {
	if !a.cfg.RedisEnabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis unreachable, notifications may be lost", "addr", a.cfg.Redis.Addr, "error", err)
	}
	return client
}

func (a *app) redisNotifier(client *redis.Client) *notify.Redis {
	return notify.NewRedis(client,
		notify.WithChannel(a.cfg.Redis.Channel),
		notify.WithTTL(a.cfg.Redis.TTL),
	)
}

// newPipeline wires the store, forwarder and optional notifier into a
// pipeline. providerOut receives stdout-provider output.
func (a *app) newPipeline(ctx context.Context, st *store.Store, notifier pipeline.Notifier, m *metrics.Metrics, providerOut io.Writer) (*pipeline.Pipeline, error) {
	fwd, err := selectProvider(ctx, a.cfg, providerOut, a.logger)
	if err != nil {
		return nil, err
	}
	if a.cfg.Forward.TargetEmail == "" {
		target, err := st.TargetEmail(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read global target: %w", err)
		}
		if target == "" {
			a.logger.Warn("no global forwarding target configured; mailboxes without a target will not be forwarded")
		}
	}

	return pipeline.New(
		pipeline.Deps{
			Mailboxes: st,
			Messages:  st,
			Targets:   st,
			Forwarder: fwd,
			Notifier:  notifier,
		},
		pipeline.WithMaxMessageSize(a.cfg.SMTP.MaxMessageSize),
		pipeline.WithDecoder(decoder.New(decoder.WithLegacyGBK(a.cfg.Decode.LegacyGBK))),
		pipeline.WithMetrics(m),
		pipeline.WithLogger(a.logger),
		pipeline.WithDefaultTarget(a.cfg.Forward.TargetEmail),
	), nil
}
