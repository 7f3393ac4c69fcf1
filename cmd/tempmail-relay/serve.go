package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/tempmail-relay/internal/httpserver"
	"github.com/shineum/tempmail-relay/internal/metrics"
	"github.com/shineum/tempmail-relay/internal/notify"
	"github.com/shineum/tempmail-relay/internal/pipeline"
	"github.com/shineum/tempmail-relay/internal/smtp"
	"github.com/shineum/tempmail-relay/internal/source"
	smtptls "github.com/shineum/tempmail-relay/internal/tls"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP listener, the ops HTTP server and the mailbox pollers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					a.logger.Info("received signal, initiating shutdown", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	hub := notify.NewHub()

	// Without Redis the hub is published to directly; with Redis every
	// instance receives events through the channel subscription.
	var notifier pipeline.Notifier = hub
	if rdb := a.newRedis(ctx); rdb != nil {
		defer rdb.Close()
		rn := a.redisNotifier(rdb)
		notifier = rn

		sub := rdb.Subscribe(ctx, rn.Channel())
		defer sub.Close()
		go notify.Relay(ctx, sub.Channel(), hub)
	}

	pipe, err := a.newPipeline(ctx, st, notifier, m, os.Stdout)
	if err != nil {
		return err
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:        cfg.SMTP.Listen,
		Hostname:          cfg.SMTP.Hostname,
		Handler:           pipe,
		TLSConfig:         tlsConfig,
		AuthUsername:      cfg.SMTP.Username,
		AuthPassword:      cfg.SMTP.Password,
		MaxMessageSize:    cfg.SMTP.MaxMessageSize,
		MaxRecipients:     cfg.SMTP.MaxRecipients,
		InvocationTimeout: cfg.SMTP.InvocationTimeout,
	})

	scheduler := source.NewScheduler(pipe, source.WithSchedulerLogger(a.logger))
	for _, account := range cfg.Fetch.Accounts {
		if err := scheduler.Add(account); err != nil {
			return err
		}
	}

	a.logger.Info("starting tempmail-relay",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"database", cfg.Database.Driver,
		"auth_enabled", cfg.AuthEnabled(),
		"redis_enabled", cfg.RedisEnabled(),
		"tls_mode", tlsMode,
		"fetch_accounts", scheduler.Len(),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	run("smtp", smtpServer.ListenAndServe)
	if cfg.HTTP.Listen != "" {
		router := httpserver.NewRouter(httpserver.Config{
			Store:     st,
			Metrics:   m.Handler(),
			WebSocket: hub.ServeWS,
			Logger:    a.logger,
		})
		run("http", httpserver.New(cfg.HTTP.Listen, router, a.logger).ListenAndServe)
	}
	if scheduler.Len() > 0 {
		run("fetch", func(ctx context.Context) error {
			scheduler.Run(ctx)
			return nil
		})
	}

	wg.Wait()
	a.logger.Info("tempmail-relay stopped")
	return errors.Join(errs...)
}
