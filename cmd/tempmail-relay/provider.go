package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/tempmail-relay/internal/config"
	"github.com/shineum/tempmail-relay/internal/provider"
	"github.com/shineum/tempmail-relay/internal/provider/graph"
	"github.com/shineum/tempmail-relay/internal/provider/relay"
	"github.com/shineum/tempmail-relay/internal/provider/ses"
	"github.com/shineum/tempmail-relay/internal/provider/stdout"
)

// selectProvider chooses the forwarding backend. An explicit
// forward.provider wins; otherwise Graph, then SES, then the SMTP relay are
// auto-detected, and stdout is the fallback.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Forward.Provider {
	case config.ProviderSES:
		if !cfg.SESConfigured() {
			return nil, fmt.Errorf("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg, logger)

	case config.ProviderGraph:
		if !cfg.GraphConfigured() {
			return nil, fmt.Errorf("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		return newGraph(cfg, logger), nil

	case config.ProviderSMTP:
		if !cfg.RelayConfigured() {
			return nil, fmt.Errorf("SMTP relay provider selected but RELAY_ADDR is required")
		}
		return newRelay(cfg, logger)

	case config.ProviderStdout:
		logger.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil

	case "":
		switch {
		case cfg.GraphConfigured():
			logger.Info("provider auto-detected", "provider", config.ProviderGraph)
			return newGraph(cfg, logger), nil
		case cfg.SESConfigured():
			logger.Info("provider auto-detected", "provider", config.ProviderSES)
			return newSES(ctx, cfg, logger)
		case cfg.RelayConfigured():
			logger.Info("provider auto-detected", "provider", config.ProviderSMTP)
			return newRelay(cfg, logger)
		}
		logger.Info("no provider configured, using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Forward.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	s := cfg.Forward.SES
	logger.Info("using AWS SES provider", "region", s.Region, "sender", s.Sender)
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          s.Region,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		Sender:          s.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	return p, nil
}

func newGraph(cfg *config.Config, logger *slog.Logger) provider.Provider {
	g := cfg.Forward.Graph
	logger.Info("using Microsoft Graph provider", "sender", g.Sender)
	return graph.New(graph.GraphProviderConfig{
		TenantID:     g.TenantID,
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Sender:       g.Sender,
	})
}

func newRelay(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	r := cfg.Forward.Relay
	logger.Info("using SMTP relay provider", "addr", r.Addr, "tls_mode", r.TLSMode)
	p, err := relay.New(relay.Config{
		Addr:               r.Addr,
		Username:           r.Username,
		Password:           r.Password,
		From:               r.From,
		TLSMode:            r.TLSMode,
		HelloName:          cfg.SMTP.Hostname,
		InsecureSkipVerify: r.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP relay provider: %w", err)
	}
	return p, nil
}
