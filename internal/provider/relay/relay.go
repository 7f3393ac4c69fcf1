// Package relay implements a Provider that forwards messages through an
// SMTP smarthost.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/provider"
)

// TLS modes for the smarthost connection.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

const dialTimeout = 30 * time.Second

// Config describes the smarthost.
type Config struct {
	Addr     string
	Username string
	Password string
	// From is the envelope sender and the rewritten From header. When empty
	// the original sender is kept.
	From               string
	TLSMode            string
	HelloName          string
	InsecureSkipVerify bool
}

// Provider delivers forward requests to a smarthost over SMTP.
type Provider struct {
	cfg    Config
	dialer *net.Dialer
	retry  provider.Retrier
}

// New returns a relay Provider. An empty TLS mode means STARTTLS; "implicit"
// and "ssl" are accepted for "tls".
func New(cfg Config) (*Provider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay address is required")
	}
	switch strings.ToLower(cfg.TLSMode) {
	case "", TLSStartTLS:
		cfg.TLSMode = TLSStartTLS
	case TLSImplicit, "implicit", "ssl":
		cfg.TLSMode = TLSImplicit
	case TLSNone:
		cfg.TLSMode = TLSNone
	default:
		return nil, fmt.Errorf("unknown relay TLS mode %q", cfg.TLSMode)
	}
	return &Provider{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: dialTimeout},
		retry:  provider.NewRetrier("SMTP relay"),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Forward sends the rewritten message to req.Target. 4xx replies and
// network failures are retried; 5xx replies are returned at once.
func (p *Provider) Forward(ctx context.Context, req *email.ForwardRequest) error {
	raw, err := provider.Rewrite(req, p.cfg.From)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	from := p.cfg.From
	if from == "" {
		from = req.From
	}

	return p.retry.Do(ctx, func(attempt int) error {
		err := p.send(ctx, from, req.Target, raw)
		if err == nil {
			return nil
		}
		if permanent(err) {
			return provider.Permanent(err)
		}
		slog.Warn("SMTP relay error", "attempt", attempt, "target", req.Target, "error", err)
		return err
	})
}

func (p *Provider) send(ctx context.Context, from, to string, raw []byte) error {
	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.CommandTimeout = time.Until(deadline)
		c.SubmissionTimeout = time.Until(deadline)
	}

	if p.cfg.HelloName != "" {
		if err := c.Hello(p.cfg.HelloName); err != nil {
			return fmt.Errorf("HELO failed: %w", err)
		}
	}
	if p.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := c.SendMail(from, []string{to}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	// The message is accepted once DATA succeeds.
	_ = c.Quit()
	return nil
}

func (p *Provider) dial(ctx context.Context) (*smtp.Client, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.cfg.Addr, err)
	}

	host, _, _ := net.SplitHostPort(p.cfg.Addr)
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	switch p.cfg.TLSMode {
	case TLSImplicit:
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	case TLSStartTLS:
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
		return c, nil
	default:
		return smtp.NewClient(conn), nil
	}
}

// permanent reports whether err is a 5xx SMTP reply.
func permanent(err error) bool {
	var smtpErr *smtp.SMTPError
	return errors.As(err, &smtpErr) && smtpErr.Code >= 500
}
