// Package pipeline runs one inbound message through mailbox resolution,
// parsing, decoding, repair, code extraction, persistence, notification and
// forwarding. Forwarding always happens exactly once per invocation.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/tempmail-relay/internal/decoder"
	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/extractor"
	"github.com/shineum/tempmail-relay/internal/metrics"
	"github.com/shineum/tempmail-relay/internal/parser"
	"github.com/shineum/tempmail-relay/internal/provider"
	"github.com/shineum/tempmail-relay/internal/rawstream"
	"github.com/shineum/tempmail-relay/internal/textfix"
)

// DefaultMaxMessageSize bounds how much of a raw message is captured.
const DefaultMaxMessageSize = 25 * 1024 * 1024

// ErrNoTarget is recorded when neither the mailbox nor the global setting
// names a forwarding destination.
var ErrNoTarget = provider.ErrNoTarget

// MailboxFinder looks up the active mailbox for a recipient. A nil mailbox
// with a nil error means no active mailbox exists.
type MailboxFinder interface {
	FindActiveMailbox(ctx context.Context, address string) (*email.Mailbox, error)
}

// MessageStore persists extraction results.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *email.StoredMessage) (int64, error)
	// IncrementMailboxStats must bump the counter in a single atomic statement.
	IncrementMailboxStats(ctx context.Context, mailboxID int64, at time.Time) error
}

// TargetResolver returns the global fallback forwarding address.
type TargetResolver interface {
	TargetEmail(ctx context.Context) (string, error)
}

// Forwarder delivers the original message to its real destination.
type Forwarder interface {
	Forward(ctx context.Context, req *email.ForwardRequest) error
	Name() string
}

// Notifier publishes new-message events. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, n email.Notification) error
}

// Deps are the pipeline's collaborators. Notifier and Targets may be nil.
type Deps struct {
	Mailboxes MailboxFinder
	Messages  MessageStore
	Targets   TargetResolver
	Forwarder Forwarder
	Notifier  Notifier
}

// Pipeline is stateless between invocations and safe for concurrent use.
type Pipeline struct {
	deps          Deps
	maxSize       int64
	decoder       *decoder.Decoder
	extractor     *extractor.Extractor
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	newMessageID  func() string
	defaultTarget string
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithMaxMessageSize bounds the captured raw message.
func WithMaxMessageSize(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithDecoder overrides the body decoder.
func WithDecoder(d *decoder.Decoder) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.decoder = d
		}
	}
}

// WithExtractor overrides the code extractor.
func WithExtractor(e *extractor.Extractor) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.extractor = e
		}
	}
}

// WithMetrics records pipeline outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMessageIDGenerator overrides the Message-ID used when the header has none.
func WithMessageIDGenerator(fn func() string) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.newMessageID = fn
		}
	}
}

// WithDefaultTarget sets the global fallback target. It takes precedence over
// Deps.Targets.
func WithDefaultTarget(addr string) Option {
	return func(p *Pipeline) {
		p.defaultTarget = strings.TrimSpace(addr)
	}
}

// New builds a Pipeline. Deps.Forwarder is required.
func New(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:      deps,
		maxSize:   DefaultMaxMessageSize,
		decoder:   decoder.New(),
		extractor: extractor.Default(),
		logger:    slog.Default(),
		now:       time.Now,
		newMessageID: func() string {
			return fmt.Sprintf("<%s@tempmail-relay>", uuid.NewString())
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Result summarizes one invocation.
type Result struct {
	MailboxFound bool
	Stored       bool
	Notified     bool
	Forwarded    bool
	MessageID    string
	Code         string
	Target       string
	Errors       []error
}

// StepError records a failed pipeline step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Pipeline step names, used in logs, errors and metrics.
const (
	StepLookup   = "mailbox_lookup"
	StepRead     = "read_raw"
	StepParse    = "parse"
	StepExtract  = "extract"
	StepInsert   = "insert_message"
	StepStats    = "increment_stats"
	StepNotify   = "notify"
	StepTarget   = "resolve_target"
	StepForward  = "forward"
	StepPipeline = "pipeline"
)

// invocation is the per-message state. It is never shared.
type invocation struct {
	msg     *email.InboundMessage
	to      string
	raw     []byte
	drained bool
	subject string
	mailbox *email.Mailbox
	result  Result
}

// Handle processes msg. It never returns an error: failures are logged and
// collected in Result.Errors, and the original message is forwarded whatever
// happened before.
func (p *Pipeline) Handle(ctx context.Context, msg *email.InboundMessage) Result {
	start := p.now()
	inv := &invocation{
		msg: msg,
		to:  strings.ToLower(strings.TrimSpace(msg.To)),
	}
	logger := p.logger.With("recipient", inv.to, "sender", msg.From)

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.fail(logger, inv, StepPipeline, fmt.Errorf("panic: %v", r))
			}
		}()
		p.process(ctx, logger, inv)
	}()

	p.forward(ctx, logger, inv)
	p.metrics.ObserveDuration(p.now().Sub(start))

	logger.Info("inbound message handled",
		"mailbox_found", inv.result.MailboxFound,
		"stored", inv.result.Stored,
		"notified", inv.result.Notified,
		"forwarded", inv.result.Forwarded,
		"code", inv.result.Code,
		"errors", len(inv.result.Errors),
	)
	return inv.result
}

func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, inv *invocation) {
	p.step(logger, inv, StepLookup, func() error {
		mb, err := p.deps.Mailboxes.FindActiveMailbox(ctx, inv.to)
		if err != nil {
			return err
		}
		inv.mailbox = mb
		return nil
	})

	inv.result.MailboxFound = inv.mailbox != nil
	p.metrics.MessageReceived(inv.result.MailboxFound)
	if inv.mailbox == nil {
		logger.Info("no active mailbox for recipient, forwarding to fallback target")
		return
	}

	p.drain(ctx, logger, inv)

	var body email.DecodedBody
	p.step(logger, inv, StepParse, func() error {
		header := inv.msg.Header
		if len(header) == 0 {
			header = parser.ParseHeader(inv.raw)
		}
		inv.subject = parser.Subject(header)

		body = parser.ParseBodyWith(inv.raw, p.decoder)
		if body.Empty() {
			logger.Debug("structured parse recovered no body, using raw fallback")
			body = parser.FallbackBody(inv.raw)
		}

		body.Text = textfix.Repair(body.Text)
		body.HTML = textfix.Repair(body.HTML)
		inv.subject = textfix.Repair(inv.subject)

		if id := strings.TrimSpace(header.Get("message-id")); id != "" {
			inv.result.MessageID = id
		}
		return nil
	})

	var code *email.ExtractedCode
	p.step(logger, inv, StepExtract, func() error {
		code = p.extractor.FromEmail(inv.subject, body.Preferred)
		return nil
	})
	if code != nil {
		inv.result.Code = code.Value
		p.metrics.CodeExtracted(string(code.Source))
		logger.Info("verification code extracted",
			"code", code.Value,
			"rule", code.Rule,
			"source", code.Source,
		)
	} else {
		p.metrics.CodeExtracted("none")
	}

	if inv.result.MessageID == "" {
		inv.result.MessageID = p.newMessageID()
	}

	receivedAt := inv.msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}

	stored := &email.StoredMessage{
		MailboxID:  inv.mailbox.ID,
		MessageID:  inv.result.MessageID,
		Sender:     inv.msg.From,
		Subject:    inv.subject,
		BodyText:   body.Text,
		BodyHTML:   body.HTML,
		ReceivedAt: receivedAt,
	}
	if code != nil {
		value := code.Value
		stored.VerificationCode = &value
	}

	p.step(logger, inv, StepInsert, func() error {
		id, err := p.deps.Messages.InsertMessage(ctx, stored)
		if err != nil {
			return err
		}
		stored.ID = id
		inv.result.Stored = true
		return nil
	})

	p.step(logger, inv, StepStats, func() error {
		return p.deps.Messages.IncrementMailboxStats(ctx, inv.mailbox.ID, receivedAt)
	})

	if p.deps.Notifier != nil {
		p.step(logger, inv, StepNotify, func() error {
			n := email.Notification{
				Type:           email.NotificationNewEmail,
				MailboxAddress: inv.mailbox.Email,
				Sender:         inv.msg.From,
				Subject:        inv.subject,
				ReceivedAt:     receivedAt,
			}
			if code != nil {
				n.Code = code.Value
				n.CodeType = code.Kind()
			}
			if err := p.deps.Notifier.Publish(ctx, n); err != nil {
				return err
			}
			inv.result.Notified = true
			return nil
		})
	}
}

// drain captures the raw bytes once. Read errors keep whatever was captured.
func (p *Pipeline) drain(ctx context.Context, logger *slog.Logger, inv *invocation) {
	if inv.drained {
		return
	}
	inv.drained = true

	p.step(logger, inv, StepRead, func() error {
		raw, err := rawstream.Drain(ctx, inv.msg.Raw, p.maxSize)
		inv.raw = raw
		return err
	})
}

// forward runs exactly once per invocation, after every other step.
func (p *Pipeline) forward(ctx context.Context, logger *slog.Logger, inv *invocation) {
	p.drain(ctx, logger, inv)

	target := ""
	if inv.mailbox != nil {
		target = strings.TrimSpace(inv.mailbox.TargetEmail)
	}
	if target == "" {
		p.step(logger, inv, StepTarget, func() error {
			t, err := p.globalTarget(ctx)
			target = t
			return err
		})
	}
	inv.result.Target = target

	fwd := p.deps.Forwarder
	if fwd == nil {
		p.fail(logger, inv, StepForward, errors.New("no forwarder configured"))
		return
	}
	if target == "" {
		p.fail(logger, inv, StepForward, ErrNoTarget)
		p.metrics.Forward(fwd.Name(), "skipped")
		return
	}

	subject := inv.subject
	if subject == "" {
		subject = parser.Subject(headerOrParsed(inv))
	}

	req := &email.ForwardRequest{
		From:      inv.msg.From,
		Recipient: inv.to,
		Target:    target,
		Subject:   subject,
		Raw:       bytes.Clone(inv.raw),
	}

	status := "error"
	p.step(logger, inv, StepForward, func() error {
		if err := fwd.Forward(ctx, req); err != nil {
			return err
		}
		inv.result.Forwarded = true
		status = "ok"
		return nil
	})
	p.metrics.Forward(fwd.Name(), status)
}

func (p *Pipeline) globalTarget(ctx context.Context) (string, error) {
	if p.defaultTarget != "" {
		return p.defaultTarget, nil
	}
	if p.deps.Targets == nil {
		return "", nil
	}
	t, err := p.deps.Targets.TargetEmail(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(t), nil
}

func headerOrParsed(inv *invocation) email.Header {
	if len(inv.msg.Header) > 0 {
		return inv.msg.Header
	}
	return parser.ParseHeader(inv.raw)
}

// step runs fn in its own failure boundary: errors and panics are logged and
// recorded, and never stop the caller.
func (p *Pipeline) step(logger *slog.Logger, inv *invocation, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.fail(logger, inv, name, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(); err != nil {
		p.fail(logger, inv, name, err)
	}
}

func (p *Pipeline) fail(logger *slog.Logger, inv *invocation, name string, err error) {
	logger.Error("pipeline step failed", "step", name, "error", err)
	inv.result.Errors = append(inv.result.Errors, &StepError{Step: name, Err: err})
	p.metrics.CollaboratorError(name)
}
