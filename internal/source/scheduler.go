package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shineum/tempmail-relay/internal/config"
)

const (
	defaultPollTimeout = 2 * time.Minute
	stopTimeout        = 5 * time.Second
)

// Scheduler polls configured accounts on their cron schedules. A poll that
// is still running when its next tick fires is skipped.
type Scheduler struct {
	cron     *cron.Cron
	parser   cron.Parser
	handler  Handler
	fetchers map[string]Fetcher
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	rootCtx  context.Context
	accounts []config.FetchAccount
	entries  map[string]cron.EntryID
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithFetcher registers f for accounts of its Name().
func WithFetcher(f Fetcher) SchedulerOption {
	return func(s *Scheduler) {
		s.fetchers[f.Name()] = f
	}
}

// WithPollTimeout bounds a single poll of one account.
func WithPollTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSchedulerLogger overrides the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates a scheduler delivering fetched messages to handler.
// IMAP and POP3 fetchers are registered unless overridden by WithFetcher.
func NewScheduler(handler Handler, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		handler:  handler,
		fetchers: make(map[string]Fetcher),
		timeout:  defaultPollTimeout,
		logger:   slog.Default(),
		rootCtx:  context.Background(),
		entries:  make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := s.fetchers[config.FetchIMAP]; !ok {
		s.fetchers[config.FetchIMAP] = NewIMAPFetcher(WithIMAPLogger(s.logger))
	}
	if _, ok := s.fetchers[config.FetchPOP3]; !ok {
		s.fetchers[config.FetchPOP3] = NewPOP3Fetcher(WithPOP3Logger(s.logger))
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Add schedules polling for account.
func (s *Scheduler) Add(account config.FetchAccount) error {
	if _, ok := s.fetchers[account.Type]; !ok {
		return fmt.Errorf("no fetcher for account type %q", account.Type)
	}
	schedule, err := s.parser.Parse(account.Schedule)
	if err != nil {
		return fmt.Errorf("account %s: invalid schedule %q: %w", account.Name, account.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[account.Name]; dup {
		return fmt.Errorf("account %s already scheduled", account.Name)
	}
	s.entries[account.Name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.poll(s.context(), account)
	}))
	s.accounts = append(s.accounts, account)
	return nil
}

// Len returns the number of scheduled accounts.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run starts the cron engine and blocks until ctx is cancelled, then waits
// briefly for running polls to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("fetch scheduler started", "accounts", s.Len())
	<-ctx.Done()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("timed out waiting for fetch polls to finish")
	}
	s.logger.Info("fetch scheduler stopped")
}

// RunOnce polls every scheduled account immediately, one after another.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	accounts := append([]config.FetchAccount(nil), s.accounts...)
	s.mu.Unlock()

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		s.poll(ctx, account)
	}
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootCtx
}

func (s *Scheduler) poll(ctx context.Context, account config.FetchAccount) {
	fetcher := s.fetchers[account.Type]
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := fetcher.Fetch(ctx, account, s.handler); err != nil {
		s.logger.Error("fetch poll failed", "account", account.Name, "type", account.Type, "error", err)
		return
	}
	s.logger.Debug("fetch poll finished", "account", account.Name, "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
