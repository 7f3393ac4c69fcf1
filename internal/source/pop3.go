package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/knadh/go-pop3"

	"github.com/shineum/tempmail-relay/internal/config"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

// POP3Fetcher drains a POP3 mailbox. POP3 has no seen flag, so the UIDLs of
// messages left on the server are remembered for the process lifetime.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	newConn     func(config.FetchAccount) (pop3Connection, error)

	mu   sync.Mutex
	seen map[string]struct{}
}

// POP3Option customizes a POP3Fetcher.
type POP3Option func(*POP3Fetcher)

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3Option {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3Logger overrides the logger.
func WithPOP3Logger(logger *slog.Logger) POP3Option {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3Clock overrides the wall clock.
func WithPOP3Clock(now func() time.Time) POP3Option {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withPOP3ConnFactory(factory func(config.FetchAccount) (pop3Connection, error)) POP3Option {
	return func(f *POP3Fetcher) {
		f.newConn = factory
	}
}

// NewPOP3Fetcher returns a POP3 fetcher.
func NewPOP3Fetcher(opts ...POP3Option) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
		seen:        make(map[string]struct{}),
	}
	f.newConn = f.dial
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the fetcher identifier.
func (f *POP3Fetcher) Name() string {
	return config.FetchPOP3
}

// Fetch hands every new message in the mailbox to handler.
func (f *POP3Fetcher) Fetch(ctx context.Context, account config.FetchAccount, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if account.Username == "" || account.Password == "" {
		return errors.New("pop3 account missing credentials")
	}

	conn, err := f.newConn(account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			f.logger.Debug("pop3 quit error", "account", account.Name, "error", err)
		}
	}()

	if err := conn.Auth(account.Username, account.Password); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}

	msgs, err := conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}

	handled := 0
	for _, meta := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		key := account.Name + "/" + uid
		if f.wasSeen(key) {
			continue
		}

		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}

		msg, err := NewInbound(append([]byte(nil), payload.Bytes()...), account.Recipient, f.now())
		if err != nil {
			f.logger.Warn("skipping fetched message", "account", account.Name, "uid", uid, "error", err)
			f.markSeen(key)
			continue
		}
		handler.Handle(ctx, msg)
		handled++

		if account.DeleteAfterFetch {
			if err := conn.Dele(meta.ID); err != nil {
				return fmt.Errorf("pop3 delete %d: %w", meta.ID, err)
			}
		} else {
			f.markSeen(key)
		}
	}

	f.logger.Info("pop3 mailbox drained", "account", account.Name, "messages", handled)
	return nil
}

func (f *POP3Fetcher) wasSeen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

func (f *POP3Fetcher) markSeen(key string) {
	f.mu.Lock()
	f.seen[key] = struct{}{}
	f.mu.Unlock()
}

func (f *POP3Fetcher) dial(account config.FetchAccount) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        account.Port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  account.TLS,
	})
	return client.NewConn()
}
