package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/shineum/tempmail-relay/internal/config"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPFetcher drains unseen messages of an IMAP folder. Fetching the body
// marks a message \Seen, so later polls skip it even when it is kept.
type IMAPFetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
	newClient   func(config.FetchAccount) (imapClient, error)
}

// IMAPOption customizes an IMAPFetcher.
type IMAPOption func(*IMAPFetcher)

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithIMAPLogger overrides the logger.
func WithIMAPLogger(logger *slog.Logger) IMAPOption {
	return func(f *IMAPFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithIMAPClock overrides the wall clock.
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withIMAPClientFactory(factory func(config.FetchAccount) (imapClient, error)) IMAPOption {
	return func(f *IMAPFetcher) {
		f.newClient = factory
	}
}

// NewIMAPFetcher returns an IMAP fetcher.
func NewIMAPFetcher(opts ...IMAPOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	f.newClient = f.dial
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name returns the fetcher identifier.
func (f *IMAPFetcher) Name() string {
	return config.FetchIMAP
}

// Fetch hands every unseen message in the account's folder to handler.
// Messages without a derivable recipient are left in place.
func (f *IMAPFetcher) Fetch(ctx context.Context, account config.FetchAccount, handler Handler) error {
	if handler == nil {
		return errors.New("imap fetcher requires a handler")
	}
	if account.Username == "" || account.Password == "" {
		return errors.New("imap account missing credentials")
	}

	client, err := f.newClient(account)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			f.logger.Debug("imap close error", "account", account.Name, "error", err)
		}
	}()

	if err := client.Login(account.Username, account.Password).Wait(); err != nil {
		return fmt.Errorf("imap auth: %w", err)
	}

	folder := account.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", folder, err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		if err := client.Logout().Wait(); err != nil {
			return fmt.Errorf("imap logout: %w", err)
		}
		return nil
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{}},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}

	var handled []imap.UID
	for _, buf := range buffers {
		if err := ctx.Err(); err != nil {
			return err
		}
		body := buf.FindBodySection(&imap.FetchItemBodySection{})
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = f.now()
		}

		uid := strconv.FormatUint(uint64(buf.UID), 10)
		msg, err := NewInbound(append([]byte(nil), body...), account.Recipient, received)
		if err != nil {
			f.logger.Warn("skipping fetched message", "account", account.Name, "uid", uid, "error", err)
			continue
		}
		handler.Handle(ctx, msg)
		handled = append(handled, buf.UID)
	}

	if account.DeleteAfterFetch && len(handled) > 0 {
		set := imap.UIDSetNum(handled...)
		flags := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: []imap.Flag{imap.FlagDeleted}, Silent: true}
		if err := client.Store(set, flags, nil).Close(); err != nil {
			return fmt.Errorf("imap store delete: %w", err)
		}
		if err := client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("imap expunge: %w", err)
		}
	}

	f.logger.Info("imap mailbox drained", "account", account.Name, "folder", folder, "messages", len(handled))

	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

func (f *IMAPFetcher) dial(account config.FetchAccount) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}

	var (
		client *imapclient.Client
		err    error
	)
	if account.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
