package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"

	"github.com/shineum/tempmail-relay/internal/config"
)

func imapAccount() config.FetchAccount {
	return config.FetchAccount{
		Name:     "imap:agent@mail.example",
		Type:     config.FetchIMAP,
		Host:     "mail.example",
		Username: "agent",
		Password: "secret",
		Folder:   "INBOX",
	}
}

func TestIMAPFetcherFetchesMessages(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{
			11: rawMessage("one@temp.test", "first"),
			12: rawMessage("two@temp.test", "second"),
		},
		internalDate: map[imap.UID]time.Time{
			11: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
	now := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	h := &recordingHandler{}
	f := NewIMAPFetcher(
		WithIMAPClock(func() time.Time { return now }),
		withIMAPClientFactory(func(config.FetchAccount) (imapClient, error) { return client, nil }),
	)

	require.NoError(t, f.Fetch(context.Background(), imapAccount(), h))

	msgs := h.all()
	require.Len(t, msgs, 2)
	require.Equal(t, "one@temp.test", msgs[0].To)
	require.Equal(t, "noreply@service.test", msgs[0].From)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), msgs[0].ReceivedAt)
	require.Equal(t, now, msgs[1].ReceivedAt)
	require.Equal(t, "second", msgs[1].Subject)

	require.Equal(t, "INBOX", client.selected)
	require.Equal(t, []imap.Flag{imap.FlagSeen, imap.FlagDeleted}, client.criteria.NotFlag)
	require.Zero(t, client.storeCalls, "messages are kept by default")
	require.Equal(t, 1, client.logoutCalls)
	require.True(t, client.closed)
}

func TestIMAPFetcherDeleteAfterFetch(t *testing.T) {
	client := &fakeIMAPClient{
		uids: []imap.UID{11, 12},
		bodies: map[imap.UID][]byte{
			11: rawMessage("one@temp.test", "first"),
			12: []byte("Subject: no recipient\r\n\r\nbody"),
		},
	}
	acc := imapAccount()
	acc.DeleteAfterFetch = true
	f := NewIMAPFetcher(withIMAPClientFactory(func(config.FetchAccount) (imapClient, error) { return client, nil }))

	h := &recordingHandler{}
	require.NoError(t, f.Fetch(context.Background(), acc, h))

	require.Len(t, h.all(), 1)
	require.Equal(t, []imap.UID{11}, client.storeUIDs, "only handled messages are deleted")
	require.Equal(t, []imap.UID{11}, client.expungeUIDs)
}

func TestIMAPFetcherRecipientOverride(t *testing.T) {
	client := &fakeIMAPClient{
		uids:   []imap.UID{1},
		bodies: map[imap.UID][]byte{1: []byte("From: a@b.test\r\nSubject: x\r\n\r\nbody")},
	}
	acc := imapAccount()
	acc.Recipient = "box@temp.test"
	f := NewIMAPFetcher(withIMAPClientFactory(func(config.FetchAccount) (imapClient, error) { return client, nil }))

	h := &recordingHandler{}
	require.NoError(t, f.Fetch(context.Background(), acc, h))
	require.Len(t, h.all(), 1)
	require.Equal(t, "box@temp.test", h.all()[0].To)
}

func TestIMAPFetcherEmptyMailbox(t *testing.T) {
	client := &fakeIMAPClient{}
	f := NewIMAPFetcher(withIMAPClientFactory(func(config.FetchAccount) (imapClient, error) { return client, nil }))

	require.NoError(t, f.Fetch(context.Background(), imapAccount(), &recordingHandler{}))
	require.Zero(t, client.fetchCalls)
	require.Equal(t, 1, client.logoutCalls)
}

func TestIMAPFetcherValidation(t *testing.T) {
	f := NewIMAPFetcher()

	require.Error(t, f.Fetch(context.Background(), imapAccount(), nil))

	acc := imapAccount()
	acc.Password = ""
	require.Error(t, f.Fetch(context.Background(), acc, &recordingHandler{}))
}

func TestIMAPFetcherErrors(t *testing.T) {
	tests := []struct {
		name    string
		client  *fakeIMAPClient
		dialErr error
		want    string
	}{
		{name: "connect", dialErr: errors.New("dial failed"), want: "imap connect"},
		{name: "auth", client: &fakeIMAPClient{loginErr: errors.New("bad creds")}, want: "imap auth"},
		{name: "select", client: &fakeIMAPClient{selectErr: errors.New("no inbox")}, want: "imap select INBOX"},
		{name: "search", client: &fakeIMAPClient{searchErr: errors.New("bad search")}, want: "imap search"},
		{
			name:   "fetch",
			client: &fakeIMAPClient{uids: []imap.UID{1}, fetchErr: errors.New("bye")},
			want:   "imap fetch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewIMAPFetcher(withIMAPClientFactory(func(config.FetchAccount) (imapClient, error) {
				if tt.dialErr != nil {
					return nil, tt.dialErr
				}
				return tt.client, nil
			}))
			err := f.Fetch(context.Background(), imapAccount(), &recordingHandler{})
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestIMAPFetcherStopsOnCancel(t *testing.T) {
	client := &fakeIMAPClient{
		uids:   []imap.UID{1, 2},
		bodies: map[imap.UID][]byte{1: rawMessage("a@temp.test", "1"), 2: rawMessage("b@temp.test", "2")},
	}
	f := NewIMAPFetcher(withIMAPClientFactory(func(config.FetchAccount) (imapClient, error) { return client, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := &recordingHandler{}
	require.ErrorIs(t, f.Fetch(ctx, imapAccount(), h), context.Canceled)
	require.Empty(t, h.all())
}

type fakeIMAPClient struct {
	uids         []imap.UID
	bodies       map[imap.UID][]byte
	internalDate map[imap.UID]time.Time

	loginErr   error
	selectErr  error
	searchErr  error
	fetchErr   error
	storeErr   error
	expungeErr error
	logoutErr  error

	selected     string
	criteria     *imap.SearchCriteria
	fetchCalls   int
	storeUIDs    []imap.UID
	storeCalls   int
	expungeUIDs  []imap.UID
	expungeCalls int
	logoutCalls  int
	closed       bool
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{err: c.logoutErr}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(mailbox string, _ *imap.SelectOptions) selectWaiter {
	c.selected = mailbox
	return &fakeSelect{err: c.selectErr}
}
func (c *fakeIMAPClient) UIDSearch(criteria *imap.SearchCriteria, _ *imap.SearchOptions) searchWaiter {
	c.criteria = criteria
	data := &imap.SearchData{All: imap.UIDSetNum(c.uids...)}
	return &fakeSearch{err: c.searchErr, data: data}
}
func (c *fakeIMAPClient) Fetch(_ imap.NumSet, _ *imap.FetchOptions) fetchWaiter {
	c.fetchCalls++
	var bufs []*imapclient.FetchMessageBuffer
	if c.fetchErr == nil {
		for _, uid := range c.uids {
			bufs = append(bufs, &imapclient.FetchMessageBuffer{
				SeqNum:       uint32(uid),
				UID:          uid,
				InternalDate: c.internalDate[uid],
				BodySection: []imapclient.FetchBodySectionBuffer{{
					Section: &imap.FetchItemBodySection{},
					Bytes:   append([]byte(nil), c.bodies[uid]...),
				}},
			})
		}
	}
	return &fakeFetch{err: c.fetchErr, bufs: bufs}
}
func (c *fakeIMAPClient) Store(numSet imap.NumSet, store *imap.StoreFlags, _ *imap.StoreOptions) fetchWaiter {
	c.storeCalls++
	if set, ok := numSet.(imap.UIDSet); ok && store != nil {
		uids, _ := set.Nums()
		c.storeUIDs = append(c.storeUIDs, uids...)
	}
	return &fakeFetch{err: c.storeErr}
}
func (c *fakeIMAPClient) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	c.expungeCalls++
	nums, _ := uids.Nums()
	c.expungeUIDs = append(c.expungeUIDs, nums...)
	return &fakeExpunge{err: c.expungeErr}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct{ err error }

func (s *fakeSelect) Wait() (*imap.SelectData, error) { return nil, s.err }

type fakeSearch struct {
	err  error
	data *imap.SearchData
}

func (s *fakeSearch) Wait() (*imap.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }
