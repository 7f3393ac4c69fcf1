package store

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/tempmail-relay/internal/email"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("error closing db: %v", err)
		}
	})
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newMockStore(t *testing.T, driver string, exactMatch bool) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	matcher := sqlmock.QueryMatcherRegexp
	if exactMatch {
		matcher = sqlmock.QueryMatcherEqual
	}
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(matcher))
	require.NoError(t, err)

	db := sqlx.NewDb(raw, driver)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("error closing db: %v", err)
		}
	})
	return New(db), mock
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestFindActiveMailbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t)

	active := &email.Mailbox{Email: "Abc@Temp.example", TargetEmail: "owner@real.example"}
	_, err := s.CreateMailbox(ctx, active)
	require.NoError(t, err)

	inactive := &email.Mailbox{Email: "old@temp.example", Status: email.StatusInactive}
	_, err = s.CreateMailbox(ctx, inactive)
	require.NoError(t, err)

	mb, err := s.FindActiveMailbox(ctx, " ABC@temp.example")
	require.NoError(t, err)
	require.NotNil(t, mb)
	assert.Equal(t, active.ID, mb.ID)
	assert.Equal(t, "abc@temp.example", mb.Email)
	assert.Equal(t, "owner@real.example", mb.TargetEmail)
	assert.Equal(t, email.StatusActive, mb.Status)
	assert.Nil(t, mb.LastReceivedAt)

	mb, err = s.FindActiveMailbox(ctx, "old@temp.example")
	require.NoError(t, err)
	assert.Nil(t, mb)

	mb, err = s.FindActiveMailbox(ctx, "nobody@temp.example")
	require.NoError(t, err)
	assert.Nil(t, mb)
}

func TestInsertAndBackfillMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t)

	mb := &email.Mailbox{Email: "abc@temp.example"}
	_, err := s.CreateMailbox(ctx, mb)
	require.NoError(t, err)

	code := "QW12ER"
	received := time.Date(2024, 10, 16, 8, 30, 0, 0, time.UTC)

	withCode, err := s.InsertMessage(ctx, &email.StoredMessage{
		MailboxID:        mb.ID,
		MessageID:        "<a@example>",
		Sender:           "noreply@example",
		Subject:          "code",
		BodyHTML:         "<p>验证码为 QW12ER</p>",
		VerificationCode: &code,
		ReceivedAt:       received,
	})
	require.NoError(t, err)

	withoutCode, err := s.InsertMessage(ctx, &email.StoredMessage{
		MailboxID:  mb.ID,
		MessageID:  "<b@example>",
		Sender:     "noreply@example",
		Subject:    "Your verification code is 445566",
		BodyText:   "see subject",
		ReceivedAt: received.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Greater(t, withoutCode, withCode)

	missing, err := s.MessagesMissingCode(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, withoutCode, missing[0].ID)
	assert.Equal(t, "see subject", missing[0].BodyText)
	assert.Nil(t, missing[0].VerificationCode)
	assert.True(t, missing[0].ReceivedAt.Equal(received.Add(time.Minute)))
	assert.False(t, missing[0].IsRead)

	missing, err = s.MessagesMissingCode(ctx, withoutCode, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, s.UpdateVerificationCode(ctx, withoutCode, "445566"))

	missing, err = s.MessagesMissingCode(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	err = s.UpdateVerificationCode(ctx, 9999, "123456")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementMailboxStatsConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t)

	mb := &email.Mailbox{Email: "busy@temp.example"}
	_, err := s.CreateMailbox(ctx, mb)
	require.NoError(t, err)

	at := time.Date(2024, 10, 16, 9, 0, 0, 0, time.UTC)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.IncrementMailboxStats(ctx, mb.ID, at)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.MessageCount)
	require.NotNil(t, got.LastReceivedAt)
	assert.True(t, got.LastReceivedAt.Equal(at))

	err = s.IncrementMailboxStats(ctx, 424242, at)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetMailbox(ctx, 424242)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newSQLiteStore(t)

	target, err := s.TargetEmail(ctx)
	require.NoError(t, err)
	assert.Empty(t, target)

	require.NoError(t, s.SetSetting(ctx, SettingTargetEmail, "first@real.example"))
	require.NoError(t, s.SetSetting(ctx, SettingTargetEmail, "second@real.example"))

	target, err = s.TargetEmail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second@real.example", target)
}

func TestIncrementStatementShape(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t, "sqlmock", true)
	at := time.Date(2024, 10, 16, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE mailboxes SET message_count = message_count + 1, last_received_at = ? WHERE id = ?").
		WithArgs(at, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.IncrementMailboxStats(context.Background(), 7, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertUsesReturning(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t, "postgres", false)

	mock.ExpectQuery(regexp.QuoteMeta(
		`INSERT INTO messages (mailbox_id, message_id, sender, subject, body_text, body_html, verification_code, received_at, is_read) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
	)).
		WithArgs(int64(3), "<m@x>", "a@x", "s", "t", "", nil, sqlmock.AnyArg(), false).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))

	id, err := s.InsertMessage(context.Background(), &email.StoredMessage{
		MailboxID:  3,
		MessageID:  "<m@x>",
		Sender:     "a@x",
		Subject:    "s",
		BodyText:   "t",
		ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveMailboxWrapsErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t, "postgres", false)
	boom := errors.New("connection refused")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM mailboxes WHERE LOWER(email) = $1 AND status = $2`)).
		WithArgs("abc@temp.example", email.StatusActive).
		WillReturnError(boom)

	mb, err := s.FindActiveMailbox(context.Background(), "ABC@temp.example")
	assert.Nil(t, mb)
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSettingUpsert(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t, "mysql", false)

	mock.ExpectExec(regexp.QuoteMeta(`ON DUPLICATE KEY UPDATE setting_value = VALUES(setting_value)`)).
		WithArgs(SettingTargetEmail, "x@real.example", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetSetting(context.Background(), SettingTargetEmail, "x@real.example"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeDriver(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           "sqlite3",
		"SQLite":     "sqlite3",
		"postgresql": "postgres",
		"mariadb":    "mysql",
		"mysql":      "mysql",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeDriver(in), in)
	}
}

func TestSchemaForUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := schemaFor("oracle")
	assert.Error(t, err)
}
