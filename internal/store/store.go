// Package store is the relational persistence layer for mailboxes, stored
// messages and global settings, backed by sqlx over SQLite, PostgreSQL or
// MySQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Registered drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shineum/tempmail-relay/internal/email"
)

// ErrNotFound is returned when an addressed row does not exist.
var ErrNotFound = errors.New("not found")

// SettingTargetEmail is the settings key holding the global forwarding target.
const SettingTargetEmail = "target_email"

// Store wraps a sqlx handle. All methods are safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn with driver ("sqlite3", "postgres" or "mysql";
// "sqlite" and "postgresql" are accepted as aliases).
func Open(driver, dsn string) (*Store, error) {
	driver = normalizeDriver(driver)

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A single connection keeps in-memory databases coherent and avoids
		// SQLITE_BUSY on concurrent writers.
		db.SetMaxOpenConns(1)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return "sqlite3"
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql", "mariadb":
		return "mysql"
	default:
		return driver
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const mailboxColumns = `id, email, target_email, status, message_count, last_received_at, created_at`

// FindActiveMailbox returns the active mailbox for address, or nil, nil when
// there is none. The comparison is case-insensitive.
func (s *Store) FindActiveMailbox(ctx context.Context, address string) (*email.Mailbox, error) {
	query := s.db.Rebind(`SELECT ` + mailboxColumns + ` FROM mailboxes WHERE LOWER(email) = ? AND status = ?`)

	var mb email.Mailbox
	err := s.db.GetContext(ctx, &mb, query, strings.ToLower(strings.TrimSpace(address)), email.StatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up mailbox: %w", err)
	}
	return &mb, nil
}

// CreateMailbox inserts mb and returns its id.
func (s *Store) CreateMailbox(ctx context.Context, mb *email.Mailbox) (int64, error) {
	status := mb.Status
	if status == "" {
		status = email.StatusActive
	}
	createdAt := mb.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	id, err := s.insert(ctx,
		`INSERT INTO mailboxes (email, target_email, status, message_count, created_at) VALUES (?, ?, ?, 0, ?)`,
		strings.ToLower(strings.TrimSpace(mb.Email)), mb.TargetEmail, status, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create mailbox: %w", err)
	}
	mb.ID = id
	return id, nil
}

// GetMailbox returns the mailbox with id.
func (s *Store) GetMailbox(ctx context.Context, id int64) (*email.Mailbox, error) {
	var mb email.Mailbox
	err := s.db.GetContext(ctx, &mb, s.db.Rebind(`SELECT `+mailboxColumns+` FROM mailboxes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox %d: %w", id, err)
	}
	return &mb, nil
}

// InsertMessage persists msg and returns the new row id.
func (s *Store) InsertMessage(ctx context.Context, msg *email.StoredMessage) (int64, error) {
	id, err := s.insert(ctx,
		`INSERT INTO messages (mailbox_id, message_id, sender, subject, body_text, body_html, verification_code, received_at, is_read) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MailboxID, msg.MessageID, msg.Sender, msg.Subject, msg.BodyText, msg.BodyHTML,
		msg.VerificationCode, msg.ReceivedAt.UTC(), msg.IsRead,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

// incrementStatsQuery is one statement so concurrent deliveries to the same
// mailbox cannot lose updates.
const incrementStatsQuery = `UPDATE mailboxes SET message_count = message_count + 1, last_received_at = ? WHERE id = ?`

// IncrementMailboxStats bumps the message counter and last-received time.
func (s *Store) IncrementMailboxStats(ctx context.Context, mailboxID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(incrementStatsQuery), at.UTC(), mailboxID)
	if err != nil {
		return fmt.Errorf("failed to update mailbox stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mailbox %d: %w", mailboxID, ErrNotFound)
	}
	return nil
}

// TargetEmail returns the global forwarding target from the settings table,
// or "" when unset.
func (s *Store) TargetEmail(ctx context.Context) (string, error) {
	return s.Setting(ctx, SettingTargetEmail)
}

// Setting returns the value stored under key, or "" when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT setting_value FROM settings WHERE setting_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting creates or replaces a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var query string
	switch s.db.DriverName() {
	case "mysql":
		query = `INSERT INTO settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE setting_value = VALUES(setting_value), updated_at = VALUES(updated_at)`
	default:
		query = `INSERT INTO settings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (setting_key) DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write setting %q: %w", key, err)
	}
	return nil
}

const messageColumns = `id, mailbox_id, message_id, sender, subject, body_text, body_html, verification_code, received_at, is_read`

// MessagesMissingCode returns up to limit stored messages without a
// verification code, oldest first, starting after afterID.
func (s *Store) MessagesMissingCode(ctx context.Context, afterID int64, limit int) ([]email.StoredMessage, error) {
	query := s.db.Rebind(`SELECT ` + messageColumns + ` FROM messages
WHERE (verification_code IS NULL OR verification_code = '') AND id > ?
ORDER BY id LIMIT ?`)

	var out []email.StoredMessage
	if err := s.db.SelectContext(ctx, &out, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("failed to list messages without code: %w", err)
	}
	return out, nil
}

// UpdateVerificationCode sets the code of message id.
func (s *Store) UpdateVerificationCode(ctx context.Context, id int64, code string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE messages SET verification_code = ? WHERE id = ?`), code, id)
	if err != nil {
		return fmt.Errorf("failed to update verification code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update verification code: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// insert runs an INSERT and returns the generated id. PostgreSQL has no
// LastInsertId, so the statement gets a RETURNING clause there.
func (s *Store) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.db.DriverName() == "postgres" {
		var id int64
		if err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+` RETURNING id`), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
