// Package cache keeps a local snapshot of the last server state so the
// client has something to show while disconnected. Snapshots are replaced
// wholesale, mirroring the store's update rules; secrets are never written.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zeroornull/FireMail/pkg/models"
)

// DB wraps sqlx.DB
type DB struct {
	*sqlx.DB
}

// New creates a new snapshot database connection
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Connect with WAL mode and foreign keys enabled
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ReplaceAccounts overwrites the account snapshot.
func (db *DB) ReplaceAccounts(ctx context.Context, accounts []models.EmailAccount) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("failed to clear account snapshot: %w", err)
	}

	query := `
		INSERT INTO accounts (id, email, mail_type, status, last_check_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, account := range accounts {
		_, err := tx.ExecContext(ctx, query,
			account.ID,
			account.Email,
			account.MailType,
			account.Status,
			account.LastCheckTime,
			account.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to store account %d: %w", account.ID, err)
		}
	}

	return tx.Commit()
}

// Accounts returns the snapshot account list.
func (db *DB) Accounts(ctx context.Context) ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	query := `SELECT id, email, mail_type, status, last_check_time, created_at FROM accounts ORDER BY id`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to load account snapshot: %w", err)
	}
	return accounts, nil
}

// ReplaceMailRecords overwrites the record snapshot for one account.
func (db *DB) ReplaceMailRecords(ctx context.Context, emailID int64, records []models.MailRecord) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mail_records WHERE email_id = ?`, emailID); err != nil {
		return fmt.Errorf("failed to clear record snapshot: %w", err)
	}

	query := `
		INSERT INTO mail_records (email_id, subject, sender, received_time, content, folder)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, record := range records {
		_, err := tx.ExecContext(ctx, query,
			emailID,
			record.Subject,
			record.Sender,
			record.ReceivedTime,
			record.Content,
			record.Folder,
		)
		if err != nil {
			return fmt.Errorf("failed to store record for account %d: %w", emailID, err)
		}
	}

	return tx.Commit()
}

// MailRecords returns the snapshot records for one account.
func (db *DB) MailRecords(ctx context.Context, emailID int64) ([]models.MailRecord, error) {
	var records []models.MailRecord
	query := `
		SELECT id, email_id, subject, sender, received_time, content, folder
		FROM mail_records WHERE email_id = ? ORDER BY id
	`
	if err := db.SelectContext(ctx, &records, query, emailID); err != nil {
		return nil, fmt.Errorf("failed to load record snapshot: %w", err)
	}
	return records, nil
}
