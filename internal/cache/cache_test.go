package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/zeroornull/FireMail/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "snapshots", "test.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return db
}

func TestAccountSnapshotRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	accounts := []models.EmailAccount{
		{ID: 2, Email: "b@example.com", MailType: "imap", Status: "ok"},
		{ID: 1, Email: "a@example.com", MailType: "outlook", LastCheckTime: "2026-08-29 10:00:00"},
	}
	if err := db.ReplaceAccounts(ctx, accounts); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	got, err := db.Accounts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(got))
	}
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("expected id order, got %d then %d", got[0].ID, got[1].ID)
	}
	if got[1].Email != "b@example.com" || got[1].MailType != "imap" || got[1].Status != "ok" {
		t.Errorf("fields not persisted: %+v", got[1])
	}
}

func TestReplaceAccountsIsWholesale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := []models.EmailAccount{
		{ID: 1, Email: "a@example.com", MailType: "outlook"},
		{ID: 2, Email: "b@example.com", MailType: "outlook"},
	}
	if err := db.ReplaceAccounts(ctx, first); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}
	second := []models.EmailAccount{{ID: 3, Email: "c@example.com", MailType: "gmail"}}
	if err := db.ReplaceAccounts(ctx, second); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	got, err := db.Accounts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 3 {
		t.Errorf("old snapshot rows survived: %+v", got)
	}

	// An empty snapshot clears the table.
	if err := db.ReplaceAccounts(ctx, nil); err != nil {
		t.Fatalf("empty replace failed: %v", err)
	}
	got, err = db.Accounts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty snapshot, got %d rows", len(got))
	}
}

func TestSecretsNeverPersisted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	accounts := []models.EmailAccount{{
		ID:           1,
		Email:        "a@example.com",
		MailType:     "outlook",
		Password:     "hunter2",
		ClientID:     "client-id",
		RefreshToken: "refresh-token",
	}}
	if err := db.ReplaceAccounts(ctx, accounts); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	got, err := db.Accounts(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got[0].Password != "" || got[0].ClientID != "" || got[0].RefreshToken != "" {
		t.Errorf("secret fields must never round-trip through the snapshot: %+v", got[0])
	}
}

func TestMailRecordSnapshotPerAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.ReplaceAccounts(ctx, []models.EmailAccount{
		{ID: 1, Email: "a@example.com", MailType: "outlook"},
		{ID: 2, Email: "b@example.com", MailType: "outlook"},
	}); err != nil {
		t.Fatalf("account seed failed: %v", err)
	}

	if err := db.ReplaceMailRecords(ctx, 1, []models.MailRecord{
		{Subject: "hello", Sender: "x@y.com", Folder: "INBOX", Content: "body"},
		{Subject: "again", Sender: "x@y.com", Folder: "INBOX"},
	}); err != nil {
		t.Fatalf("record replace failed: %v", err)
	}
	if err := db.ReplaceMailRecords(ctx, 2, []models.MailRecord{
		{Subject: "other", Sender: "z@y.com", Folder: "Junk"},
	}); err != nil {
		t.Fatalf("record replace failed: %v", err)
	}

	records, err := db.MailRecords(ctx, 1)
	if err != nil {
		t.Fatalf("record load failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for account 1, got %d", len(records))
	}
	if records[0].Subject != "hello" || records[0].Content != "body" {
		t.Errorf("record fields not persisted: %+v", records[0])
	}

	// Replacing account 1 leaves account 2 untouched.
	if err := db.ReplaceMailRecords(ctx, 1, nil); err != nil {
		t.Fatalf("record clear failed: %v", err)
	}
	records, err = db.MailRecords(ctx, 1)
	if err != nil {
		t.Fatalf("record load failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected account 1 records cleared, got %d", len(records))
	}
	records, err = db.MailRecords(ctx, 2)
	if err != nil {
		t.Fatalf("record load failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("account 2 records must survive, got %d", len(records))
	}
}

func TestDeletingAccountCascadesRecords(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.ReplaceAccounts(ctx, []models.EmailAccount{
		{ID: 1, Email: "a@example.com", MailType: "outlook"},
	}); err != nil {
		t.Fatalf("account seed failed: %v", err)
	}
	if err := db.ReplaceMailRecords(ctx, 1, []models.MailRecord{
		{Subject: "hello", Sender: "x@y.com", Folder: "INBOX"},
	}); err != nil {
		t.Fatalf("record seed failed: %v", err)
	}

	// Wholesale account replacement drops removed accounts and, through the
	// foreign key, their records.
	if err := db.ReplaceAccounts(ctx, nil); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	records, err := db.MailRecords(ctx, 1)
	if err != nil {
		t.Fatalf("record load failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected cascade delete of records, got %d", len(records))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}
