package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zeroornull/FireMail/internal/api"
	"github.com/zeroornull/FireMail/internal/realtime"
	"github.com/zeroornull/FireMail/pkg/models"
)

// EventChannel is the realtime side of the dual-channel layer.
type EventChannel interface {
	Ready() bool
	Subscribe(msgType string, h realtime.Handler) func()
	OnAuthenticated(fn func()) func()
	RequestAccounts() bool
	CheckEmails(ids []int64) bool
	DeleteEmails(ids []int64) bool
	AddEmail(account models.EmailAccount) bool
	RequestMailRecords(emailID int64) bool
	ImportEmails(data, mailType string) bool
}

// APIChannel is the request/response fallback.
type APIChannel interface {
	ListAccounts(ctx context.Context) ([]models.EmailAccount, error)
	AddAccount(ctx context.Context, account models.EmailAccount) error
	BatchDelete(ctx context.Context, ids []int64) error
	BatchCheck(ctx context.Context, ids []int64) (*api.CheckResult, error)
	MailRecords(ctx context.Context, emailID int64) ([]models.MailRecord, error)
	Import(ctx context.Context, data, mailType string) (*api.ImportResult, error)
}

// Snapshotter persists last-known state so a disconnected client still has
// a view to show. Optional.
type Snapshotter interface {
	ReplaceAccounts(ctx context.Context, accounts []models.EmailAccount) error
	Accounts(ctx context.Context) ([]models.EmailAccount, error)
	ReplaceMailRecords(ctx context.Context, emailID int64, records []models.MailRecord) error
	MailRecords(ctx context.Context, emailID int64) ([]models.MailRecord, error)
}

// Notifier receives user-facing notifications. Optional.
type Notifier interface {
	Push(kind, title, message string)
}

// Options tune store behavior.
type Options struct {
	CheckSettleDelay time.Duration // wait after progress 100 before refreshing
	ImportTimeout    time.Duration // bound on waiting for the import confirmation event
}

// Store is the single source of truth for the account list, per-account job
// progress, and the per-account record cache. Every operation routes through
// the event channel when it is ready and falls back to the request channel
// otherwise; callers never pick a channel themselves.
type Store struct {
	events    EventChannel
	apic      APIChannel
	snapshots Snapshotter
	notifier  Notifier
	logger    *slog.Logger
	opts      Options

	mu        sync.RWMutex
	accounts  []models.EmailAccount
	selected  map[int64]struct{}
	progress  map[int64]models.JobProgress
	records   map[int64][]models.MailRecord
	currentID int64
	loading   bool
	lastError error

	unsubscribes []func()
}

// ValidationError reports a required field missing from a request payload,
// caught before anything is sent.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("required field %q is missing", e.Field)
}

// New creates a Store. Call Start to begin consuming events.
func New(events EventChannel, apic APIChannel, snapshots Snapshotter, notifier Notifier, opts Options, logger *slog.Logger) *Store {
	if opts.CheckSettleDelay == 0 {
		opts.CheckSettleDelay = time.Second
	}
	if opts.ImportTimeout == 0 {
		opts.ImportTimeout = 30 * time.Second
	}
	return &Store{
		events:    events,
		apic:      apic,
		snapshots: snapshots,
		notifier:  notifier,
		logger:    logger.With("component", "store"),
		opts:      opts,
		selected:  make(map[int64]struct{}),
		progress:  make(map[int64]models.JobProgress),
		records:   make(map[int64][]models.MailRecord),
	}
}

// Start registers all event subscriptions. The channel guarantees in-order
// delivery within one connection, so handlers apply events as delivered;
// a reconnect triggers a full refresh that supersedes anything stale.
func (s *Store) Start() {
	s.unsubscribes = []func(){
		s.events.Subscribe(realtime.MsgEmailsList, s.onEmailsList),
		s.events.Subscribe(realtime.MsgEmailAdded, func(json.RawMessage) { s.refresh() }),
		s.events.Subscribe(realtime.MsgEmailsImported, func(json.RawMessage) { s.refresh() }),
		s.events.Subscribe(realtime.MsgEmailsDeleted, s.onEmailsDeleted),
		s.events.Subscribe(realtime.MsgCheckProgress, s.onCheckProgress),
		s.events.Subscribe(realtime.MsgMailRecords, s.onMailRecords),
		s.events.Subscribe(realtime.MsgError, s.onServerError),
		s.events.Subscribe(realtime.MsgInfo, s.notice("info")),
		s.events.Subscribe(realtime.MsgSuccess, s.notice("success")),
		s.events.Subscribe(realtime.MsgWarning, s.notice("warning")),
		// Every authenticated (re)connect is an implicit resync point:
		// cached state is advisory until the snapshot after it.
		s.events.OnAuthenticated(s.refresh),
	}
}

// Close removes all event subscriptions.
func (s *Store) Close() {
	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	s.unsubscribes = nil
}

// LoadCached seeds the account list from the local snapshot so there is a
// last-known view before the first connection completes.
func (s *Store) LoadCached(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	accounts, err := s.snapshots.Accounts(ctx)
	if err != nil {
		s.logger.Warn("failed to load cached accounts", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}
	s.mu.Lock()
	if len(s.accounts) == 0 {
		s.accounts = accounts
	}
	s.mu.Unlock()
	s.logger.Info("loaded cached account snapshot", "count", len(accounts))
}

// --- operations ---

// FetchAccounts refreshes the canonical account list. Over the event channel
// the result arrives asynchronously as an emails_list snapshot; over the
// request channel it is applied before returning.
func (s *Store) FetchAccounts(ctx context.Context) error {
	s.setLoading(true)

	return s.perform(s.events.RequestAccounts, func() error {
		accounts, err := s.apic.ListAccounts(ctx)
		if err != nil {
			s.setLoading(false)
			return s.fail("failed to fetch accounts", err)
		}
		s.replaceAccounts(accounts)
		s.setLoading(false)
		return nil
	})
}

// AddAccount registers a new monitored account. Success over the event
// channel is observed as an email_added broadcast which triggers a refresh;
// the request channel path refreshes explicitly.
func (s *Store) AddAccount(ctx context.Context, account models.EmailAccount) error {
	if account.MailType == "" {
		account.MailType = models.MailTypeDefault
	}
	if err := validateAccount(account); err != nil {
		return s.fail("invalid account", err)
	}

	return s.perform(func() bool { return s.events.AddEmail(account) }, func() error {
		if err := s.apic.AddAccount(ctx, account); err != nil {
			return s.fail("failed to add account", err)
		}
		return s.FetchAccounts(ctx)
	})
}

// CheckAccounts starts asynchronous mailbox checks. Progress is applied
// optimistically before any acknowledgement; completion is driven entirely
// by check_progress events.
func (s *Store) CheckAccounts(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	for _, id := range ids {
		s.progress[id] = models.JobProgress{Progress: 0, Message: "started"}
	}
	s.mu.Unlock()

	return s.perform(func() bool { return s.events.CheckEmails(ids) }, func() error {
		result, err := s.apic.BatchCheck(ctx, ids)
		if err != nil {
			s.mu.Lock()
			for _, id := range ids {
				s.progress[id] = models.JobProgress{Progress: models.ProgressFailed, Message: "check failed"}
			}
			s.mu.Unlock()
			return s.fail("failed to check accounts", err)
		}
		if result.Status == "processing" {
			// Concurrent check already running server-side; informational,
			// not a failure.
			s.pushNotice("info", "Check in progress", "selected accounts are already being checked")
		}
		return nil
	})
}

// CheckAll checks every known account.
func (s *Store) CheckAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.accounts))
	for _, account := range s.accounts {
		ids = append(ids, account.ID)
	}
	s.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	return s.CheckAccounts(ctx, ids)
}

// CheckSelected checks the current selection.
func (s *Store) CheckSelected(ctx context.Context) error {
	ids := s.SelectedIDs()
	if len(ids) == 0 {
		return nil
	}
	return s.CheckAccounts(ctx, ids)
}

// DeleteAccounts removes accounts. Local state is updated atomically with
// the request; the emails_deleted broadcast re-applies the same removal
// idempotently.
func (s *Store) DeleteAccounts(ctx context.Context, ids []int64) error {
	return s.perform(func() bool {
		if !s.events.DeleteEmails(ids) {
			return false
		}
		s.removeAccounts(ids)
		return true
	}, func() error {
		if err := s.apic.BatchDelete(ctx, ids); err != nil {
			return s.fail("failed to delete accounts", err)
		}
		s.removeAccounts(ids)
		return nil
	})
}

// DeleteSelected deletes the current selection.
func (s *Store) DeleteSelected(ctx context.Context) error {
	ids := s.SelectedIDs()
	if len(ids) == 0 {
		return nil
	}
	return s.DeleteAccounts(ctx, ids)
}

// FetchRecords makes the account current and replaces its record cache
// wholesale.
func (s *Store) FetchRecords(ctx context.Context, emailID int64) error {
	s.mu.Lock()
	s.currentID = emailID
	s.loading = true
	s.mu.Unlock()

	return s.perform(func() bool { return s.events.RequestMailRecords(emailID) }, func() error {
		records, err := s.apic.MailRecords(ctx, emailID)
		if err != nil {
			s.setLoading(false)
			return s.fail("failed to fetch mail records", err)
		}
		s.replaceRecords(emailID, records)
		s.setLoading(false)
		return nil
	})
}

// ImportAccounts bulk-imports accounts from line-oriented data. Over the
// event channel the call waits, bounded, for the emails_imported
// confirmation; a timeout yields a nil result, not an error.
func (s *Store) ImportAccounts(ctx context.Context, data, mailType string) (*api.ImportResult, error) {
	if data == "" {
		return nil, s.fail("invalid import", &ValidationError{Field: "data"})
	}
	if mailType == "" {
		mailType = models.MailTypeDefault
	}

	if s.events.Ready() {
		confirmed := make(chan struct{}, 1)
		unsubscribe := s.events.Subscribe(realtime.MsgEmailsImported, func(json.RawMessage) {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		if s.events.ImportEmails(data, mailType) {
			select {
			case <-confirmed:
				return &api.ImportResult{Success: true}, nil
			case <-time.After(s.opts.ImportTimeout):
				s.logger.Warn("import confirmation timed out")
				s.pushNotice("warning", "Import", "no confirmation received, the import may still be running")
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	result, err := s.apic.Import(ctx, data, mailType)
	if err != nil {
		return nil, s.fail("failed to import accounts", err)
	}
	if err := s.FetchAccounts(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// Reset drops all held state, selection and errors.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = nil
	s.selected = make(map[int64]struct{})
	s.progress = make(map[int64]models.JobProgress)
	s.records = make(map[int64][]models.MailRecord)
	s.currentID = 0
	s.loading = false
	s.lastError = nil
}

// --- selection ---

// ToggleSelect flips one account in or out of the selection.
func (s *Store) ToggleSelect(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
	} else {
		s.selected[id] = struct{}{}
	}
}

// SelectAll selects every known account.
func (s *Store) SelectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.accounts {
		s.selected[account.ID] = struct{}{}
	}
}

// DeselectAll empties the selection.
func (s *Store) DeselectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[int64]struct{})
}

// SelectedIDs returns the selection in ascending id order.
func (s *Store) SelectedIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsAllSelected reports whether every account is selected.
func (s *Store) IsAllSelected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts) > 0 && len(s.selected) == len(s.accounts)
}

// --- accessors ---

// Accounts returns a copy of the canonical account list.
func (s *Store) Accounts() []models.EmailAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]models.EmailAccount, len(s.accounts))
	copy(accounts, s.accounts)
	return accounts
}

// Account returns one account by id.
func (s *Store) Account(id int64) (models.EmailAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, account := range s.accounts {
		if account.ID == id {
			return account, true
		}
	}
	return models.EmailAccount{}, false
}

// Progress returns the job progress entry for one account.
func (s *Store) Progress(id int64) (models.JobProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[id]
	return p, ok
}

// Records returns the cached records for one account.
func (s *Store) Records(emailID int64) []models.MailRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.MailRecord, len(s.records[emailID]))
	copy(records, s.records[emailID])
	return records
}

// CurrentID returns the account whose records are being viewed.
func (s *Store) CurrentID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Loading reports whether an operation is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastError returns the most recent store-level error.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// --- event handlers ---

func (s *Store) onEmailsList(raw json.RawMessage) {
	var msg realtime.EmailsList
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("failed to decode emails_list", "error", err)
		return
	}
	// A list event is always a full snapshot: replace, never merge.
	s.replaceAccounts(msg.Data)
	s.setLoading(false)
}

func (s *Store) onEmailsDeleted(raw json.RawMessage) {
	var msg realtime.EmailsDeleted
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("failed to decode emails_deleted", "error", err)
		return
	}
	s.removeAccounts(msg.EmailIDs)
}

func (s *Store) onCheckProgress(raw json.RawMessage) {
	var msg realtime.CheckProgress
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("failed to decode check_progress", "error", err)
		return
	}

	s.mu.Lock()
	s.progress[msg.EmailID] = models.JobProgress{Progress: msg.Progress, Message: msg.Message}
	current := s.currentID
	s.mu.Unlock()

	if msg.Progress == 100 {
		// Give the backend a moment to persist before re-reading.
		time.AfterFunc(s.opts.CheckSettleDelay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.FetchAccounts(ctx); err != nil {
				s.logger.Warn("post-check refresh failed", "error", err)
			}
			if current == msg.EmailID {
				if err := s.FetchRecords(ctx, msg.EmailID); err != nil {
					s.logger.Warn("post-check record refresh failed", "error", err)
				}
			}
		})
	}
}

func (s *Store) onMailRecords(raw json.RawMessage) {
	var msg realtime.MailRecordsMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Error("failed to decode mail_records", "error", err)
		return
	}

	s.mu.RLock()
	current := s.currentID
	s.mu.RUnlock()
	if msg.EmailID != current {
		s.logger.Debug("dropping records for non-current account", "email_id", msg.EmailID)
		return
	}
	s.replaceRecords(msg.EmailID, msg.Data)
	s.setLoading(false)
}

func (s *Store) onServerError(raw json.RawMessage) {
	var msg realtime.Notice
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	s.mu.Lock()
	s.lastError = fmt.Errorf("server error: %s", msg.Message)
	s.mu.Unlock()
	s.pushNotice("error", "Server", msg.Message)
}

func (s *Store) notice(kind string) realtime.Handler {
	return func(raw json.RawMessage) {
		var msg realtime.Notice
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		s.pushNotice(kind, "Server", msg.Message)
	}
}

// --- internals ---

func validateAccount(account models.EmailAccount) error {
	if account.Email == "" {
		return &ValidationError{Field: "email"}
	}
	if account.Password == "" {
		return &ValidationError{Field: "password"}
	}
	if account.MailType == models.MailTypeDefault {
		if account.ClientID == "" {
			return &ValidationError{Field: "client_id"}
		}
		if account.RefreshToken == "" {
			return &ValidationError{Field: "refresh_token"}
		}
	}
	return nil
}

// perform routes one operation: the event channel when it is ready and
// accepts the send, the request channel otherwise. Every dual-path operation
// goes through here so callers stay channel-agnostic.
func (s *Store) perform(send func() bool, fallback func() error) error {
	if s.events.Ready() && send() {
		return nil
	}
	return fallback()
}

// refresh re-fetches the account list in the background; used by handlers
// reacting to broadcasts that carry no data themselves.
func (s *Store) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.FetchAccounts(ctx); err != nil {
		s.logger.Warn("background refresh failed", "error", err)
	}
}

func (s *Store) replaceAccounts(accounts []models.EmailAccount) {
	if accounts == nil {
		accounts = []models.EmailAccount{}
	}
	s.mu.Lock()
	s.accounts = accounts
	s.lastError = nil
	s.mu.Unlock()

	s.persistAccounts(accounts)
}

func (s *Store) removeAccounts(ids []int64) {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	kept := s.accounts[:0]
	for _, account := range s.accounts {
		if _, gone := drop[account.ID]; !gone {
			kept = append(kept, account)
		}
	}
	s.accounts = kept
	for id := range drop {
		delete(s.selected, id)
		delete(s.progress, id)
		delete(s.records, id)
	}
	accounts := make([]models.EmailAccount, len(s.accounts))
	copy(accounts, s.accounts)
	s.mu.Unlock()

	s.persistAccounts(accounts)
}

func (s *Store) replaceRecords(emailID int64, records []models.MailRecord) {
	for i := range records {
		records[i].Normalize()
	}
	s.mu.Lock()
	s.records[emailID] = records
	s.mu.Unlock()

	if s.snapshots != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.snapshots.ReplaceMailRecords(ctx, emailID, records); err != nil {
			s.logger.Warn("failed to persist record snapshot", "error", err)
		}
	}
}

func (s *Store) persistAccounts(accounts []models.EmailAccount) {
	if s.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.snapshots.ReplaceAccounts(ctx, accounts); err != nil {
		s.logger.Warn("failed to persist account snapshot", "error", err)
	}
}

func (s *Store) setLoading(loading bool) {
	s.mu.Lock()
	s.loading = loading
	s.mu.Unlock()
}

// fail records the error, surfaces it to the notifier, and returns it so
// the caller decides presentation.
func (s *Store) fail(msg string, err error) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	s.mu.Lock()
	s.lastError = wrapped
	s.mu.Unlock()
	s.logger.Error(msg, "error", err)
	s.pushNotice("error", "Operation failed", err.Error())
	return wrapped
}

func (s *Store) pushNotice(kind, title, message string) {
	if s.notifier != nil {
		s.notifier.Push(kind, title, message)
	}
}
