// Package sqlite provides a SQLite-backed invite store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/inbucket/listgate/pkg/config"
	"github.com/inbucket/listgate/pkg/storage"
	"github.com/inbucket/listgate/pkg/storage/sqlite/migrations"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Registers the "sqlite" driver.
)

const memoryPath = ":memory:"

// Store persists invites and the delivery ledger in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = &Store{}

// New opens the database at cfg.Path and applies the embedded migrations.
func New(cfg config.Storage) (storage.Store, error) {
	return Open(cfg.Path)
}

// Open opens a SQLite invite store. An empty path or ":memory:" opens a private in-memory
// database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	var dsn string
	if path == "" || path == memoryPath {
		path = memoryPath
		dsn = memoryPath + "?" + pragmas
	} else {
		dsn = "file:" + filepath.Clean(path) + "?" + pragmas + "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == memoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Debug().Str("module", "storage").Str("path", path).Msg("Opened sqlite invite store")
	return &Store{db: db, now: time.Now}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

// PutInvite upserts inv. The row is updated in place so the ledger is not cascaded away.
func (s *Store) PutInvite(ctx context.Context, inv *storage.Invite) error {
	if strings.TrimSpace(inv.UID) == "" {
		return fmt.Errorf("invite uid is required")
	}
	groups := inv.Groups
	if groups == nil {
		groups = []string{}
	}
	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	now := toMillis(s.now())
	created := toMillis(inv.Created)
	if created == 0 {
		created = now
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO invites (
    uid, title, organizer, message, recurring, expiry, groups_json, payload, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uid) DO UPDATE SET
    title = excluded.title,
    organizer = excluded.organizer,
    message = excluded.message,
    recurring = excluded.recurring,
    expiry = excluded.expiry,
    groups_json = excluded.groups_json,
    payload = excluded.payload,
    updated_at = excluded.updated_at`,
		inv.UID, inv.Title, inv.Organizer, nonNil(inv.Message), inv.Recurring,
		toMillis(inv.Expiry), string(groupsJSON), nonNil(inv.Payload), created, now,
	)
	if err != nil {
		return fmt.Errorf("put invite %s: %w", inv.UID, err)
	}
	return nil
}

const inviteColumns = `uid, title, organizer, message, recurring, expiry, groups_json, payload,
created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanInvite(row scanner) (*storage.Invite, error) {
	var (
		inv                      storage.Invite
		groupsJSON               string
		expiry, created, updated int64
	)
	err := row.Scan(&inv.UID, &inv.Title, &inv.Organizer, &inv.Message, &inv.Recurring,
		&expiry, &groupsJSON, &inv.Payload, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(groupsJSON), &inv.Groups); err != nil {
		return nil, fmt.Errorf("decode groups of %s: %w", inv.UID, err)
	}
	inv.Expiry = fromMillis(expiry)
	inv.Created = fromMillis(created)
	inv.Updated = fromMillis(updated)
	return &inv, nil
}

// GetInvite loads one invite.
func (s *Store) GetInvite(ctx context.Context, uid string) (*storage.Invite, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+inviteColumns+" FROM invites WHERE uid = ?", uid)
	inv, err := scanInvite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("get invite %s: %w", uid, err)
	}
	return inv, nil
}

// ListInvites loads every invite ordered by uid.
func (s *Store) ListInvites(ctx context.Context) ([]*storage.Invite, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+inviteColumns+" FROM invites ORDER BY uid")
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()
	var result []*storage.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("list invites: %w", err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// DeleteInvite removes the invite and its ledger in one transaction.
func (s *Store) DeleteInvite(ctx context.Context, uid string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM ledger WHERE uid = ?", uid); err != nil {
			return fmt.Errorf("delete ledger %s: %w", uid, err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM invites WHERE uid = ?", uid)
		if err != nil {
			return fmt.Errorf("delete invite %s: %w", uid, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.ErrNotExist
		}
		return nil
	})
}

// Ledger returns the sorted recipients already sent uid.
func (s *Store) Ledger(ctx context.Context, uid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT recipient FROM ledger WHERE uid = ? ORDER BY recipient", uid)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", uid, err)
	}
	defer rows.Close()
	result := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// LedgerAll returns the ledgers of uids in a single query.
func (s *Store) LedgerAll(ctx context.Context, uids []string) (map[string][]string, error) {
	result := make(map[string][]string)
	if len(uids) == 0 {
		return result, nil
	}
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(uids)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT uid, recipient FROM ledger WHERE uid IN ("+marks+") ORDER BY uid, recipient",
		args...)
	if err != nil {
		return nil, fmt.Errorf("ledger all: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid, r string
		if err := rows.Scan(&uid, &r); err != nil {
			return nil, err
		}
		result[uid] = append(result[uid], r)
	}
	return result, rows.Err()
}

// RecordDelivered inserts the (uid, recipient) pairs not yet present.
func (s *Store) RecordDelivered(ctx context.Context, uid string, addrs []string) error {
	now := toMillis(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var found int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM invites WHERE uid = ?", uid).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotExist
		}
		if err != nil {
			return fmt.Errorf("record delivered %s: %w", uid, err)
		}
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR IGNORE INTO ledger (uid, recipient, sent_at) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, addr := range addrs {
			if _, err := stmt.ExecContext(ctx, uid, addr, now); err != nil {
				return fmt.Errorf("record delivered %s to %s: %w", uid, addr, err)
			}
		}
		return nil
	})
}

// ClearLedger deletes the ledger rows of uid.
func (s *Store) ClearLedger(ctx context.Context, uid string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM ledger WHERE uid = ?", uid); err != nil {
		return fmt.Errorf("clear ledger %s: %w", uid, err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
