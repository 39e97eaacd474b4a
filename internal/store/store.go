// Package store persists tenants, linkable identities, ratings and the
// delivery log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clinicbot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the bot manager's persistence on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- tenants ---

const tenantColumns = `id, name, bot_token, owner_phone, admin_chat_id, language, created_at, updated_at`

func (s *SQLiteStore) CreateTenant(ctx context.Context, t domain.Tenant) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (`+tenantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.BotToken, t.OwnerPhone, t.AdminChatID, t.Language, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTenant(ctx context.Context, id string, upd domain.TenantUpdate) error {
	var sets []string
	var args []any
	if upd.BotToken != nil {
		sets = append(sets, "bot_token = ?")
		args = append(args, *upd.BotToken)
	}
	if upd.AdminChatID != nil {
		sets = append(sets, "admin_chat_id = ?")
		args = append(args, *upd.AdminChatID)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now(), id)

	res, err := s.db.ExecContext(ctx, `UPDATE tenants SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update tenant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	return s.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY name`)
}

// ListTenantsByToken returns every tenant configured with token.
func (s *SQLiteStore) ListTenantsByToken(ctx context.Context, token string) ([]domain.Tenant, error) {
	if token == "" {
		return nil, nil
	}
	return s.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE bot_token = ? ORDER BY name`, token)
}

// ListTenantsWithToken returns every tenant that has a bot configured.
func (s *SQLiteStore) ListTenantsWithToken(ctx context.Context) ([]domain.Tenant, error) {
	return s.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE bot_token <> '' ORDER BY name`)
}

func (s *SQLiteStore) queryTenants(ctx context.Context, query string, args ...any) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.BotToken, &t.OwnerPhone, &t.AdminChatID, &t.Language, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- identities ---

const identityColumns = `id, tenant_id, kind, name, phone, public_key, chat_id`

func (s *SQLiteStore) CreateIdentity(ctx context.Context, ident domain.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ident.ID, ident.TenantID, string(ident.Kind), ident.Name, ident.Phone, ident.PublicKey, ident.ChatID,
	)
	if err != nil {
		return fmt.Errorf("insert identity %s: %w", ident.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FindIdentityByKey(ctx context.Context, key string) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE public_key = ?`, key)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity key: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// FindIdentitiesByPhoneSuffix returns identities of the given tenants whose
// phone, with '+' and blanks removed, ends in suffix.
func (s *SQLiteStore) FindIdentitiesByPhoneSuffix(ctx context.Context, tenantIDs []string, suffix string) ([]domain.Identity, error) {
	if len(tenantIDs) == 0 || suffix == "" {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tenantIDs)), ", ")
	args := make([]any, 0, len(tenantIDs)+1)
	for _, id := range tenantIDs {
		args = append(args, id)
	}
	args = append(args, "%"+suffix)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities
		 WHERE tenant_id IN (`+placeholders+`)
		   AND REPLACE(REPLACE(REPLACE(phone, '+', ''), ' ', ''), char(9), '') LIKE ?
		 ORDER BY tenant_id, id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ident)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateIdentityChat(ctx context.Context, identityID, chatID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE identities SET chat_id = ? WHERE id = ?`, chatID, identityID)
	if err != nil {
		return fmt.Errorf("update identity %s: %w", identityID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", identityID, domain.ErrNotFound)
	}
	return nil
}

func scanIdentity(row scanner) (*domain.Identity, error) {
	var ident domain.Identity
	var kind string
	if err := row.Scan(&ident.ID, &ident.TenantID, &kind, &ident.Name, &ident.Phone, &ident.PublicKey, &ident.ChatID); err != nil {
		return nil, err
	}
	ident.Kind = domain.IdentityKind(kind)
	return &ident, nil
}

// --- ratings ---

// UpsertRating creates the rating for r.ReferenceID or overwrites its value.
func (s *SQLiteStore) UpsertRating(ctx context.Context, r domain.Rating) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (reference_id, value, chat_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(reference_id) DO UPDATE SET value = excluded.value, chat_id = excluded.chat_id, updated_at = excluded.updated_at`,
		r.ReferenceID, r.Value, r.ChatID, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert rating %s: %w", r.ReferenceID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRating(ctx context.Context, referenceID string) (*domain.Rating, error) {
	var r domain.Rating
	err := s.db.QueryRowContext(ctx,
		`SELECT reference_id, value, chat_id, updated_at FROM ratings WHERE reference_id = ?`, referenceID,
	).Scan(&r.ReferenceID, &r.Value, &r.ChatID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rating %s: %w", referenceID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- delivery log ---

func (s *SQLiteStore) AppendDeliveryLog(ctx context.Context, e domain.DeliveryLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (id, tenant_id, identity_id, category, status, chat_id, payload, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.IdentityID, string(e.Category), string(e.Status), e.ChatID, e.Payload, e.Error, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// ListDeliveries returns the newest entries for a tenant first.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, tenantID string, limit int) ([]domain.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, identity_id, category, status, chat_id, payload, error, created_at
		 FROM delivery_log WHERE tenant_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryLogEntry
	for rows.Next() {
		var e domain.DeliveryLogEntry
		var category, status string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.IdentityID, &category, &status,
			&e.ChatID, &e.Payload, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Category = domain.DeliveryCategory(category)
		e.Status = domain.DeliveryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
