package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: tenants, identities",
		SQL: `
		CREATE TABLE IF NOT EXISTS tenants (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			bot_token     TEXT NOT NULL DEFAULT '',
			owner_phone   TEXT NOT NULL DEFAULT '',
			admin_chat_id TEXT NOT NULL DEFAULT '',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_token ON tenants(bot_token);

		CREATE TABLE IF NOT EXISTS identities (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL,
			phone       TEXT NOT NULL DEFAULT '',
			public_key  TEXT NOT NULL UNIQUE,
			chat_id     TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_identities_tenant ON identities(tenant_id);
		`,
	},
	{
		Version:     2,
		Description: "v2: ratings, delivery_log",
		SQL: `
		CREATE TABLE IF NOT EXISTS ratings (
			reference_id TEXT PRIMARY KEY,
			value        INTEGER NOT NULL,
			chat_id      TEXT NOT NULL DEFAULT '',
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS delivery_log (
			id          TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			identity_id TEXT NOT NULL DEFAULT '',
			category    TEXT NOT NULL,
			status      TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			payload     TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_delivery_tenant ON delivery_log(tenant_id, created_at);
		`,
	},
	{
		Version:     3,
		Description: "v3: per-tenant reply language",
		SQL: `
		ALTER TABLE tenants ADD COLUMN language TEXT NOT NULL DEFAULT '';
		`,
	},
}

// RunMigrations brings db up to schemaVersion.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m, logger); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// applyMigration runs every statement of m in one transaction. Statements
// failing with "duplicate column" or "already exists" are skipped so a
// database created by hand or by an interrupted run can still be upgraded.
func applyMigration(db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
