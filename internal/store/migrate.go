// ABOUTME: Ordered, versioned schema migrations tracked in schema_migrations
// ABOUTME: Incremental application is safe; each step commits atomically with its version marker

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// migration is one ordered schema change or data backfill.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, rc rawConn) error
}

// migrations is the embedded, order-stable registry. Versions are contiguous
// and append-only; an applied migration is never edited.
var migrations = []migration{
	{1, "create_groups", execAll(
		`CREATE TABLE groups (
			id BLOB PRIMARY KEY NOT NULL,
			created_at_ns BIGINT NOT NULL,
			membership_state INTEGER NOT NULL,
			installations_last_checked BIGINT NOT NULL,
			added_by_inbox_id TEXT NOT NULL,
			welcome_id BIGINT,
			purpose INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX idx_groups_created_at_ns ON groups(created_at_ns)`,
		`CREATE INDEX idx_groups_welcome_id ON groups(welcome_id)`)},
	{2, "create_identity", execAll(
		`CREATE TABLE identity (
			inbox_id TEXT NOT NULL,
			installation_keys BLOB NOT NULL,
			credential_bytes BLOB NOT NULL
		)`)},
	{3, "create_group_intents", execAll(
		`CREATE TABLE group_intents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind INTEGER NOT NULL,
			group_id BLOB NOT NULL,
			data BLOB NOT NULL,
			state INTEGER NOT NULL,
			payload_hash BLOB,
			post_commit_data BLOB,
			publish_attempts INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (group_id) REFERENCES groups(id)
		)`,
		`CREATE INDEX idx_group_intents_group_id ON group_intents(group_id)`)},
	{4, "create_group_messages", execAll(
		`CREATE TABLE group_messages (
			id BLOB PRIMARY KEY NOT NULL,
			group_id BLOB NOT NULL,
			decrypted_message_bytes BLOB NOT NULL,
			sent_at_ns BIGINT NOT NULL,
			kind INTEGER NOT NULL,
			sender_installation_id BLOB NOT NULL,
			sender_inbox_id TEXT NOT NULL,
			delivery_status INTEGER NOT NULL,
			FOREIGN KEY (group_id) REFERENCES groups(id)
		)`,
		`CREATE INDEX idx_group_messages_group_sent ON group_messages(group_id, sent_at_ns)`)},
	{5, "create_refresh_state", execAll(
		`CREATE TABLE refresh_state (
			entity_id BLOB NOT NULL,
			entity_kind INTEGER NOT NULL,
			cursor BIGINT NOT NULL,
			PRIMARY KEY (entity_id, entity_kind)
		)`)},
	{6, "create_consent_records", execAll(
		`CREATE TABLE consent_records (
			entity_type INTEGER NOT NULL,
			state INTEGER NOT NULL,
			entity TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity)
		)`)},
	{7, "create_key_package_history", execAll(
		`CREATE TABLE key_package_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key_package_hash_ref BLOB NOT NULL UNIQUE,
			created_at_ns BIGINT NOT NULL
		)`)},
	{8, "create_wallet_addresses_and_user_preferences", execAll(
		`CREATE TABLE wallet_addresses (
			inbox_id TEXT NOT NULL,
			wallet_address TEXT PRIMARY KEY NOT NULL
		)`,
		`CREATE TABLE user_preferences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hmac_key BLOB
		)`)},
	{9, "add_group_dm_inbox_id", execAll(
		`ALTER TABLE groups ADD COLUMN dm_inbox_id TEXT`)},
	{10, "add_group_dm_id", execAll(
		`ALTER TABLE groups ADD COLUMN dm_id TEXT`)},
	// Order matters: the backfill reads the legacy dm_inbox_id column added in
	// version 9 and writes the derived dm_id column added in version 10.
	{11, "backfill_group_dm_id", backfillDMID},
}

// backfillDMID derives the normalized dm_id ("dm:<target>:<local>") from the
// legacy dm_inbox_id column and the local identity. With no identity row
// there is no local half to derive against, so the backfill is a no-op.
func backfillDMID(ctx context.Context, rc rawConn) error {
	var inboxID string
	err := rc.QueryRowContext(ctx, "SELECT inbox_id FROM identity LIMIT 1").Scan(&inboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = rc.ExecContext(ctx,
		`UPDATE groups
		 SET dm_id = 'dm:' || dm_inbox_id || ':' || ?
		 WHERE dm_inbox_id IS NOT NULL AND dm_id IS NULL`, inboxID)
	return err
}

func execAll(stmts ...string) func(context.Context, rawConn) error {
	return func(ctx context.Context, rc rawConn) error {
		for _, stmt := range stmts {
			if _, err := rc.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// runPendingMigrations applies every migration past the persisted version
// marker, in order. Re-running is a no-op for already-applied steps.
func runPendingMigrations(ctx context.Context, rc rawConn, log *slog.Logger) error {
	for {
		applied, err := runNextMigration(ctx, rc, log)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
	}
}

// runNextMigration applies at most one pending migration. It reports whether
// a migration was applied, so callers can resume an interrupted upgrade one
// step at a time.
func runNextMigration(ctx context.Context, rc rawConn, log *slog.Logger) (bool, error) {
	if err := ensureMigrationTable(ctx, rc); err != nil {
		return false, err
	}

	current, err := appliedVersion(ctx, rc)
	if err != nil {
		return false, err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, rc, m, log); err != nil {
			return false, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		return true, nil
	}
	return false, nil
}

func ensureMigrationTable(ctx context.Context, rc rawConn) error {
	_, err := rc.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}

func appliedVersion(ctx context.Context, rc rawConn) (int, error) {
	var version sql.NullInt64
	err := rc.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return int(version.Int64), nil
}

// applyMigration runs one step and its version marker in a single
// transaction, so a crash mid-step leaves the marker untouched.
func applyMigration(ctx context.Context, rc rawConn, m migration, log *slog.Logger) error {
	if _, err := rc.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	err := m.apply(ctx, rc)
	if err == nil {
		_, err = rc.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.version, m.name, time.Now().UTC().Format(time.RFC3339))
	}
	if err != nil {
		_, _ = rc.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := rc.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}

	log.Info("applied migration", "version", m.version, "name", m.name)
	return nil
}
