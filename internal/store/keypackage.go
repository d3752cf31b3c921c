// ABOUTME: Key-package history entries, tracking rotated pre-key material
// ABOUTME: Earlier entries are looked up so their private keys can be retired

package store

import (
	"context"
	"fmt"
	"time"
)

// StoredKeyPackageHistoryEntry records one key package this installation has
// published, by its hash reference.
type StoredKeyPackageHistoryEntry struct {
	ID                int32
	KeyPackageHashRef []byte
	CreatedAtNs       int64
}

var keyPackageTable = &table[StoredKeyPackageHistoryEntry, int32]{
	name:   "key_package_history",
	keyCol: "id",
	cols:   []string{"id", "key_package_hash_ref", "created_at_ns"},
	scan: func(row rowScanner) (StoredKeyPackageHistoryEntry, error) {
		var e StoredKeyPackageHistoryEntry
		err := row.Scan(&e.ID, &e.KeyPackageHashRef, &e.CreatedAtNs)
		return e, err
	},
	bind: func(e *StoredKeyPackageHistoryEntry) []any {
		return []any{e.ID, e.KeyPackageHashRef, e.CreatedAtNs}
	},
}

// StoreKeyPackageHistoryEntry records a newly published key package and
// returns the stored entry.
func (c *DBConn) StoreKeyPackageHistoryEntry(ctx context.Context, hashRef []byte) (*StoredKeyPackageHistoryEntry, error) {
	createdAtNs := time.Now().UnixNano()
	res, err := c.execContext(ctx,
		"INSERT INTO key_package_history (key_package_hash_ref, created_at_ns) VALUES (?, ?)",
		hashRef, createdAtNs)
	if err != nil {
		return nil, fmt.Errorf("storing key package history entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("storing key package history entry: %w", err)
	}
	return &StoredKeyPackageHistoryEntry{
		ID:                int32(id),
		KeyPackageHashRef: hashRef,
		CreatedAtNs:       createdAtNs,
	}, nil
}

// FindKeyPackageHistoryEntryByHashRef returns the entry for a hash reference.
// Fails with ErrNotFound when the hash was never recorded.
func (c *DBConn) FindKeyPackageHistoryEntryByHashRef(ctx context.Context, hashRef []byte) (*StoredKeyPackageHistoryEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM key_package_history WHERE key_package_hash_ref = ?",
		keyPackageTable.selectCols())
	entries, err := keyPackageTable.queryList(ctx, c, query, hashRef)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("key package history entry: %w", ErrNotFound)
	}
	return &entries[0], nil
}

// FindKeyPackageHistoryEntriesBefore returns all entries older than the given
// id, oldest first. Used to retire superseded key material.
func (c *DBConn) FindKeyPackageHistoryEntriesBefore(ctx context.Context, id int32) ([]StoredKeyPackageHistoryEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM key_package_history WHERE id < ? ORDER BY id ASC",
		keyPackageTable.selectCols())
	return keyPackageTable.queryList(ctx, c, query, id)
}
