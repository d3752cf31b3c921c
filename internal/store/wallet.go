// ABOUTME: Wallet-address to inbox-id associations
// ABOUTME: Re-association of a known address is benign and ignored

package store

import (
	"context"
	"fmt"
)

// WalletEntry maps one wallet address to the inbox that controls it.
type WalletEntry struct {
	InboxID       string
	WalletAddress string
}

var walletTable = &table[WalletEntry, string]{
	name:   "wallet_addresses",
	keyCol: "wallet_address",
	cols:   []string{"inbox_id", "wallet_address"},
	scan: func(row rowScanner) (WalletEntry, error) {
		var w WalletEntry
		err := row.Scan(&w.InboxID, &w.WalletAddress)
		return w, err
	},
	bind: func(w *WalletEntry) []any {
		return []any{w.InboxID, w.WalletAddress}
	},
}

// StoreWalletEntry records an association, failing if the address is already
// mapped.
func (c *DBConn) StoreWalletEntry(ctx context.Context, w *WalletEntry) error {
	return walletTable.store(ctx, c, w)
}

// StoreWalletEntryOrIgnore records an association, treating a repeat of an
// existing mapping as a no-op.
func (c *DBConn) StoreWalletEntryOrIgnore(ctx context.Context, w *WalletEntry) error {
	return walletTable.storeOrIgnore(ctx, c, w)
}

// FetchWalletEntries returns every stored association.
func (c *DBConn) FetchWalletEntries(ctx context.Context) ([]WalletEntry, error) {
	return walletTable.fetchList(ctx, c)
}

// FindInboxIDsForAddresses resolves the given wallet addresses to their
// inbox ids. Unknown addresses are simply absent from the result.
func (c *DBConn) FindInboxIDsForAddresses(ctx context.Context, addresses []string) (map[string]string, error) {
	entries, err := walletTable.fetchListBy(ctx, c, addresses)
	if err != nil {
		return nil, fmt.Errorf("resolving wallet addresses: %w", err)
	}

	resolved := make(map[string]string, len(entries))
	for _, e := range entries {
		resolved[e.WalletAddress] = e.InboxID
	}
	return resolved, nil
}
