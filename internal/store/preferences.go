// ABOUTME: UserPreferences, the singleton device-sync preference row
// ABOUTME: Holds the HMAC key shared across the member's installations

package store

import (
	"context"
	"fmt"
)

// StoredUserPreferences is the singleton preference record for the local
// member.
type StoredUserPreferences struct {
	ID      int32
	HMACKey []byte
}

var preferencesTable = &table[StoredUserPreferences, int32]{
	name:   "user_preferences",
	keyCol: "id",
	cols:   []string{"id", "hmac_key"},
	scan: func(row rowScanner) (StoredUserPreferences, error) {
		var p StoredUserPreferences
		err := row.Scan(&p.ID, &p.HMACKey)
		return p, err
	},
	bind: func(p *StoredUserPreferences) []any {
		return []any{p.ID, p.HMACKey}
	},
}

// GetUserPreferences returns the preference row, or an empty record when none
// was written yet.
func (c *DBConn) GetUserPreferences(ctx context.Context) (*StoredUserPreferences, error) {
	prefs, err := preferencesTable.fetchFirst(ctx, c)
	if err != nil {
		return nil, err
	}
	if prefs == nil {
		return &StoredUserPreferences{}, nil
	}
	return prefs, nil
}

// SetHMACKey stores the device-sync HMAC key, creating the preference row on
// first use.
func (c *DBConn) SetHMACKey(ctx context.Context, key []byte) error {
	prefs, err := preferencesTable.fetchFirst(ctx, c)
	if err != nil {
		return err
	}

	if prefs == nil {
		_, err = c.execContext(ctx, "INSERT INTO user_preferences (hmac_key) VALUES (?)", key)
	} else {
		_, err = c.execContext(ctx, "UPDATE user_preferences SET hmac_key = ? WHERE id = ?", key, prefs.ID)
	}
	if err != nil {
		return fmt.Errorf("setting hmac key: %w", err)
	}
	return nil
}
