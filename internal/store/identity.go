// ABOUTME: StoredIdentity, the singleton local-member identity record
// ABOUTME: One row globally; fetched with the unit-key repository variant

package store

import "context"

// StoredIdentity is the local member's identity: the inbox id plus the
// serialized installation keys and credential issued for this device.
type StoredIdentity struct {
	InboxID          string
	InstallationKeys []byte
	CredentialBytes  []byte
}

// NewStoredIdentity assembles an identity record.
func NewStoredIdentity(inboxID string, installationKeys, credentialBytes []byte) *StoredIdentity {
	return &StoredIdentity{
		InboxID:          inboxID,
		InstallationKeys: installationKeys,
		CredentialBytes:  credentialBytes,
	}
}

var identityTable = &table[StoredIdentity, struct{}]{
	name: "identity",
	cols: []string{"inbox_id", "installation_keys", "credential_bytes"},
	scan: func(row rowScanner) (StoredIdentity, error) {
		var id StoredIdentity
		err := row.Scan(&id.InboxID, &id.InstallationKeys, &id.CredentialBytes)
		return id, err
	},
	bind: func(id *StoredIdentity) []any {
		return []any{id.InboxID, id.InstallationKeys, id.CredentialBytes}
	},
}

// StoreIdentity persists the identity record.
func (c *DBConn) StoreIdentity(ctx context.Context, id *StoredIdentity) error {
	return identityTable.store(ctx, c, id)
}

// FetchIdentity returns the identity record, or nil if none was stored yet.
func (c *DBConn) FetchIdentity(ctx context.Context) (*StoredIdentity, error) {
	return identityTable.fetchFirst(ctx, c)
}
