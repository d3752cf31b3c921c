// ABOUTME: ConsentRecord, the local member's allow/deny decisions per entity
// ABOUTME: Upsert semantics; the latest decision always wins

package store

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// ConsentType is the kind of entity a consent decision applies to.
type ConsentType int32

const (
	ConsentTypeConversationID ConsentType = 1
	ConsentTypeInboxID        ConsentType = 2
	ConsentTypeAddress        ConsentType = 3
)

func (t ConsentType) Value() (driver.Value, error) {
	switch t {
	case ConsentTypeConversationID, ConsentTypeInboxID, ConsentTypeAddress:
		return int64(t), nil
	}
	return nil, fmt.Errorf("invalid consent type %d", int32(t))
}

func (t *ConsentType) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("consent type: unexpected column type %T", src)
	}
	switch ConsentType(code) {
	case ConsentTypeConversationID, ConsentTypeInboxID, ConsentTypeAddress:
		*t = ConsentType(code)
		return nil
	}
	return fmt.Errorf("unrecognized consent type %d", code)
}

// ConsentState is the decision itself.
type ConsentState int32

const (
	ConsentStateUnknown ConsentState = 0
	ConsentStateAllowed ConsentState = 1
	ConsentStateDenied  ConsentState = 2
)

func (s ConsentState) Value() (driver.Value, error) {
	switch s {
	case ConsentStateUnknown, ConsentStateAllowed, ConsentStateDenied:
		return int64(s), nil
	}
	return nil, fmt.Errorf("invalid consent state %d", int32(s))
}

func (s *ConsentState) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("consent state: unexpected column type %T", src)
	}
	switch ConsentState(code) {
	case ConsentStateUnknown, ConsentStateAllowed, ConsentStateDenied:
		*s = ConsentState(code)
		return nil
	}
	return fmt.Errorf("unrecognized consent state %d", code)
}

// StoredConsentRecord is one allow/deny decision keyed by (type, entity).
type StoredConsentRecord struct {
	EntityType ConsentType
	State      ConsentState
	Entity     string
}

var consentTable = &table[StoredConsentRecord, string]{
	name:   "consent_records",
	keyCol: "entity",
	cols:   []string{"entity_type", "state", "entity"},
	scan: func(row rowScanner) (StoredConsentRecord, error) {
		var cr StoredConsentRecord
		err := row.Scan(&cr.EntityType, &cr.State, &cr.Entity)
		return cr, err
	},
	bind: func(cr *StoredConsentRecord) []any {
		return []any{cr.EntityType, cr.State, cr.Entity}
	},
}

// SetConsentRecord records a decision, replacing any previous one for the
// same (type, entity).
func (c *DBConn) SetConsentRecord(ctx context.Context, cr *StoredConsentRecord) error {
	_, err := c.execContext(ctx, `
		INSERT INTO consent_records (entity_type, state, entity)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity) DO UPDATE SET state = excluded.state`,
		cr.EntityType, cr.State, cr.Entity)
	if err != nil {
		return fmt.Errorf("setting consent record: %w", err)
	}
	return nil
}

// GetConsentRecord returns the decision for (type, entity), or Unknown when
// none was recorded.
func (c *DBConn) GetConsentRecord(ctx context.Context, entityType ConsentType, entity string) (ConsentState, error) {
	query := fmt.Sprintf("SELECT %s FROM consent_records WHERE entity_type = ? AND entity = ?",
		consentTable.selectCols())
	records, err := consentTable.queryList(ctx, c, query, entityType, entity)
	if err != nil {
		return ConsentStateUnknown, err
	}
	if len(records) == 0 {
		return ConsentStateUnknown, nil
	}
	return records[0].State, nil
}
