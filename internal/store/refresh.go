// ABOUTME: RefreshState, the per-entity server cursor for incremental sync
// ABOUTME: Cursors only ever move forward; stale updates report false, not error

package store

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// EntityKind names what a refresh cursor tracks.
type EntityKind int32

const (
	EntityKindWelcome EntityKind = 1
	EntityKindGroup   EntityKind = 2
)

func (k EntityKind) Value() (driver.Value, error) {
	switch k {
	case EntityKindWelcome, EntityKindGroup:
		return int64(k), nil
	}
	return nil, fmt.Errorf("invalid entity kind %d", int32(k))
}

func (k *EntityKind) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("entity kind: unexpected column type %T", src)
	}
	switch EntityKind(code) {
	case EntityKindWelcome, EntityKindGroup:
		*k = EntityKind(code)
		return nil
	}
	return fmt.Errorf("unrecognized entity kind %d", code)
}

// RefreshState records how far the local store has caught up with the server
// stream for one entity.
type RefreshState struct {
	EntityID   []byte
	EntityKind EntityKind
	Cursor     int64
}

var refreshTable = &table[RefreshState, []byte]{
	name:   "refresh_state",
	keyCol: "entity_id",
	cols:   []string{"entity_id", "entity_kind", "cursor"},
	scan: func(row rowScanner) (RefreshState, error) {
		var rs RefreshState
		err := row.Scan(&rs.EntityID, &rs.EntityKind, &rs.Cursor)
		return rs, err
	},
	bind: func(rs *RefreshState) []any {
		return []any{rs.EntityID, rs.EntityKind, rs.Cursor}
	},
}

// GetRefreshState returns the cursor row for (entityID, kind), or nil.
func (c *DBConn) GetRefreshState(ctx context.Context, entityID []byte, kind EntityKind) (*RefreshState, error) {
	query := fmt.Sprintf("SELECT %s FROM refresh_state WHERE entity_id = ? AND entity_kind = ?",
		refreshTable.selectCols())
	states, err := refreshTable.queryList(ctx, c, query, entityID, kind)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

// GetLastCursor returns the cursor for (entityID, kind), creating a zero
// cursor on first use.
func (c *DBConn) GetLastCursor(ctx context.Context, entityID []byte, kind EntityKind) (int64, error) {
	state, err := c.GetRefreshState(ctx, entityID, kind)
	if err != nil {
		return 0, err
	}
	if state != nil {
		return state.Cursor, nil
	}

	fresh := &RefreshState{EntityID: entityID, EntityKind: kind, Cursor: 0}
	if err := refreshTable.storeOrIgnore(ctx, c, fresh); err != nil {
		return 0, err
	}
	return 0, nil
}

// UpdateCursor advances the cursor and reports whether it moved. A cursor
// never moves backward: stale updates return false with no write.
func (c *DBConn) UpdateCursor(ctx context.Context, entityID []byte, kind EntityKind, cursor int64) (bool, error) {
	res, err := c.execContext(ctx,
		"UPDATE refresh_state SET cursor = ? WHERE entity_id = ? AND entity_kind = ? AND cursor < ?",
		cursor, entityID, kind, cursor)
	if err != nil {
		return false, fmt.Errorf("updating cursor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating cursor: %w", err)
	}
	return affected == 1, nil
}
