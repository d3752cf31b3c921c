// ABOUTME: StoredGroup entity, membership/purpose state codecs, and group queries
// ABOUTME: InsertOrReplaceGroup carries the idempotent welcome-application protocol

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"
)

// MembershipState is the local member's access status for a group. The
// integer codes are part of the persisted format and must never be renumbered.
type MembershipState int32

const (
	MembershipStateAllowed  MembershipState = 1
	MembershipStateRejected MembershipState = 2
	MembershipStatePending  MembershipState = 3
)

func (s MembershipState) Value() (driver.Value, error) {
	switch s {
	case MembershipStateAllowed, MembershipStateRejected, MembershipStatePending:
		return int64(s), nil
	}
	return nil, fmt.Errorf("invalid membership state %d", int32(s))
}

func (s *MembershipState) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("membership state: unexpected column type %T", src)
	}
	switch MembershipState(code) {
	case MembershipStateAllowed, MembershipStateRejected, MembershipStatePending:
		*s = MembershipState(code)
		return nil
	}
	return fmt.Errorf("unrecognized membership state %d", code)
}

// Purpose partitions groups into user-facing conversations and
// protocol-internal history-sync channels.
type Purpose int32

const (
	PurposeConversation Purpose = 1
	PurposeSync         Purpose = 2
)

func (p Purpose) Value() (driver.Value, error) {
	switch p {
	case PurposeConversation, PurposeSync:
		return int64(p), nil
	}
	return nil, fmt.Errorf("invalid group purpose %d", int32(p))
}

func (p *Purpose) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("group purpose: unexpected column type %T", src)
	}
	switch Purpose(code) {
	case PurposeConversation, PurposeSync:
		*p = Purpose(code)
		return nil
	}
	return fmt.Errorf("unrecognized group purpose %d", code)
}

// StoredGroup is one group conversation the local member belongs to.
type StoredGroup struct {
	// ID is the opaque identifier generated by the group creator.
	ID []byte
	// CreatedAtNs is immutable once written.
	CreatedAtNs     int64
	MembershipState MembershipState
	// InstallationsLastChecked tracks the last device-list refresh; 0 means
	// never checked.
	InstallationsLastChecked int64
	Purpose                  Purpose
	// AddedByInboxID is who added the local member; empty for self-created
	// sync groups.
	AddedByInboxID string
	// WelcomeID is set iff the group originated from an invitation.
	WelcomeID *int64
	// DmInboxID marks the group as a 1:1 conversation with that inbox.
	DmInboxID *string
	// DmID is the normalized "dm:<target>:<local>" identifier derived from
	// DmInboxID.
	DmID *string
}

// NewGroup creates a self-created conversation group.
func NewGroup(id []byte, createdAtNs int64, state MembershipState, addedByInboxID string, dmInboxID *string) *StoredGroup {
	return &StoredGroup{
		ID:              id,
		CreatedAtNs:     createdAtNs,
		MembershipState: state,
		Purpose:         PurposeConversation,
		AddedByInboxID:  addedByInboxID,
		DmInboxID:       dmInboxID,
	}
}

// NewGroupFromWelcome creates a group derived from an invitation message.
func NewGroupFromWelcome(id []byte, createdAtNs int64, state MembershipState, addedByInboxID string, welcomeID int64, purpose Purpose, dmInboxID *string) *StoredGroup {
	return &StoredGroup{
		ID:              id,
		CreatedAtNs:     createdAtNs,
		MembershipState: state,
		Purpose:         purpose,
		AddedByInboxID:  addedByInboxID,
		WelcomeID:       &welcomeID,
		DmInboxID:       dmInboxID,
	}
}

// NewDMGroup creates a 1:1 conversation with the derived dm id filled in.
func NewDMGroup(id []byte, createdAtNs int64, state MembershipState, addedByInboxID, dmInboxID, localInboxID string) *StoredGroup {
	dmID := fmt.Sprintf("dm:%s:%s", dmInboxID, localInboxID)
	g := NewGroup(id, createdAtNs, state, addedByInboxID, &dmInboxID)
	g.DmID = &dmID
	return g
}

// NewSyncGroup creates a protocol-internal history-sync group.
func NewSyncGroup(id []byte, createdAtNs int64, state MembershipState) *StoredGroup {
	return &StoredGroup{
		ID:              id,
		CreatedAtNs:     createdAtNs,
		MembershipState: state,
		Purpose:         PurposeSync,
	}
}

var groupsTable = &table[StoredGroup, []byte]{
	name:   "groups",
	keyCol: "id",
	cols: []string{
		"id", "created_at_ns", "membership_state", "installations_last_checked",
		"added_by_inbox_id", "welcome_id", "purpose", "dm_inbox_id", "dm_id",
	},
	scan: scanGroup,
	bind: func(g *StoredGroup) []any {
		return []any{
			g.ID, g.CreatedAtNs, g.MembershipState, g.InstallationsLastChecked,
			g.AddedByInboxID, nullableInt64(g.WelcomeID), g.Purpose,
			nullableString(g.DmInboxID), nullableString(g.DmID),
		}
	},
}

func scanGroup(row rowScanner) (StoredGroup, error) {
	var g StoredGroup
	var welcomeID sql.NullInt64
	var dmInboxID, dmID sql.NullString

	err := row.Scan(
		&g.ID, &g.CreatedAtNs, &g.MembershipState, &g.InstallationsLastChecked,
		&g.AddedByInboxID, &welcomeID, &g.Purpose, &dmInboxID, &dmID,
	)
	if err != nil {
		return g, err
	}

	if welcomeID.Valid {
		g.WelcomeID = &welcomeID.Int64
	}
	if dmInboxID.Valid {
		g.DmInboxID = &dmInboxID.String
	}
	if dmID.Valid {
		g.DmID = &dmID.String
	}
	return g, nil
}

// StoreGroup inserts the group, failing on a duplicate id.
func (c *DBConn) StoreGroup(ctx context.Context, g *StoredGroup) error {
	return groupsTable.store(ctx, c, g)
}

// FetchGroup returns the group with the given id, or nil if absent.
func (c *DBConn) FetchGroup(ctx context.Context, id []byte) (*StoredGroup, error) {
	return groupsTable.fetch(ctx, c, id)
}

// GroupFilter narrows FindGroups. Zero-valued fields are not applied.
type GroupFilter struct {
	AllowedStates   []MembershipState
	CreatedAfterNs  int64
	CreatedBeforeNs int64
	Limit           int64
	// IncludeDM adds 1:1 conversations, which default listings exclude.
	IncludeDM bool
}

// FindGroups returns conversation-purpose groups ordered by creation time
// ascending. Sync groups are always excluded regardless of filters.
func (c *DBConn) FindGroups(ctx context.Context, f GroupFilter) ([]StoredGroup, error) {
	query := fmt.Sprintf("SELECT %s FROM groups WHERE purpose = ?", groupsTable.selectCols())
	args := []any{PurposeConversation}

	if len(f.AllowedStates) > 0 {
		query += " AND membership_state IN ("
		for i, state := range f.AllowedStates {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, state)
		}
		query += ")"
	}
	if f.CreatedAfterNs > 0 {
		query += " AND created_at_ns > ?"
		args = append(args, f.CreatedAfterNs)
	}
	if f.CreatedBeforeNs > 0 {
		query += " AND created_at_ns < ?"
		args = append(args, f.CreatedBeforeNs)
	}
	if !f.IncludeDM {
		query += " AND dm_inbox_id IS NULL"
	}
	query += " ORDER BY created_at_ns ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return groupsTable.queryList(ctx, c, query, args...)
}

// FindSyncGroups returns only the sync-purpose groups.
func (c *DBConn) FindSyncGroups(ctx context.Context) ([]StoredGroup, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM groups WHERE purpose = ? ORDER BY created_at_ns ASC",
		groupsTable.selectCols())
	return groupsTable.queryList(ctx, c, query, PurposeSync)
}

// FindGroup returns the single group matching id, or nil.
func (c *DBConn) FindGroup(ctx context.Context, id []byte) (*StoredGroup, error) {
	return groupsTable.fetch(ctx, c, id)
}

// FindGroupByWelcomeID returns the group created by the given welcome.
// Welcome ids are expected unique; if more than one row matches, the anomaly
// is logged and the earliest-created row wins rather than failing the call.
func (c *DBConn) FindGroupByWelcomeID(ctx context.Context, welcomeID int64) (*StoredGroup, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM groups WHERE welcome_id = ? ORDER BY created_at_ns ASC",
		groupsTable.selectCols())

	groups, err := groupsTable.queryList(ctx, c, query, welcomeID)
	if err != nil {
		return nil, err
	}
	if len(groups) > 1 {
		c.log.Error("more than one group found for welcome id", "welcome_id", welcomeID, "count", len(groups))
	}
	if len(groups) == 0 {
		return nil, nil
	}
	return &groups[0], nil
}

// UpdateGroupMembership overwrites the membership state unconditionally.
// Legal-transition validation is the caller's responsibility.
func (c *DBConn) UpdateGroupMembership(ctx context.Context, id []byte, state MembershipState) error {
	_, err := c.execContext(ctx, "UPDATE groups SET membership_state = ? WHERE id = ?", state, id)
	if err != nil {
		return fmt.Errorf("updating group membership: %w", err)
	}
	return nil
}

// GetInstallationsTimeChecked returns the last device-list refresh timestamp.
func (c *DBConn) GetInstallationsTimeChecked(ctx context.Context, id []byte) (int64, error) {
	var ts int64
	err := c.raw(func(rc rawConn) error {
		return rc.QueryRowContext(ctx,
			"SELECT installations_last_checked FROM groups WHERE id = ?", id).Scan(&ts)
	})
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("installation time for group %s: %w", hex.EncodeToString(id), ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading installations time checked: %w", err)
	}
	return ts, nil
}

// UpdateInstallationsTimeChecked sets the device-list refresh timestamp to now.
func (c *DBConn) UpdateInstallationsTimeChecked(ctx context.Context, id []byte) error {
	_, err := c.execContext(ctx,
		"UPDATE groups SET installations_last_checked = ? WHERE id = ?",
		time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("updating installations time checked: %w", err)
	}
	return nil
}

// InsertOrReplaceGroup applies a welcome idempotently:
//
//  1. Plain insert with conflicts ignored. If a row was written, return it.
//  2. Otherwise load the existing row with the same id. If its welcome id
//     equals the candidate's, this is a duplicate delivery of the same
//     welcome: fail with DuplicateWelcomeError so an enclosing transaction
//     unwinds any dependent cryptographic state written for this welcome.
//  3. A differing welcome id means the group id collided with a different
//     group; return the existing row untouched.
//
// Run this inside a transaction whenever sibling writes depend on its
// outcome — step 2's failure is only safe if it can roll those back.
func (c *DBConn) InsertOrReplaceGroup(ctx context.Context, g *StoredGroup) (*StoredGroup, error) {
	c.log.Debug("trying to insert group", "group_id", hex.EncodeToString(g.ID))

	query := fmt.Sprintf("INSERT OR IGNORE INTO groups (%s) VALUES (?,?,?,?,?,?,?,?,?)",
		groupsTable.selectCols())
	res, err := c.execContext(ctx, query, groupsTable.bind(g)...)
	if err != nil {
		return nil, fmt.Errorf("inserting group: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("inserting group: %w", err)
	}

	stored, err := groupsTable.fetch(ctx, c, g.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("group vanished after insert: %w", ErrNotFound)
	}

	if inserted == 1 {
		c.log.Debug("group inserted", "group_id", hex.EncodeToString(g.ID))
		return stored, nil
	}

	if welcomeIDEqual(stored.WelcomeID, g.WelcomeID) {
		// Same welcome delivered twice. Fail so an enclosing transaction
		// rolls back dependent writes instead of ratcheting the same commit
		// a second time.
		c.log.Debug("group welcome id already exists", "group_id", hex.EncodeToString(g.ID))
		return nil, &DuplicateWelcomeError{WelcomeID: stored.WelcomeID}
	}

	c.log.Debug("group already exists", "group_id", hex.EncodeToString(g.ID))
	return stored, nil
}

func welcomeIDEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
