// ABOUTME: StoredIntent, a staged cryptographic commit/proposal for a group
// ABOUTME: State moves are guarded UPDATEs so illegal transitions surface as NotFound

package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
)

// IntentKind is the kind of staged protocol operation.
type IntentKind int32

const (
	IntentKindSendMessage           IntentKind = 1
	IntentKindKeyUpdate             IntentKind = 2
	IntentKindMetadataUpdate        IntentKind = 3
	IntentKindUpdateGroupMembership IntentKind = 4
	IntentKindUpdateAdminList       IntentKind = 5
	IntentKindUpdatePermission      IntentKind = 6
)

func (k IntentKind) Value() (driver.Value, error) {
	if k < IntentKindSendMessage || k > IntentKindUpdatePermission {
		return nil, fmt.Errorf("invalid intent kind %d", int32(k))
	}
	return int64(k), nil
}

func (k *IntentKind) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("intent kind: unexpected column type %T", src)
	}
	kind := IntentKind(code)
	if kind < IntentKindSendMessage || kind > IntentKindUpdatePermission {
		return fmt.Errorf("unrecognized intent kind %d", code)
	}
	*k = kind
	return nil
}

// IntentState tracks an intent through publish and commit.
type IntentState int32

const (
	IntentStateToPublish IntentState = 1
	IntentStatePublished IntentState = 2
	IntentStateCommitted IntentState = 3
	IntentStateError     IntentState = 4
)

func (s IntentState) Value() (driver.Value, error) {
	if s < IntentStateToPublish || s > IntentStateError {
		return nil, fmt.Errorf("invalid intent state %d", int32(s))
	}
	return int64(s), nil
}

func (s *IntentState) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("intent state: unexpected column type %T", src)
	}
	state := IntentState(code)
	if state < IntentStateToPublish || state > IntentStateError {
		return fmt.Errorf("unrecognized intent state %d", code)
	}
	*s = state
	return nil
}

// StoredIntent is one staged, not-yet-confirmed commit or proposal belonging
// to a group. Intents are ordered by their autoincrement id.
type StoredIntent struct {
	ID              int32
	Kind            IntentKind
	GroupID         []byte
	Data            []byte
	State           IntentState
	PayloadHash     []byte
	PostCommitData  []byte
	PublishAttempts int32
}

var intentsTable = &table[StoredIntent, int32]{
	name:   "group_intents",
	keyCol: "id",
	cols: []string{
		"id", "kind", "group_id", "data", "state",
		"payload_hash", "post_commit_data", "publish_attempts",
	},
	scan: func(row rowScanner) (StoredIntent, error) {
		var in StoredIntent
		err := row.Scan(&in.ID, &in.Kind, &in.GroupID, &in.Data, &in.State,
			&in.PayloadHash, &in.PostCommitData, &in.PublishAttempts)
		return in, err
	},
	bind: func(in *StoredIntent) []any {
		return []any{in.ID, in.Kind, in.GroupID, in.Data, in.State,
			in.PayloadHash, in.PostCommitData, in.PublishAttempts}
	},
}

// InsertGroupIntent stages a new intent in the ToPublish state and returns it
// with its assigned id.
func (c *DBConn) InsertGroupIntent(ctx context.Context, kind IntentKind, groupID, data []byte) (*StoredIntent, error) {
	res, err := c.execContext(ctx,
		"INSERT INTO group_intents (kind, group_id, data, state) VALUES (?, ?, ?, ?)",
		kind, groupID, data, IntentStateToPublish)
	if err != nil {
		return nil, fmt.Errorf("inserting group intent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting group intent: %w", err)
	}
	return &StoredIntent{
		ID:      int32(id),
		Kind:    kind,
		GroupID: groupID,
		Data:    data,
		State:   IntentStateToPublish,
	}, nil
}

// FetchIntent returns the intent with the given id, or nil.
func (c *DBConn) FetchIntent(ctx context.Context, id int32) (*StoredIntent, error) {
	return intentsTable.fetch(ctx, c, id)
}

// FindGroupIntents returns a group's intents ordered by id, optionally
// narrowed to the given states and kinds.
func (c *DBConn) FindGroupIntents(ctx context.Context, groupID []byte, states []IntentState, kinds []IntentKind) ([]StoredIntent, error) {
	query := fmt.Sprintf("SELECT %s FROM group_intents WHERE group_id = ?", intentsTable.selectCols())
	args := []any{groupID}

	if len(states) > 0 {
		query += " AND state IN (" + placeholders(len(states)) + ")"
		for _, s := range states {
			args = append(args, s)
		}
	}
	if len(kinds) > 0 {
		query += " AND kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += " ORDER BY id ASC"

	return intentsTable.queryList(ctx, c, query, args...)
}

// SetGroupIntentPublished moves a ToPublish intent to Published, recording the
// payload hash and any post-commit data. Fails with ErrNotFound if the intent
// is missing or not in ToPublish.
func (c *DBConn) SetGroupIntentPublished(ctx context.Context, id int32, payloadHash, postCommitData []byte) error {
	return c.moveIntent(ctx,
		"UPDATE group_intents SET state = ?, payload_hash = ?, post_commit_data = ? WHERE id = ? AND state = ?",
		IntentStatePublished, payloadHash, postCommitData, id, IntentStateToPublish)
}

// SetGroupIntentCommitted moves a Published intent to Committed.
func (c *DBConn) SetGroupIntentCommitted(ctx context.Context, id int32) error {
	return c.moveIntent(ctx,
		"UPDATE group_intents SET state = ? WHERE id = ? AND state = ?",
		IntentStateCommitted, id, IntentStatePublished)
}

// SetGroupIntentToPublish returns a Published intent to ToPublish, clearing
// publish bookkeeping so it can be rebuilt and sent again.
func (c *DBConn) SetGroupIntentToPublish(ctx context.Context, id int32) error {
	return c.moveIntent(ctx,
		"UPDATE group_intents SET state = ?, payload_hash = NULL, post_commit_data = NULL WHERE id = ? AND state = ?",
		IntentStateToPublish, id, IntentStatePublished)
}

// SetGroupIntentError marks an intent failed, from any state.
func (c *DBConn) SetGroupIntentError(ctx context.Context, id int32) error {
	return c.moveIntent(ctx,
		"UPDATE group_intents SET state = ? WHERE id = ?",
		IntentStateError, id)
}

// IncrementIntentPublishAttempts bumps the publish counter.
func (c *DBConn) IncrementIntentPublishAttempts(ctx context.Context, id int32) error {
	return c.moveIntent(ctx,
		"UPDATE group_intents SET publish_attempts = publish_attempts + 1 WHERE id = ?", id)
}

// DeleteGroupIntent removes an intent once its outcome is fully processed.
func (c *DBConn) DeleteGroupIntent(ctx context.Context, id int32) error {
	return c.moveIntent(ctx, "DELETE FROM group_intents WHERE id = ?", id)
}

func (c *DBConn) moveIntent(ctx context.Context, query string, args ...any) error {
	res, err := c.execContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating group intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating group intent: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("intent in expected state: %w", ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
