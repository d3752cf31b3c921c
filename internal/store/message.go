// ABOUTME: StoredGroupMessage, the decrypted message log for a group
// ABOUTME: Duplicate delivery is benign here, absorbed by store-or-ignore

package store

import (
	"context"
	"database/sql/driver"
	"fmt"
)

// GroupMessageKind distinguishes user payloads from membership changes.
type GroupMessageKind int32

const (
	GroupMessageKindApplication      GroupMessageKind = 1
	GroupMessageKindMembershipChange GroupMessageKind = 2
)

func (k GroupMessageKind) Value() (driver.Value, error) {
	switch k {
	case GroupMessageKindApplication, GroupMessageKindMembershipChange:
		return int64(k), nil
	}
	return nil, fmt.Errorf("invalid message kind %d", int32(k))
}

func (k *GroupMessageKind) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("message kind: unexpected column type %T", src)
	}
	switch GroupMessageKind(code) {
	case GroupMessageKindApplication, GroupMessageKindMembershipChange:
		*k = GroupMessageKind(code)
		return nil
	}
	return fmt.Errorf("unrecognized message kind %d", code)
}

// DeliveryStatus tracks an outbound message through publishing.
type DeliveryStatus int32

const (
	DeliveryStatusUnpublished DeliveryStatus = 1
	DeliveryStatusPublished   DeliveryStatus = 2
	DeliveryStatusFailed      DeliveryStatus = 3
)

func (s DeliveryStatus) Value() (driver.Value, error) {
	switch s {
	case DeliveryStatusUnpublished, DeliveryStatusPublished, DeliveryStatusFailed:
		return int64(s), nil
	}
	return nil, fmt.Errorf("invalid delivery status %d", int32(s))
}

func (s *DeliveryStatus) Scan(src any) error {
	code, ok := src.(int64)
	if !ok {
		return fmt.Errorf("delivery status: unexpected column type %T", src)
	}
	switch DeliveryStatus(code) {
	case DeliveryStatusUnpublished, DeliveryStatusPublished, DeliveryStatusFailed:
		*s = DeliveryStatus(code)
		return nil
	}
	return fmt.Errorf("unrecognized delivery status %d", code)
}

// StoredGroupMessage is one decrypted message belonging to a group.
type StoredGroupMessage struct {
	ID                    []byte
	GroupID               []byte
	DecryptedMessageBytes []byte
	SentAtNs              int64
	Kind                  GroupMessageKind
	SenderInstallationID  []byte
	SenderInboxID         string
	DeliveryStatus        DeliveryStatus
}

var messagesTable = &table[StoredGroupMessage, []byte]{
	name:   "group_messages",
	keyCol: "id",
	cols: []string{
		"id", "group_id", "decrypted_message_bytes", "sent_at_ns", "kind",
		"sender_installation_id", "sender_inbox_id", "delivery_status",
	},
	scan: func(row rowScanner) (StoredGroupMessage, error) {
		var m StoredGroupMessage
		err := row.Scan(&m.ID, &m.GroupID, &m.DecryptedMessageBytes, &m.SentAtNs,
			&m.Kind, &m.SenderInstallationID, &m.SenderInboxID, &m.DeliveryStatus)
		return m, err
	},
	bind: func(m *StoredGroupMessage) []any {
		return []any{m.ID, m.GroupID, m.DecryptedMessageBytes, m.SentAtNs,
			m.Kind, m.SenderInstallationID, m.SenderInboxID, m.DeliveryStatus}
	},
}

// StoreGroupMessage inserts the message, failing on a duplicate id.
func (c *DBConn) StoreGroupMessage(ctx context.Context, m *StoredGroupMessage) error {
	return messagesTable.store(ctx, c, m)
}

// StoreGroupMessageOrIgnore inserts the message, treating redelivery of an
// already-stored id as a no-op.
func (c *DBConn) StoreGroupMessageOrIgnore(ctx context.Context, m *StoredGroupMessage) error {
	return messagesTable.storeOrIgnore(ctx, c, m)
}

// GetGroupMessageByID returns the message with the given id, or nil.
func (c *DBConn) GetGroupMessageByID(ctx context.Context, id []byte) (*StoredGroupMessage, error) {
	return messagesTable.fetch(ctx, c, id)
}

// MessagesFilter narrows GetGroupMessages. Zero-valued fields are not applied.
type MessagesFilter struct {
	SentAfterNs  int64
	SentBeforeNs int64
	Kind         *GroupMessageKind
	Status       *DeliveryStatus
	Limit        int64
}

// GetGroupMessages returns a group's messages ordered by send time ascending.
func (c *DBConn) GetGroupMessages(ctx context.Context, groupID []byte, f MessagesFilter) ([]StoredGroupMessage, error) {
	query := fmt.Sprintf("SELECT %s FROM group_messages WHERE group_id = ?", messagesTable.selectCols())
	args := []any{groupID}

	if f.SentAfterNs > 0 {
		query += " AND sent_at_ns > ?"
		args = append(args, f.SentAfterNs)
	}
	if f.SentBeforeNs > 0 {
		query += " AND sent_at_ns < ?"
		args = append(args, f.SentBeforeNs)
	}
	if f.Kind != nil {
		query += " AND kind = ?"
		args = append(args, *f.Kind)
	}
	if f.Status != nil {
		query += " AND delivery_status = ?"
		args = append(args, *f.Status)
	}
	query += " ORDER BY sent_at_ns ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return messagesTable.queryList(ctx, c, query, args...)
}

// SetDeliveryStatusToPublished marks an unpublished message as delivered.
func (c *DBConn) SetDeliveryStatusToPublished(ctx context.Context, id []byte) error {
	return c.setDeliveryStatus(ctx, id, DeliveryStatusPublished)
}

// SetDeliveryStatusToFailed marks an unpublished message as failed.
func (c *DBConn) SetDeliveryStatusToFailed(ctx context.Context, id []byte) error {
	return c.setDeliveryStatus(ctx, id, DeliveryStatusFailed)
}

func (c *DBConn) setDeliveryStatus(ctx context.Context, id []byte, status DeliveryStatus) error {
	res, err := c.execContext(ctx,
		"UPDATE group_messages SET delivery_status = ? WHERE id = ? AND delivery_status = ?",
		status, id, DeliveryStatusUnpublished)
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating delivery status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("unpublished message: %w", ErrNotFound)
	}
	return nil
}
