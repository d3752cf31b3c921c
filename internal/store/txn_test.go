// ABOUTME: Tests for the transaction coordinator and its retrying variant
// ABOUTME: Covers rollback semantics, exclusivity enforcement, and retry classification

package store

import (
	"context"
	"errors"
	"testing"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_Commit(t *testing.T) {
	ctx, conn := newTestConn(t)

	err := conn.Transaction(ctx, func(c *DBConn) error {
		return c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil))
	})
	require.NoError(t, err)

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	require.NotNil(t, got, "committed group should be visible")
}

func TestTransaction_RollbackOnError(t *testing.T) {
	ctx, conn := newTestConn(t)

	boom := errors.New("boom")
	err := conn.Transaction(ctx, func(c *DBConn) error {
		if err := c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom, "work error must come back unchanged")

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	assert.Nil(t, got, "rolled-back write must not be visible")
}

func TestTransaction_BrokenRollbackDoesNotMaskError(t *testing.T) {
	ctx, conn := newTestConn(t)

	boom := errors.New("boom")
	err := conn.Transaction(ctx, func(c *DBConn) error {
		// Tear the transaction down under the coordinator, so its own
		// rollback finds no transaction active.
		if _, err := c.execContext(ctx, "ROLLBACK"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom, "broken transaction manager must not mask the original error")
}

func TestTransactionContext_Commit(t *testing.T) {
	ctx, conn := newTestConn(t)

	err := conn.TransactionContext(ctx, func(ctx context.Context, c *DBConn) error {
		return c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil))
	})
	require.NoError(t, err)

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestTransactionContext_RollbackOnError(t *testing.T) {
	ctx, conn := newTestConn(t)

	boom := errors.New("boom")
	err := conn.TransactionContext(ctx, func(ctx context.Context, c *DBConn) error {
		if err := c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransactionContext_LeakedAlias(t *testing.T) {
	ctx, conn := newTestConn(t)

	var leaked *DBConn
	err := conn.TransactionContext(ctx, func(ctx context.Context, c *DBConn) error {
		if err := c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil)); err != nil {
			return err
		}
		leaked = c.Retain()
		return nil
	})
	require.ErrorIs(t, err, ErrConnShared)
	leaked.Release()

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	assert.Nil(t, got, "transaction with a leaked alias must not commit")
}

func TestTransactionContext_LeakedAliasKeepsWorkError(t *testing.T) {
	ctx, conn := newTestConn(t)

	boom := errors.New("boom")
	var leaked *DBConn
	err := conn.TransactionContext(ctx, func(ctx context.Context, c *DBConn) error {
		leaked = c.Retain()
		return boom
	})
	require.ErrorIs(t, err, ErrConnShared)
	assert.Contains(t, err.Error(), "boom", "work error should be carried alongside the exclusivity breach")
	leaked.Release()
}

func TestTransactionContext_ReleasedAliasCommits(t *testing.T) {
	ctx, conn := newTestConn(t)

	err := conn.TransactionContext(ctx, func(ctx context.Context, c *DBConn) error {
		alias := c.Retain()
		defer alias.Release()
		return alias.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil))
	})
	require.NoError(t, err)

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestTransaction_SecondWriterFailsFast(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	conn1, err := s.Conn(ctx)
	require.NoError(t, err)
	defer conn1.Close()

	conn2, err := s.Conn(ctx)
	require.NoError(t, err)
	defer conn2.Close()

	err = conn1.Transaction(ctx, func(c *DBConn) error {
		if err := c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil)); err != nil {
			return err
		}

		// A competing writer must fail immediately, not block.
		err := conn2.Transaction(ctx, func(c2 *DBConn) error {
			return c2.StoreGroup(ctx, NewGroup([]byte("group-2"), 2000, MembershipStateAllowed, "adder", nil))
		})
		require.Error(t, err)
		assert.True(t, IsRetryable(err), "writer contention should be classified retryable, got: %v", err)
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionWithRetry_RecoversFromTransientBusy(t *testing.T) {
	ctx, conn := newTestConn(t)

	attempts := 0
	err := conn.TransactionWithRetry(ctx, DefaultRetryPolicy(), func(ctx context.Context, c *DBConn) error {
		attempts++
		if attempts == 1 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return c.StoreGroup(ctx, NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestTransactionWithRetry_NonRetryableSingleAttempt(t *testing.T) {
	ctx, conn := newTestConn(t)

	boom := errors.New("boom")
	attempts := 0
	err := conn.TransactionWithRetry(ctx, DefaultRetryPolicy(), func(ctx context.Context, c *DBConn) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
}

func TestTransactionWithRetry_ExhaustsAttempts(t *testing.T) {
	ctx, conn := newTestConn(t)

	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: 1, MaxInterval: 1}
	attempts := 0
	err := conn.TransactionWithRetry(ctx, policy, func(ctx context.Context, c *DBConn) error {
		attempts++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "final error should still be the busy condition")
	assert.Equal(t, 3, attempts)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsRetryable(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, IsRetryable(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}

func TestInsertOrReplaceGroup_DuplicateRollsBackSiblingWrites(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStatePending,
		"adder", 42, PurposeConversation, nil)
	_, err := conn.InsertOrReplaceGroup(ctx, g)
	require.NoError(t, err)

	// Reapplying the same welcome inside a transaction must unwind the
	// dependent writes made alongside it.
	err = conn.TransactionContext(ctx, func(ctx context.Context, c *DBConn) error {
		if err := c.StoreGroupMessage(ctx, &StoredGroupMessage{
			ID:                    []byte("msg-1"),
			GroupID:               []byte("group-1"),
			DecryptedMessageBytes: []byte("hello"),
			SentAtNs:              1500,
			Kind:                  GroupMessageKindMembershipChange,
			SenderInstallationID:  []byte("install-1"),
			SenderInboxID:         "adder",
			DeliveryStatus:        DeliveryStatusPublished,
		}); err != nil {
			return err
		}
		_, err := c.InsertOrReplaceGroup(ctx, g)
		return err
	})
	require.True(t, IsDuplicateWelcome(err))

	msg, err := conn.GetGroupMessageByID(ctx, []byte("msg-1"))
	require.NoError(t, err)
	assert.Nil(t, msg, "sibling write must be rolled back with the duplicate welcome")
}
