// ABOUTME: Tests for StoredGroup queries, state codecs, and welcome application
// ABOUTME: Covers filter semantics, sync/DM exclusion, and duplicate welcomes

package store

import (
	"errors"
	"fmt"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestStoreGroup_FetchRoundTrip(t *testing.T) {
	ctx, conn := newTestConn(t)

	welcomeID := int64(42)
	g := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStatePending,
		"adder-inbox", welcomeID, PurposeConversation, strPtr("dm-target"))

	if err := conn.StoreGroup(ctx, g); err != nil {
		t.Fatalf("StoreGroup() error = %v", err)
	}

	got, err := conn.FetchGroup(ctx, []byte("group-1"))
	if err != nil {
		t.Fatalf("FetchGroup() error = %v", err)
	}
	if got == nil {
		t.Fatal("FetchGroup() = nil, want group")
	}
	if got.CreatedAtNs != 1000 {
		t.Errorf("CreatedAtNs = %d, want 1000", got.CreatedAtNs)
	}
	if got.MembershipState != MembershipStatePending {
		t.Errorf("MembershipState = %d, want Pending", got.MembershipState)
	}
	if got.AddedByInboxID != "adder-inbox" {
		t.Errorf("AddedByInboxID = %q, want %q", got.AddedByInboxID, "adder-inbox")
	}
	if got.WelcomeID == nil || *got.WelcomeID != welcomeID {
		t.Errorf("WelcomeID = %v, want %d", got.WelcomeID, welcomeID)
	}
	if got.DmInboxID == nil || *got.DmInboxID != "dm-target" {
		t.Errorf("DmInboxID = %v, want dm-target", got.DmInboxID)
	}
}

func TestStoreGroup_DuplicateIDFails(t *testing.T) {
	ctx, conn := newTestConn(t)

	seedGroup(t, ctx, conn, []byte("group-1"))

	g := NewGroup([]byte("group-1"), 2000, MembershipStateAllowed, "other", nil)
	if err := conn.StoreGroup(ctx, g); err == nil {
		t.Fatal("StoreGroup() with duplicate id succeeded, want error")
	}
}

func TestFetchGroup_Absent(t *testing.T) {
	ctx, conn := newTestConn(t)

	got, err := conn.FetchGroup(ctx, []byte("missing"))
	if err != nil {
		t.Fatalf("FetchGroup() error = %v", err)
	}
	if got != nil {
		t.Fatalf("FetchGroup() = %+v, want nil for absent id", got)
	}
}

func TestNewDMGroup_DerivesDmID(t *testing.T) {
	g := NewDMGroup([]byte("group-1"), 1000, MembershipStateAllowed,
		"adder", "target-inbox", "local-inbox")

	if g.DmID == nil || *g.DmID != "dm:target-inbox:local-inbox" {
		t.Fatalf("DmID = %v, want dm:target-inbox:local-inbox", g.DmID)
	}
	if g.DmInboxID == nil || *g.DmInboxID != "target-inbox" {
		t.Fatalf("DmInboxID = %v, want target-inbox", g.DmInboxID)
	}
}

func TestFindGroups_ExcludesSyncAndDM(t *testing.T) {
	ctx, conn := newTestConn(t)

	seedGroup(t, ctx, conn, []byte("conv-1"))

	sync := NewSyncGroup([]byte("sync-1"), 1100, MembershipStateAllowed)
	if err := conn.StoreGroup(ctx, sync); err != nil {
		t.Fatalf("StoreGroup(sync) error = %v", err)
	}

	dm := NewDMGroup([]byte("dm-1"), 1200, MembershipStateAllowed, "adder", "target", "local")
	if err := conn.StoreGroup(ctx, dm); err != nil {
		t.Fatalf("StoreGroup(dm) error = %v", err)
	}

	groups, err := conn.FindGroups(ctx, GroupFilter{})
	if err != nil {
		t.Fatalf("FindGroups() error = %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("FindGroups() returned %d groups, want 1", len(groups))
	}
	if string(groups[0].ID) != "conv-1" {
		t.Errorf("FindGroups() returned %q, want conv-1", groups[0].ID)
	}

	withDM, err := conn.FindGroups(ctx, GroupFilter{IncludeDM: true})
	if err != nil {
		t.Fatalf("FindGroups(IncludeDM) error = %v", err)
	}
	if len(withDM) != 2 {
		t.Fatalf("FindGroups(IncludeDM) returned %d groups, want 2", len(withDM))
	}
}

func TestFindGroups_Filters(t *testing.T) {
	ctx, conn := newTestConn(t)

	for i, state := range []MembershipState{
		MembershipStateAllowed, MembershipStateRejected, MembershipStatePending,
	} {
		g := NewGroup([]byte(fmt.Sprintf("group-%d", i)), int64(1000+i*100), state, "adder", nil)
		if err := conn.StoreGroup(ctx, g); err != nil {
			t.Fatalf("StoreGroup() error = %v", err)
		}
	}

	byState, err := conn.FindGroups(ctx, GroupFilter{
		AllowedStates: []MembershipState{MembershipStateAllowed, MembershipStatePending},
	})
	if err != nil {
		t.Fatalf("FindGroups(states) error = %v", err)
	}
	if len(byState) != 2 {
		t.Fatalf("FindGroups(states) returned %d groups, want 2", len(byState))
	}

	after, err := conn.FindGroups(ctx, GroupFilter{CreatedAfterNs: 1000})
	if err != nil {
		t.Fatalf("FindGroups(after) error = %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("FindGroups(after 1000) returned %d groups, want 2", len(after))
	}

	before, err := conn.FindGroups(ctx, GroupFilter{CreatedBeforeNs: 1200})
	if err != nil {
		t.Fatalf("FindGroups(before) error = %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("FindGroups(before 1200) returned %d groups, want 2", len(before))
	}

	limited, err := conn.FindGroups(ctx, GroupFilter{Limit: 1})
	if err != nil {
		t.Fatalf("FindGroups(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("FindGroups(limit 1) returned %d groups, want 1", len(limited))
	}
	// Ascending creation order means the limit keeps the oldest.
	if string(limited[0].ID) != "group-0" {
		t.Errorf("FindGroups(limit 1) returned %q, want group-0", limited[0].ID)
	}
}

func TestFindGroups_OrderedByCreation(t *testing.T) {
	ctx, conn := newTestConn(t)

	// Insert out of creation order.
	for _, g := range []*StoredGroup{
		NewGroup([]byte("late"), 3000, MembershipStateAllowed, "adder", nil),
		NewGroup([]byte("early"), 1000, MembershipStateAllowed, "adder", nil),
		NewGroup([]byte("mid"), 2000, MembershipStateAllowed, "adder", nil),
	} {
		if err := conn.StoreGroup(ctx, g); err != nil {
			t.Fatalf("StoreGroup() error = %v", err)
		}
	}

	groups, err := conn.FindGroups(ctx, GroupFilter{})
	if err != nil {
		t.Fatalf("FindGroups() error = %v", err)
	}
	want := []string{"early", "mid", "late"}
	for i, w := range want {
		if string(groups[i].ID) != w {
			t.Errorf("groups[%d] = %q, want %q", i, groups[i].ID, w)
		}
	}
}

func TestFindSyncGroups(t *testing.T) {
	ctx, conn := newTestConn(t)

	seedGroup(t, ctx, conn, []byte("conv-1"))
	sync := NewSyncGroup([]byte("sync-1"), 1100, MembershipStateAllowed)
	if err := conn.StoreGroup(ctx, sync); err != nil {
		t.Fatalf("StoreGroup(sync) error = %v", err)
	}

	groups, err := conn.FindSyncGroups(ctx)
	if err != nil {
		t.Fatalf("FindSyncGroups() error = %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("FindSyncGroups() returned %d groups, want 1", len(groups))
	}
	if string(groups[0].ID) != "sync-1" {
		t.Errorf("FindSyncGroups() returned %q, want sync-1", groups[0].ID)
	}
}

func TestUpdateGroupMembership(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroup([]byte("group-1"), 1000, MembershipStatePending, "adder", nil)
	if err := conn.StoreGroup(ctx, g); err != nil {
		t.Fatalf("StoreGroup() error = %v", err)
	}

	if err := conn.UpdateGroupMembership(ctx, g.ID, MembershipStateAllowed); err != nil {
		t.Fatalf("UpdateGroupMembership() error = %v", err)
	}

	got, err := conn.FetchGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("FetchGroup() error = %v", err)
	}
	if got.MembershipState != MembershipStateAllowed {
		t.Errorf("MembershipState = %d, want Allowed", got.MembershipState)
	}

	// Updates are unconditional: Allowed back to Pending is accepted.
	if err := conn.UpdateGroupMembership(ctx, g.ID, MembershipStatePending); err != nil {
		t.Fatalf("UpdateGroupMembership() reverse error = %v", err)
	}
	got, err = conn.FetchGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("FetchGroup() error = %v", err)
	}
	if got.MembershipState != MembershipStatePending {
		t.Errorf("MembershipState = %d, want Pending", got.MembershipState)
	}
}

func TestInstallationsTimeChecked(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := seedGroup(t, ctx, conn, []byte("group-1"))

	ts, err := conn.GetInstallationsTimeChecked(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetInstallationsTimeChecked() error = %v", err)
	}
	if ts != 0 {
		t.Errorf("initial timestamp = %d, want 0", ts)
	}

	if err := conn.UpdateInstallationsTimeChecked(ctx, g.ID); err != nil {
		t.Fatalf("UpdateInstallationsTimeChecked() error = %v", err)
	}

	ts, err = conn.GetInstallationsTimeChecked(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetInstallationsTimeChecked() error = %v", err)
	}
	if ts == 0 {
		t.Error("timestamp still 0 after update")
	}
}

func TestGetInstallationsTimeChecked_MissingGroup(t *testing.T) {
	ctx, conn := newTestConn(t)

	_, err := conn.GetInstallationsTimeChecked(ctx, []byte("missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetInstallationsTimeChecked() error = %v, want ErrNotFound", err)
	}
}

func TestInsertOrReplaceGroup_FreshInsert(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStatePending,
		"adder", 42, PurposeConversation, nil)

	stored, err := conn.InsertOrReplaceGroup(ctx, g)
	if err != nil {
		t.Fatalf("InsertOrReplaceGroup() error = %v", err)
	}
	if stored == nil || string(stored.ID) != "group-1" {
		t.Fatalf("InsertOrReplaceGroup() = %+v, want the inserted group", stored)
	}
	if stored.WelcomeID == nil || *stored.WelcomeID != 42 {
		t.Errorf("WelcomeID = %v, want 42", stored.WelcomeID)
	}
}

func TestInsertOrReplaceGroup_DuplicateWelcome(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStatePending,
		"adder", 42, PurposeConversation, nil)
	if _, err := conn.InsertOrReplaceGroup(ctx, g); err != nil {
		t.Fatalf("first InsertOrReplaceGroup() error = %v", err)
	}

	// Same group id and same welcome id: the welcome was already applied.
	again := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStatePending,
		"adder", 42, PurposeConversation, nil)
	_, err := conn.InsertOrReplaceGroup(ctx, again)
	if !IsDuplicateWelcome(err) {
		t.Fatalf("second InsertOrReplaceGroup() error = %v, want DuplicateWelcomeError", err)
	}

	var dup *DuplicateWelcomeError
	if !errors.As(err, &dup) {
		t.Fatalf("error %v not a *DuplicateWelcomeError", err)
	}
	if dup.WelcomeID == nil || *dup.WelcomeID != 42 {
		t.Errorf("DuplicateWelcomeError.WelcomeID = %v, want 42", dup.WelcomeID)
	}
}

func TestInsertOrReplaceGroup_DuplicateNilWelcome(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil)
	if _, err := conn.InsertOrReplaceGroup(ctx, g); err != nil {
		t.Fatalf("first InsertOrReplaceGroup() error = %v", err)
	}

	// Both welcome ids nil counts as equal: duplicate.
	again := NewGroup([]byte("group-1"), 1000, MembershipStateAllowed, "adder", nil)
	_, err := conn.InsertOrReplaceGroup(ctx, again)
	if !IsDuplicateWelcome(err) {
		t.Fatalf("InsertOrReplaceGroup() error = %v, want DuplicateWelcomeError", err)
	}
}

func TestInsertOrReplaceGroup_IDCollisionKeepsExisting(t *testing.T) {
	ctx, conn := newTestConn(t)

	existing := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStateAllowed,
		"adder", 42, PurposeConversation, nil)
	if _, err := conn.InsertOrReplaceGroup(ctx, existing); err != nil {
		t.Fatalf("first InsertOrReplaceGroup() error = %v", err)
	}

	// Same group id arriving with a different welcome id: keep the existing row.
	candidate := NewGroupFromWelcome([]byte("group-1"), 2000, MembershipStatePending,
		"other-adder", 99, PurposeConversation, nil)
	stored, err := conn.InsertOrReplaceGroup(ctx, candidate)
	if err != nil {
		t.Fatalf("InsertOrReplaceGroup() error = %v", err)
	}
	if stored.WelcomeID == nil || *stored.WelcomeID != 42 {
		t.Errorf("WelcomeID = %v, want the existing 42", stored.WelcomeID)
	}
	if stored.CreatedAtNs != 1000 {
		t.Errorf("CreatedAtNs = %d, want the existing 1000", stored.CreatedAtNs)
	}
	if stored.AddedByInboxID != "adder" {
		t.Errorf("AddedByInboxID = %q, want the existing adder", stored.AddedByInboxID)
	}
}

func TestFindGroupByWelcomeID(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroupFromWelcome([]byte("group-1"), 1000, MembershipStateAllowed,
		"adder", 42, PurposeConversation, nil)
	if err := conn.StoreGroup(ctx, g); err != nil {
		t.Fatalf("StoreGroup() error = %v", err)
	}

	got, err := conn.FindGroupByWelcomeID(ctx, 42)
	if err != nil {
		t.Fatalf("FindGroupByWelcomeID() error = %v", err)
	}
	if got == nil || string(got.ID) != "group-1" {
		t.Fatalf("FindGroupByWelcomeID() = %+v, want group-1", got)
	}

	absent, err := conn.FindGroupByWelcomeID(ctx, 99)
	if err != nil {
		t.Fatalf("FindGroupByWelcomeID(absent) error = %v", err)
	}
	if absent != nil {
		t.Fatalf("FindGroupByWelcomeID(absent) = %+v, want nil", absent)
	}
}

func TestFindGroupByWelcomeID_AnomalyReturnsEarliest(t *testing.T) {
	ctx, conn := newTestConn(t)

	// Two rows sharing a welcome id should never happen; the query still
	// resolves deterministically to the earliest-created row.
	for _, g := range []*StoredGroup{
		NewGroupFromWelcome([]byte("group-b"), 2000, MembershipStateAllowed, "adder", 42, PurposeConversation, nil),
		NewGroupFromWelcome([]byte("group-a"), 1000, MembershipStateAllowed, "adder", 42, PurposeConversation, nil),
	} {
		if err := conn.StoreGroup(ctx, g); err != nil {
			t.Fatalf("StoreGroup() error = %v", err)
		}
	}

	got, err := conn.FindGroupByWelcomeID(ctx, 42)
	if err != nil {
		t.Fatalf("FindGroupByWelcomeID() error = %v", err)
	}
	if got == nil || string(got.ID) != "group-a" {
		t.Fatalf("FindGroupByWelcomeID() = %+v, want earliest group-a", got)
	}
}

func TestMembershipState_RejectsUnknownCode(t *testing.T) {
	ctx, conn := newTestConn(t)

	seedGroup(t, ctx, conn, []byte("group-1"))

	// Corrupt the row under the codec with a raw write.
	if _, err := conn.execContext(ctx,
		"UPDATE groups SET membership_state = 99 WHERE id = ?", []byte("group-1")); err != nil {
		t.Fatalf("raw update error = %v", err)
	}

	if _, err := conn.FetchGroup(ctx, []byte("group-1")); err == nil {
		t.Fatal("FetchGroup() with unknown membership code succeeded, want decode error")
	}
}

func TestPurpose_RejectsUnknownCode(t *testing.T) {
	ctx, conn := newTestConn(t)

	seedGroup(t, ctx, conn, []byte("group-1"))

	if _, err := conn.execContext(ctx,
		"UPDATE groups SET purpose = 7 WHERE id = ?", []byte("group-1")); err != nil {
		t.Fatalf("raw update error = %v", err)
	}

	if _, err := conn.FetchGroup(ctx, []byte("group-1")); err == nil {
		t.Fatal("FetchGroup() with unknown purpose code succeeded, want decode error")
	}
}

func TestMembershipState_RejectsUnknownValue(t *testing.T) {
	ctx, conn := newTestConn(t)

	g := NewGroup([]byte("group-1"), 1000, MembershipState(99), "adder", nil)
	if err := conn.StoreGroup(ctx, g); err == nil {
		t.Fatal("StoreGroup() with invalid membership state succeeded, want encode error")
	}
}
