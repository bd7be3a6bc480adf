package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/waved/internal/signalstore"
)

func newTestEnforcer(t *testing.T, cfg *Config) (*Enforcer, signalstore.Store) {
	t.Helper()
	store, err := signalstore.NewFileStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	e, err := NewEnforcer(cfg, store, zap.NewNop())
	require.NoError(t, err)
	return e, store
}

func putRecord(t *testing.T, store signalstore.Store, wave int, level Level, rec Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), recordKey(wave, level), data))
}

func TestGetApprovalLevel_SafeDefault(t *testing.T) {
	// Operations not in any tier table default to L1.
	for _, op := range []string{"unknown_operation", "", "launch_rockets"} {
		assert.Equal(t, LevelHumanOnly, GetApprovalLevel(op), "operation %q", op)
	}

	assert.Equal(t, LevelForbidden, GetApprovalLevel("delete_production_data"))
	assert.Equal(t, LevelCTOApproval, GetApprovalLevel("merge_to_main"))
	assert.Equal(t, LevelAutoAllowed, GetApprovalLevel("run_tests"))
}

func TestCheckApproval_AutoAllowedNeedsNoRecord(t *testing.T) {
	e, _ := newTestEnforcer(t, nil)

	d := e.CheckApproval(context.Background(), 1, LevelAutoAllowed, "run_tests")
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAutoAllowed, d.Reason)
}

func TestCheckApproval_ForbiddenIsUnconditional(t *testing.T) {
	e, store := newTestEnforcer(t, nil)
	ctx := context.Background()

	// Even a valid-looking record cannot authorize a forbidden operation.
	putRecord(t, store, 1, LevelForbidden, Record{
		Approver: "cto", Timestamp: time.Now(), Operation: "delete_production_data",
	})

	d := e.CheckApproval(ctx, 1, LevelForbidden, "delete_production_data")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonForbiddenOperation, d.Reason)
}

func TestCheckApproval_MissingRecord(t *testing.T) {
	e, _ := newTestEnforcer(t, nil)

	d := e.CheckApproval(context.Background(), 3, LevelCTOApproval, "merge_to_main")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonApprovalRequired, d.Reason)
}

func TestCheckApproval_ValidRecord(t *testing.T) {
	e, store := newTestEnforcer(t, nil)

	putRecord(t, store, 3, LevelCTOApproval, Record{
		Approver: "cto", Requester: "agent-1",
		Timestamp: time.Now().Add(-time.Hour), Operation: "merge_to_main",
	})

	d := e.CheckApproval(context.Background(), 3, LevelCTOApproval, "merge_to_main")
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonApproved, d.Reason)
}

func TestCheckApproval_ExpiredRecord(t *testing.T) {
	e, store := newTestEnforcer(t, &Config{Timeout: 24 * time.Hour})

	putRecord(t, store, 1, LevelHumanOnly, Record{
		Approver: "ops", Timestamp: time.Now().Add(-25 * time.Hour), Operation: "deploy_production",
	})

	d := e.CheckApproval(context.Background(), 1, LevelHumanOnly, "deploy_production")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonApprovalExpired, d.Reason)
}

func TestCheckApproval_MissingFieldsInvalid(t *testing.T) {
	e, store := newTestEnforcer(t, nil)

	putRecord(t, store, 1, LevelHumanOnly, Record{
		Timestamp: time.Now(), Operation: "deploy_production",
	})

	d := e.CheckApproval(context.Background(), 1, LevelHumanOnly, "deploy_production")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidApproval, d.Reason)
}

func TestCheckApproval_StrictOperationMatch(t *testing.T) {
	e, store := newTestEnforcer(t, &Config{Timeout: 24 * time.Hour, Strict: true})

	putRecord(t, store, 1, LevelCTOApproval, Record{
		Approver: "cto", Timestamp: time.Now(), Operation: "infrastructure_change",
	})

	d := e.CheckApproval(context.Background(), 1, LevelCTOApproval, "merge_to_main")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidApproval, d.Reason)

	d = e.CheckApproval(context.Background(), 1, LevelCTOApproval, "infrastructure_change")
	assert.True(t, d.Allowed)
}

func TestCheckApproval_MalformedRecordTreatedAsAbsent(t *testing.T) {
	e, store := newTestEnforcer(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, recordKey(2, LevelPMApproval), []byte("{broken")))

	d := e.CheckApproval(ctx, 2, LevelPMApproval, "scope_change")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonApprovalRequired, d.Reason)
}

func TestRequireApproval_UsesTierTables(t *testing.T) {
	e, _ := newTestEnforcer(t, nil)
	ctx := context.Background()

	assert.True(t, e.RequireApproval(ctx, 1, "run_tests").Allowed)
	assert.Equal(t, ReasonForbiddenOperation, e.RequireApproval(ctx, 1, "modify_billing").Reason)
	assert.Equal(t, ReasonApprovalRequired, e.RequireApproval(ctx, 1, "totally_new_op").Reason)
}

func TestValidateApprovalChain_SeparationOfDuties(t *testing.T) {
	e, _ := newTestEnforcer(t, nil)
	ctx := context.Background()
	now := time.Now()

	chain := []Record{
		{Approver: "qa-lead", Requester: "agent-1", Timestamp: now, Operation: "merge_story_branch"},
		{Approver: "agent-2", Requester: "agent-2", Timestamp: now, Operation: "merge_to_main"},
		{Approver: "cto", Requester: "agent-2", Timestamp: now, Operation: "infrastructure_change"},
	}

	d := e.ValidateApprovalChain(ctx, chain, true)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSeparationOfDuties, d.Reason)

	// Without SoD enforcement the same chain passes.
	d = e.ValidateApprovalChain(ctx, chain, false)
	assert.True(t, d.Allowed)
}

func TestValidateApprovalChain_InvalidMember(t *testing.T) {
	e, _ := newTestEnforcer(t, nil)

	chain := []Record{
		{Approver: "qa-lead", Timestamp: time.Now(), Operation: "merge_story_branch"},
		{Operation: "merge_to_main"}, // no approver, no timestamp
	}

	d := e.ValidateApprovalChain(context.Background(), chain, true)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidApproval, d.Reason)
}

func TestRequestApproval_WritesNeededKey(t *testing.T) {
	e, store := newTestEnforcer(t, nil)
	ctx := context.Background()

	require.NoError(t, e.RequestApproval(ctx, 2, "merge_to_main", "agent-1"))

	data, err := store.Get(ctx, neededKey(2, LevelCTOApproval))
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "agent-1", rec.Requester)
	assert.Equal(t, "merge_to_main", rec.Operation)
}

func TestGrant_ReplacesNeededKey(t *testing.T) {
	e, store := newTestEnforcer(t, nil)
	ctx := context.Background()

	require.NoError(t, e.RequestApproval(ctx, 2, "merge_to_main", "agent-1"))
	require.NoError(t, e.Grant(ctx, 2, LevelCTOApproval, Record{
		Approver: "cto", Requester: "agent-1", Operation: "merge_to_main",
	}))

	_, err := store.Get(ctx, neededKey(2, LevelCTOApproval))
	assert.ErrorIs(t, err, signalstore.ErrNotFound)

	d := e.CheckApproval(ctx, 2, LevelCTOApproval, "merge_to_main")
	assert.True(t, d.Allowed)
}

func TestPendingRequests_ListsOnlyAwaitingGrants(t *testing.T) {
	e, store := newTestEnforcer(t, nil)
	ctx := context.Background()

	require.NoError(t, e.RequestApproval(ctx, 2, "merge_to_main", "agent-1"))
	require.NoError(t, e.RequestApproval(ctx, 3, "scope_change", "agent-2"))
	require.NoError(t, store.Put(ctx, neededKey(4, LevelQAReview), []byte("{broken")))

	// Canonical records do not count as pending.
	require.NoError(t, e.Grant(ctx, 2, LevelCTOApproval, Record{
		Approver: "cto", Operation: "merge_to_main",
	}))

	pending, err := e.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, neededKey(3, LevelPMApproval), pending[0].Key)
	assert.Equal(t, "agent-2", pending[0].Record.Requester)
	assert.Equal(t, "scope_change", pending[0].Record.Operation)
}
