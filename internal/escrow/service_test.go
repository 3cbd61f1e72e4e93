package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"willescrow/internal/will"
)

const (
	escrowAddr = "addr_test1_escrow"
	changeAddr = "addr_test1_settlor"
)

var (
	heir1 = will.BeneficiaryID{0xb1}
	heir2 = will.BeneficiaryID{0xb2}
	clock = time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
)

func newTestService(t *testing.T) (*Service, *MemoryLedger) {
	t.Helper()
	ledger := NewMemoryLedger()
	ledger.SetClock(func() time.Time { return clock })
	return NewService(ledger, escrowAddr, zerolog.Nop()), ledger
}

func createWill(t *testing.T, svc *Service, partial bool, unlock time.Time) Plan {
	t.Helper()
	plan, err := svc.CreateWill(context.Background(), CreateRequest{
		Beneficiaries:       []will.BeneficiaryID{heir1, heir2},
		Shares:              []uint64{3_000_000, 2_000_000},
		UnlockTime:          will.InstantOf(unlock),
		PartialClaimAllowed: partial,
	})
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), plan, changeAddr)
	require.NoError(t, err)
	return plan
}

func TestCreateWillLocksShares(t *testing.T) {
	svc, ledger := newTestService(t)
	plan := createWill(t, svc, true, clock.Add(time.Hour))
	assert.False(t, plan.UnlockElapsed)
	assert.NotEmpty(t, plan.DatumHash())

	outs := ledger.OutputsAt(escrowAddr)
	require.Len(t, outs, 1)
	assert.Equal(t, uint64(5_000_000), outs[0].Amount)
	assert.Equal(t, plan.DatumHash(), will.DatumHash(outs[0].Datum))
}

func TestCreateWillRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateWill(context.Background(), CreateRequest{
		Beneficiaries: []will.BeneficiaryID{heir1},
		Shares:        []uint64{0},
	})
	require.ErrorIs(t, err, will.ErrNonPositiveShare)

	_, err = svc.CreateWill(context.Background(), CreateRequest{Shares: []uint64{1}})
	require.ErrorIs(t, err, will.ErrArityMismatch)
}

func TestCreateWillFlagsPastUnlock(t *testing.T) {
	svc, _ := newTestService(t)
	plan := createWill(t, svc, true, clock.Add(-time.Hour))
	assert.True(t, plan.UnlockElapsed)
}

func TestClaimLifecycle(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	createWill(t, svc, true, clock.Add(-time.Minute))

	plan, err := svc.Claim(ctx, "", heir1, 3_000_000)
	require.NoError(t, err)
	require.NotNil(t, plan.Claim)
	require.NotNil(t, plan.Spend)
	assert.False(t, plan.Claim.Closed())
	_, err = svc.Submit(ctx, plan, changeAddr)
	require.NoError(t, err)

	record, out, err := svc.Inspect(ctx, escrowAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), out.Amount)
	assert.Equal(t, []will.BeneficiaryID{heir2}, record.Beneficiaries)
	assert.Equal(t, uint64(2_000_000), record.LockedValue)

	paid := ledger.OutputsAt(heir1.String())
	require.Len(t, paid, 1)
	assert.Equal(t, uint64(3_000_000), paid[0].Amount)

	plan, err = svc.Claim(ctx, escrowAddr, heir2, 2_000_000)
	require.NoError(t, err)
	assert.True(t, plan.Claim.Closed())
	assert.Empty(t, plan.DatumHash())
	_, err = svc.Submit(ctx, plan, changeAddr)
	require.NoError(t, err)

	_, err = svc.Claim(ctx, escrowAddr, heir2, 1)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, ledger.OutputsAt(escrowAddr))
}

func TestClaimTooEarly(t *testing.T) {
	svc, _ := newTestService(t)
	createWill(t, svc, true, clock.Add(time.Hour))
	_, err := svc.Claim(context.Background(), "", heir1, 1)
	require.ErrorIs(t, err, will.ErrTooEarly)
}

func TestConcurrentClaimsSingleWriter(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	createWill(t, svc, true, clock.Add(-time.Minute))

	first, err := svc.Claim(ctx, "", heir1, 3_000_000)
	require.NoError(t, err)
	second, err := svc.Claim(ctx, "", heir2, 2_000_000)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, first, changeAddr)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, second, changeAddr)
	require.ErrorIs(t, err, ErrOutputSpent)

	// the loser re-resolves against the remainder
	retry, err := svc.Claim(ctx, "", heir2, 2_000_000)
	require.NoError(t, err)
	assert.True(t, retry.Claim.Closed())
	_, err = svc.Submit(ctx, retry, changeAddr)
	require.NoError(t, err)
}

func TestSettleNonPartialWill(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	createWill(t, svc, false, clock.Add(-time.Minute))

	_, err := svc.Claim(ctx, "", heir1, 1)
	require.ErrorIs(t, err, will.ErrPartialClaimsDisabled)

	_, err = svc.Settle(ctx, "", []will.BeneficiaryID{heir1})
	require.ErrorIs(t, err, will.ErrMissingSignatures)

	plan, err := svc.Settle(ctx, "", []will.BeneficiaryID{heir1, heir2})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, plan, changeAddr)
	require.NoError(t, err)

	assert.Empty(t, ledger.OutputsAt(escrowAddr))
	assert.Equal(t, uint64(3_000_000), ledger.OutputsAt(heir1.String())[0].Amount)
	assert.Equal(t, uint64(2_000_000), ledger.OutputsAt(heir2.String())[0].Amount)
}

func TestClaimUsesOutputValueAsLockedValue(t *testing.T) {
	svc, ledger := newTestService(t)
	record := will.NewWillRecord([]will.BeneficiaryID{heir1}, []uint64{5_000_000}, will.InstantOf(clock.Add(-time.Minute)), true)
	datum, err := will.Encode(record)
	require.NoError(t, err)
	ledger.Fund(escrowAddr, 1_000_000, datum)

	_, err = svc.Claim(context.Background(), "", heir1, 2_000_000)
	require.ErrorIs(t, err, will.ErrInsufficientLockedValue)
}

func TestClaimMalformedDatum(t *testing.T) {
	svc, ledger := newTestService(t)
	ledger.Fund(escrowAddr, 1_000_000, []byte{0x01})
	_, err := svc.Claim(context.Background(), "", heir1, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitRequiresChangeAddress(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Submit(context.Background(), Plan{}, "")
	require.Error(t, err)
}

func fundWill(t *testing.T, ledger *MemoryLedger, heir will.BeneficiaryID, amount uint64, partial bool) OutputRef {
	t.Helper()
	record := will.NewWillRecord([]will.BeneficiaryID{heir}, []uint64{amount}, will.InstantOf(clock.Add(-time.Minute)), partial)
	datum, err := will.Encode(record)
	require.NoError(t, err)
	return ledger.Fund(escrowAddr, amount, datum)
}

func TestClaimPicksWillListingClaimant(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	a1 := will.BeneficiaryID{0xa1}
	b2 := will.BeneficiaryID{0xb2}
	refA := fundWill(t, ledger, a1, 5_000_000, true)
	refB := fundWill(t, ledger, b2, 5_000_000, true)

	for _, c := range []struct {
		heir will.BeneficiaryID
		ref  OutputRef
	}{{a1, refA}, {b2, refB}} {
		plan, err := svc.Claim(ctx, escrowAddr, c.heir, 5_000_000)
		require.NoError(t, err, c.heir.String())
		assert.Equal(t, c.ref, *plan.Spend)
		assert.True(t, plan.Claim.Closed())
		_, err = svc.Submit(ctx, plan, changeAddr)
		require.NoError(t, err)
	}

	assert.Empty(t, ledger.OutputsAt(escrowAddr))
	assert.Equal(t, uint64(5_000_000), ledger.OutputsAt(a1.String())[0].Amount)
	assert.Equal(t, uint64(5_000_000), ledger.OutputsAt(b2.String())[0].Amount)
}

func TestClaimByStrangerAtSharedAddress(t *testing.T) {
	svc, ledger := newTestService(t)
	fundWill(t, ledger, will.BeneficiaryID{0xa1}, 5_000_000, true)
	fundWill(t, ledger, will.BeneficiaryID{0xb2}, 5_000_000, true)

	_, err := svc.Claim(context.Background(), escrowAddr, will.BeneficiaryID{0xcc}, 1)
	require.ErrorIs(t, err, will.ErrUnauthorized)
}

func TestSettlePicksWillCoveredBySigners(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	a1 := will.BeneficiaryID{0xa1}
	b2 := will.BeneficiaryID{0xb2}
	refA := fundWill(t, ledger, a1, 5_000_000, false)
	refB := fundWill(t, ledger, b2, 4_000_000, false)

	plan, err := svc.Settle(ctx, escrowAddr, []will.BeneficiaryID{b2})
	require.NoError(t, err)
	assert.Equal(t, refB, *plan.Spend)
	_, err = svc.Submit(ctx, plan, changeAddr)
	require.NoError(t, err)

	remaining := ledger.OutputsAt(escrowAddr)
	require.Len(t, remaining, 1)
	assert.Equal(t, refA, remaining[0].Ref)
	assert.Equal(t, uint64(4_000_000), ledger.OutputsAt(b2.String())[0].Amount)
}
