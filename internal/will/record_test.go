package will

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		record WillRecord
		mode   Mode
		want   error
	}{
		{"empty", WillRecord{}, ModeCreate, ErrArityMismatch},
		{"length mismatch", WillRecord{Beneficiaries: []BeneficiaryID{b1}, Shares: []uint64{1, 2}, LockedValue: 3}, ModeCreate, ErrArityMismatch},
		{"zero share", WillRecord{Beneficiaries: []BeneficiaryID{b1, b2}, Shares: []uint64{1, 0}, LockedValue: 1}, ModeCreate, ErrNonPositiveShare},
		{"arity checked before shares", WillRecord{Beneficiaries: []BeneficiaryID{b1}, Shares: []uint64{0, 0}}, ModeCreate, ErrArityMismatch},
		{"locked value mismatch", WillRecord{Beneficiaries: []BeneficiaryID{b1}, Shares: []uint64{5}, LockedValue: 4}, ModeCreate, ErrLockedValueMismatch},
		{"overflow", WillRecord{Beneficiaries: []BeneficiaryID{b1, b2}, Shares: []uint64{math.MaxUint64, 1}}, ModeCreate, ErrShareOverflow},
		{"reconstructed skips locked value", WillRecord{Beneficiaries: []BeneficiaryID{b1}, Shares: []uint64{5}, LockedValue: 4}, ModeReconstructed, nil},
		{"valid", NewWillRecord([]BeneficiaryID{b1}, []uint64{5}, future, true), ModeCreate, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.record, tc.mode, now)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrValidation)
			assert.NotErrorIs(t, err, ErrClaim)
		})
	}
}

func TestValidateFlagsElapsedUnlock(t *testing.T) {
	checked, err := Validate(NewWillRecord([]BeneficiaryID{b1}, []uint64{1}, past, true), ModeCreate, now)
	require.NoError(t, err)
	assert.True(t, checked.UnlockElapsed)

	checked, err = Validate(NewWillRecord([]BeneficiaryID{b1}, []uint64{1}, future, true), ModeCreate, now)
	require.NoError(t, err)
	assert.False(t, checked.UnlockElapsed)
}

func TestInstant(t *testing.T) {
	ts := time.Date(2030, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	i := InstantOf(ts)
	assert.Equal(t, Instant(ts.UnixMilli()), i)
	assert.True(t, ts.Equal(i.Time()))
}

func TestParseBeneficiaryID(t *testing.T) {
	id, err := ParseBeneficiaryID("a1b2")
	require.NoError(t, err)
	assert.Equal(t, BeneficiaryID{0xa1, 0xb2}, id)
	assert.Equal(t, "a1b2", id.String())

	_, err = ParseBeneficiaryID("zz")
	require.Error(t, err)
	_, err = ParseBeneficiaryID("")
	require.Error(t, err)
}

func TestCloneDoesNotAlias(t *testing.T) {
	r := NewWillRecord([]BeneficiaryID{{1, 2}}, []uint64{9}, past, true)
	c := r.Clone()
	c.Beneficiaries[0][0] = 7
	c.Shares[0] = 1
	assert.Equal(t, byte(1), r.Beneficiaries[0][0])
	assert.Equal(t, uint64(9), r.Shares[0])
}
