// Package will holds the will record carried in an escrow datum and the
// rules that release it to beneficiaries. It never touches a ledger.
package will

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/bits"
	"time"
)

// BeneficiaryID is the credential hash identifying a beneficiary.
type BeneficiaryID []byte

// ParseBeneficiaryID decodes a hex encoded credential hash.
func ParseBeneficiaryID(s string) (BeneficiaryID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("beneficiary %q: %w", s, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("beneficiary is empty")
	}
	return BeneficiaryID(raw), nil
}

func (b BeneficiaryID) Equal(o BeneficiaryID) bool { return bytes.Equal(b, o) }

func (b BeneficiaryID) String() string { return hex.EncodeToString(b) }

// Instant is an absolute point in time in milliseconds since the Unix epoch,
// the resolution used by the datum.
type Instant int64

func InstantOf(t time.Time) Instant { return Instant(t.UnixMilli()) }

func (i Instant) Time() time.Time { return time.UnixMilli(int64(i)).UTC() }

// WillRecord is the in-memory form of a will. Beneficiaries and Shares are
// positional: Shares[i] is owed to Beneficiaries[i].
//
// LockedValue is not part of the datum. It mirrors the value held by the
// escrow output carrying the record and shrinks as claims succeed.
type WillRecord struct {
	Beneficiaries       []BeneficiaryID
	Shares              []uint64
	UnlockTime          Instant
	PartialClaimAllowed bool
	LockedValue         uint64
}

// NewWillRecord builds a fresh record locking the sum of shares. The result
// still has to go through Validate.
func NewWillRecord(beneficiaries []BeneficiaryID, shares []uint64, unlock Instant, partial bool) WillRecord {
	var total uint64
	for _, s := range shares {
		total += s
	}
	return WillRecord{
		Beneficiaries:       beneficiaries,
		Shares:              shares,
		UnlockTime:          unlock,
		PartialClaimAllowed: partial,
		LockedValue:         total,
	}
}

// Clone returns a deep copy so successor records never alias their parent.
func (r WillRecord) Clone() WillRecord {
	out := r
	out.Beneficiaries = make([]BeneficiaryID, len(r.Beneficiaries))
	for i, b := range r.Beneficiaries {
		out.Beneficiaries[i] = append(BeneficiaryID(nil), b...)
	}
	out.Shares = append([]uint64(nil), r.Shares...)
	return out
}

// Settled reports whether the escrow has been exhausted.
func (r WillRecord) Settled() bool { return r.LockedValue == 0 }

// IndexOf returns the position of the first entry for id, or -1.
func (r WillRecord) IndexOf(id BeneficiaryID) int {
	for i, b := range r.Beneficiaries {
		if b.Equal(id) {
			return i
		}
	}
	return -1
}

// TotalShares sums the outstanding shares.
func (r WillRecord) TotalShares() (uint64, error) {
	var total uint64
	for _, s := range r.Shares {
		var carry uint64
		total, carry = bits.Add64(total, s, 0)
		if carry != 0 {
			return 0, ErrShareOverflow
		}
	}
	return total, nil
}

// Mode selects which checks Validate runs.
type Mode int

const (
	// ModeCreate validates a record about to be locked for the first time.
	ModeCreate Mode = iota
	// ModeReconstructed validates a record read back from an escrow output,
	// whose locked value may reflect earlier claims.
	ModeReconstructed
)

// Checked is a record that passed Validate.
type Checked struct {
	Record WillRecord
	// UnlockElapsed is set when the unlock time is not after the reference
	// instant given to Validate, meaning claims are possible immediately.
	UnlockElapsed bool
}

// Validate checks the record invariants, stopping at the first failure.
func Validate(r WillRecord, mode Mode, now Instant) (Checked, error) {
	if len(r.Beneficiaries) == 0 || len(r.Beneficiaries) != len(r.Shares) {
		return Checked{}, fmt.Errorf("%w: %d beneficiaries, %d shares",
			ErrArityMismatch, len(r.Beneficiaries), len(r.Shares))
	}
	for i, s := range r.Shares {
		if s == 0 {
			return Checked{}, fmt.Errorf("%w: share %d for %s", ErrNonPositiveShare, i, r.Beneficiaries[i])
		}
	}

	checked := Checked{Record: r, UnlockElapsed: r.UnlockTime <= now}

	if mode == ModeCreate {
		total, err := r.TotalShares()
		if err != nil {
			return Checked{}, err
		}
		if total != r.LockedValue {
			return Checked{}, fmt.Errorf("%w: locked %d, shares sum to %d",
				ErrLockedValueMismatch, r.LockedValue, total)
		}
	}
	return checked, nil
}
