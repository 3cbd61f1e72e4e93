package will

import "fmt"

// Payout is a direct payment to a beneficiary.
type Payout struct {
	Beneficiary BeneficiaryID
	Amount      uint64
}

// ClaimOutcome is the effect of a successful claim. Remainder is nil once
// the will is exhausted and no replacement escrow output must be created.
type ClaimOutcome struct {
	Payout    Payout
	Remainder *WillRecord
	// previous is the record the claim was resolved against.
	previous WillRecord
}

// Closed reports whether the claim settled the will.
func (o ClaimOutcome) Closed() bool { return o.Remainder == nil }

// Successor returns the state following the claim: the remainder, or a
// settled record with no value left when the will was closed.
func (o ClaimOutcome) Successor() WillRecord {
	if o.Remainder != nil {
		return o.Remainder.Clone()
	}
	return WillRecord{
		UnlockTime:          o.previous.UnlockTime,
		PartialClaimAllowed: o.previous.PartialClaimAllowed,
		Beneficiaries:       []BeneficiaryID{},
		Shares:              []uint64{},
	}
}

// ResolveClaim computes the effect of claimant taking amount from record at
// instant now. The checks run in a fixed order and the first failing one is
// reported.
func ResolveClaim(record WillRecord, claimant BeneficiaryID, amount uint64, now Instant) (ClaimOutcome, error) {
	if now < record.UnlockTime {
		return ClaimOutcome{}, fmt.Errorf("%w: unlocks at %s", ErrTooEarly, record.UnlockTime.Time())
	}
	if record.Settled() {
		return ClaimOutcome{}, ErrAlreadySettled
	}
	if !record.PartialClaimAllowed {
		return ClaimOutcome{}, ErrPartialClaimsDisabled
	}
	idx := record.IndexOf(claimant)
	if idx < 0 {
		return ClaimOutcome{}, fmt.Errorf("%w: %s", ErrUnauthorized, claimant)
	}
	if amount == 0 {
		return ClaimOutcome{}, ErrInvalidAmount
	}
	if amount > record.Shares[idx] {
		return ClaimOutcome{}, fmt.Errorf("%w: requested %d, share %d", ErrExceedsEntitlement, amount, record.Shares[idx])
	}
	if amount > record.LockedValue {
		return ClaimOutcome{}, fmt.Errorf("%w: requested %d, locked %d", ErrInsufficientLockedValue, amount, record.LockedValue)
	}

	outcome := ClaimOutcome{
		Payout:   Payout{Beneficiary: append(BeneficiaryID(nil), claimant...), Amount: amount},
		previous: record.Clone(),
	}

	next := record.Clone()
	next.LockedValue = record.LockedValue - amount
	if amount == next.Shares[idx] {
		next.Beneficiaries = append(next.Beneficiaries[:idx], next.Beneficiaries[idx+1:]...)
		next.Shares = append(next.Shares[:idx], next.Shares[idx+1:]...)
	} else {
		next.Shares[idx] -= amount
	}

	// An exhausted escrow closes even if entries remain, which only happens
	// when the output value drifted below the recorded shares.
	if len(next.Beneficiaries) == 0 || next.LockedValue == 0 {
		return outcome, nil
	}
	outcome.Remainder = &next
	return outcome, nil
}

// SettlementOutcome pays every outstanding share at once and closes the will.
type SettlementOutcome struct {
	Payouts []Payout
}

// ResolveSettlement settles the whole will in one step. Every distinct
// beneficiary must be among signers. It is the only way to release a will
// whose partial claims are disabled.
func ResolveSettlement(record WillRecord, signers []BeneficiaryID, now Instant) (SettlementOutcome, error) {
	if now < record.UnlockTime {
		return SettlementOutcome{}, fmt.Errorf("%w: unlocks at %s", ErrTooEarly, record.UnlockTime.Time())
	}
	if record.Settled() {
		return SettlementOutcome{}, ErrAlreadySettled
	}
	for _, b := range record.Beneficiaries {
		if !containsID(signers, b) {
			return SettlementOutcome{}, fmt.Errorf("%w: %s has not signed", ErrMissingSignatures, b)
		}
	}
	total, err := record.TotalShares()
	if err != nil || total != record.LockedValue {
		return SettlementOutcome{}, fmt.Errorf("%w: shares sum to %d, locked %d",
			ErrInsufficientLockedValue, total, record.LockedValue)
	}

	var out SettlementOutcome
	for i, b := range record.Beneficiaries {
		merged := false
		for j := range out.Payouts {
			if out.Payouts[j].Beneficiary.Equal(b) {
				out.Payouts[j].Amount += record.Shares[i]
				merged = true
				break
			}
		}
		if !merged {
			out.Payouts = append(out.Payouts, Payout{
				Beneficiary: append(BeneficiaryID(nil), b...),
				Amount:      record.Shares[i],
			})
		}
	}
	return out, nil
}

func containsID(ids []BeneficiaryID, id BeneficiaryID) bool {
	for _, v := range ids {
		if v.Equal(id) {
			return true
		}
	}
	return false
}
