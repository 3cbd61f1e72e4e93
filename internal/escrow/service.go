package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"willescrow/internal/will"
)

// Operation names a will transition.
type Operation string

const (
	OpCreate Operation = "create"
	OpClaim  Operation = "claim"
	OpSettle Operation = "settle"
)

// Plan is the result of an entry point: the outputs to produce plus the
// ledger context needed to submit them.
type Plan struct {
	Operation     Operation
	EscrowAddress string
	// Spend is the escrow output consumed, nil when creating a will.
	Spend *OutputRef
	// Record is the will being created, or the state a claim or settlement
	// was resolved against.
	Record  will.WillRecord
	Outputs will.OutputPlan
	// Claim is set for claims.
	Claim *will.ClaimOutcome
	// Settlement is set for settlements.
	Settlement *will.SettlementOutcome
	// UnlockElapsed flags a will created with an unlock time already past.
	UnlockElapsed bool
}

// DatumHash is the hash of the escrow datum the plan creates, or "" when it
// closes the will.
func (p Plan) DatumHash() string {
	if out, ok := p.Outputs.Escrow(); ok {
		return will.DatumHash(out.Datum)
	}
	return ""
}

// Service exposes the will operations on top of a ledger client. It keeps no
// state between calls; every claim resolves against freshly fetched data.
type Service struct {
	ledger        Client
	escrowAddress string
	log           zerolog.Logger
}

func NewService(ledger Client, escrowAddress string, log zerolog.Logger) *Service {
	return &Service{
		ledger:        ledger,
		escrowAddress: escrowAddress,
		log:           log.With().Str("component", "escrow").Logger(),
	}
}

// Ledger returns the underlying client.
func (s *Service) Ledger() Client { return s.ledger }

// CreateRequest carries the parameters of a new will.
type CreateRequest struct {
	Beneficiaries       []will.BeneficiaryID
	Shares              []uint64
	UnlockTime          will.Instant
	PartialClaimAllowed bool
}

// CreateWill validates the will and plans the escrow output locking it.
func (s *Service) CreateWill(ctx context.Context, req CreateRequest) (Plan, error) {
	record := will.NewWillRecord(req.Beneficiaries, req.Shares, req.UnlockTime, req.PartialClaimAllowed)

	now, err := s.ledger.Now(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("ledger time: %w", err)
	}
	checked, err := will.Validate(record, will.ModeCreate, now)
	if err != nil {
		return Plan{}, err
	}
	if checked.UnlockElapsed {
		s.log.Warn().Time("unlock", record.UnlockTime.Time()).Msg("will unlock time already passed")
	}

	outputs, err := will.PlanCreate(checked.Record)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Operation:     OpCreate,
		EscrowAddress: s.escrowAddress,
		Record:        checked.Record,
		Outputs:       outputs,
		UnlockElapsed: checked.UnlockElapsed,
	}, nil
}

// Inspect reads the will held at address. The returned record's locked value
// is the value of the escrow output.
func (s *Service) Inspect(ctx context.Context, address string) (will.WillRecord, Output, error) {
	address = s.address(address)
	out, err := s.ledger.GetEscrowOutput(ctx, address)
	if err != nil {
		return will.WillRecord{}, Output{}, err
	}
	record, err := will.Decode(out.Datum)
	if err != nil {
		return will.WillRecord{}, Output{}, err
	}
	record.LockedValue = out.Amount
	return record, out, nil
}

// Claim resolves a claim against the current escrow output at address.
func (s *Service) Claim(ctx context.Context, address string, claimant will.BeneficiaryID, amount uint64) (Plan, error) {
	address = s.address(address)
	record, out, now, err := s.current(ctx, address, func(r will.WillRecord) bool {
		return r.IndexOf(claimant) >= 0
	})
	if err != nil {
		return Plan{}, err
	}

	outcome, err := will.ResolveClaim(record, claimant, amount, now)
	if err != nil {
		s.log.Debug().Err(err).Str("address", address).Stringer("claimant", claimant).Msg("claim rejected")
		return Plan{}, err
	}
	outputs, err := will.PlanClaim(outcome)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Operation:     OpClaim,
		EscrowAddress: address,
		Spend:         &out.Ref,
		Record:        record,
		Outputs:       outputs,
		Claim:         &outcome,
	}, nil
}

// Settle pays out every beneficiary at once. signers must cover all of them.
func (s *Service) Settle(ctx context.Context, address string, signers []will.BeneficiaryID) (Plan, error) {
	address = s.address(address)
	record, out, now, err := s.current(ctx, address, func(r will.WillRecord) bool {
		return signedByAll(r, signers)
	})
	if err != nil {
		return Plan{}, err
	}

	outcome, err := will.ResolveSettlement(record, signers, now)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Operation:     OpSettle,
		EscrowAddress: address,
		Spend:         &out.Ref,
		Record:        record,
		Outputs:       will.PlanSettlement(outcome),
		Settlement:    &outcome,
	}, nil
}

// Submit hands the plan to the ledger. Ledger errors are returned verbatim.
func (s *Service) Submit(ctx context.Context, plan Plan, changeAddress string) (string, error) {
	if changeAddress == "" {
		return "", errors.New("change address is required")
	}
	sub := Submission{
		EscrowAddress: plan.EscrowAddress,
		ChangeAddress: changeAddress,
		Spend:         plan.Spend,
		Plan:          plan.Outputs,
	}
	if plan.Spend != nil {
		sub.Redeemer = will.ClaimRedeemer()
	}
	txID, err := s.ledger.BuildAndSubmit(ctx, sub)
	if err != nil {
		return "", err
	}
	s.log.Info().
		Str("op", string(plan.Operation)).
		Str("address", plan.EscrowAddress).
		Str("tx", txID).
		Uint64("value", plan.Outputs.Total()).
		Msg("submitted")
	return txID, nil
}

// current resolves the will at address that match accepts, falling back to
// the first will so the usual rejection surfaces when none does.
func (s *Service) current(ctx context.Context, address string, match func(will.WillRecord) bool) (will.WillRecord, Output, will.Instant, error) {
	outs, err := s.ledger.GetEscrowOutputs(ctx, address)
	if err != nil {
		return will.WillRecord{}, Output{}, 0, err
	}
	if len(outs) == 0 {
		return will.WillRecord{}, Output{}, 0, ErrNotFound
	}

	out := outs[0]
	for _, o := range outs {
		if r, err := will.Decode(o.Datum); err == nil && match(r) {
			out = o
			break
		}
	}
	record, err := will.Decode(out.Datum)
	if err != nil {
		return will.WillRecord{}, Output{}, 0, err
	}
	record.LockedValue = out.Amount

	now, err := s.ledger.Now(ctx)
	if err != nil {
		return will.WillRecord{}, Output{}, 0, fmt.Errorf("ledger time: %w", err)
	}
	if _, err := will.Validate(record, will.ModeReconstructed, now); err != nil {
		return will.WillRecord{}, Output{}, 0, err
	}
	return record, out, now, nil
}

func signedByAll(record will.WillRecord, signers []will.BeneficiaryID) bool {
	for _, b := range record.Beneficiaries {
		signed := false
		for _, s := range signers {
			if s.Equal(b) {
				signed = true
				break
			}
		}
		if !signed {
			return false
		}
	}
	return true
}

func (s *Service) address(address string) string {
	if address == "" {
		return s.escrowAddress
	}
	return address
}
