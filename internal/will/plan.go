package will

import "fmt"

// OutputKind distinguishes the outputs a plan asks the ledger to create.
type OutputKind int

const (
	// OutputEscrow locks value at the escrow address under a will datum.
	OutputEscrow OutputKind = iota
	// OutputPayout pays a beneficiary directly.
	OutputPayout
)

func (k OutputKind) String() string {
	switch k {
	case OutputEscrow:
		return "escrow"
	case OutputPayout:
		return "payout"
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// PlannedOutput is one output of a plan. Datum is set for escrow outputs,
// Beneficiary for payouts.
type PlannedOutput struct {
	Kind        OutputKind
	Amount      uint64
	Beneficiary BeneficiaryID
	Datum       []byte
}

// OutputPlan lists the outputs a transaction must produce. It carries no
// ledger references; the ledger client decides how to fund and build it.
type OutputPlan struct {
	Outputs []PlannedOutput
}

// Escrow returns the escrow output of the plan, if any.
func (p OutputPlan) Escrow() (PlannedOutput, bool) {
	for _, o := range p.Outputs {
		if o.Kind == OutputEscrow {
			return o, true
		}
	}
	return PlannedOutput{}, false
}

// Total is the value leaving the plan's inputs into its outputs.
func (p OutputPlan) Total() uint64 {
	var total uint64
	for _, o := range p.Outputs {
		total += o.Amount
	}
	return total
}

// PlanCreate locks the record's value in a single escrow output.
func PlanCreate(record WillRecord) (OutputPlan, error) {
	out, err := escrowOutput(record)
	if err != nil {
		return OutputPlan{}, err
	}
	return OutputPlan{Outputs: []PlannedOutput{out}}, nil
}

// PlanClaim pays the claimant and, unless the will closed, re-locks the
// remainder in a new escrow output.
func PlanClaim(outcome ClaimOutcome) (OutputPlan, error) {
	plan := OutputPlan{Outputs: []PlannedOutput{payoutOutput(outcome.Payout)}}
	if outcome.Remainder != nil {
		out, err := escrowOutput(*outcome.Remainder)
		if err != nil {
			return OutputPlan{}, err
		}
		plan.Outputs = append(plan.Outputs, out)
	}
	return plan, nil
}

// PlanSettlement pays every beneficiary and creates no escrow output.
func PlanSettlement(outcome SettlementOutcome) OutputPlan {
	plan := OutputPlan{Outputs: make([]PlannedOutput, 0, len(outcome.Payouts))}
	for _, p := range outcome.Payouts {
		plan.Outputs = append(plan.Outputs, payoutOutput(p))
	}
	return plan
}

func payoutOutput(p Payout) PlannedOutput {
	return PlannedOutput{Kind: OutputPayout, Amount: p.Amount, Beneficiary: p.Beneficiary}
}

func escrowOutput(record WillRecord) (PlannedOutput, error) {
	datum, err := Encode(record)
	if err != nil {
		return PlannedOutput{}, fmt.Errorf("plan escrow output: %w", err)
	}
	return PlannedOutput{Kind: OutputEscrow, Amount: record.LockedValue, Datum: datum}, nil
}
