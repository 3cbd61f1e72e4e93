package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"willescrow/internal/will"
)

var (
	// ErrNotFound means no output carrying a will datum sits at the address.
	ErrNotFound = errors.New("escrow output not found")
	// ErrOutputSpent means the escrow output a submission consumes is gone,
	// usually because a concurrent claim spent it first.
	ErrOutputSpent = errors.New("escrow output already spent")
)

// Client abstracts the ledger the escrow lives on.
type Client interface {
	GetEscrowOutput(ctx context.Context, address string) (Output, error)
	// GetEscrowOutputs lists every output at address carrying a will datum,
	// ordered by reference. Several wills may share one escrow address.
	GetEscrowOutputs(ctx context.Context, address string) ([]Output, error)
	BuildAndSubmit(ctx context.Context, sub Submission) (string, error)
	Now(ctx context.Context) (will.Instant, error)
}

// HealthChecker is implemented by clients backed by a remote service.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// OutputRef points at a ledger output.
type OutputRef struct {
	TxID  string
	Index uint32
}

func (r OutputRef) String() string { return fmt.Sprintf("%s#%d", r.TxID, r.Index) }

// Output is an unspent output with its attached datum.
type Output struct {
	Ref     OutputRef
	Address string
	Amount  uint64
	Datum   []byte
}

// Submission is everything a ledger client needs to build, sign and submit
// a transaction for a plan. Spend and Redeemer are set when an existing
// escrow output is consumed.
type Submission struct {
	EscrowAddress string
	ChangeAddress string
	Spend         *OutputRef
	Redeemer      []byte
	Plan          will.OutputPlan
}

// SubmissionError is a rejection reported by the ledger, surfaced verbatim.
type SubmissionError struct {
	Status  int
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected (%d): %s", e.Status, e.Message)
}

// selectEscrowOutput picks the first output, ordered by reference, whose
// datum decodes as a will. Outputs without one are ignored.
func selectEscrowOutput(outputs []Output) (Output, error) {
	wills := willOutputs(outputs)
	if len(wills) == 0 {
		return Output{}, ErrNotFound
	}
	return wills[0], nil
}

// willOutputs keeps the outputs whose datum decodes as a will, ordered by
// reference.
func willOutputs(outputs []Output) []Output {
	sorted := append([]Output(nil), outputs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Ref.TxID != sorted[j].Ref.TxID {
			return sorted[i].Ref.TxID < sorted[j].Ref.TxID
		}
		return sorted[i].Ref.Index < sorted[j].Ref.Index
	})
	var out []Output
	for _, o := range sorted {
		if len(o.Datum) == 0 {
			continue
		}
		if _, err := will.Decode(o.Datum); err == nil {
			out = append(out, o)
		}
	}
	return out
}
