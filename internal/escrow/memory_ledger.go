package escrow

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"willescrow/internal/will"
)

// MemoryLedger is an in-process UTXO set. Each output can be spent once,
// which gives the same single-writer guarantee per escrow output as a real
// ledger. It backs tests and local runs without a chain.
type MemoryLedger struct {
	mu    sync.Mutex
	utxos map[string][]Output
	seq   uint64
	clock func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		utxos: make(map[string][]Output),
		clock: time.Now,
	}
}

// SetClock replaces the ledger time source.
func (m *MemoryLedger) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = fn
}

// Fund places an output at address without spending anything.
func (m *MemoryLedger) Fund(address string, amount uint64, datum []byte) OutputRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := OutputRef{TxID: m.nextTxID(), Index: 0}
	m.utxos[address] = append(m.utxos[address], Output{
		Ref:     ref,
		Address: address,
		Amount:  amount,
		Datum:   append([]byte(nil), datum...),
	})
	return ref
}

// OutputsAt lists the unspent outputs at address.
func (m *MemoryLedger) OutputsAt(address string) []Output {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Output(nil), m.utxos[address]...)
}

func (m *MemoryLedger) GetEscrowOutput(_ context.Context, address string) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return selectEscrowOutput(m.utxos[address])
}

func (m *MemoryLedger) GetEscrowOutputs(_ context.Context, address string) ([]Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outs := willOutputs(m.utxos[address])
	if len(outs) == 0 {
		return nil, ErrNotFound
	}
	return outs, nil
}

func (m *MemoryLedger) Now(context.Context) (will.Instant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return will.InstantOf(m.clock()), nil
}

// BuildAndSubmit applies the submission atomically: the spent output is
// removed and every planned output created, or nothing changes.
func (m *MemoryLedger) BuildAndSubmit(_ context.Context, sub Submission) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, hasEscrow := sub.Plan.Escrow(); hasEscrow && sub.EscrowAddress == "" {
		return "", fmt.Errorf("plan locks value but no escrow address was given")
	}

	spentAt := -1
	if sub.Spend != nil {
		for i, o := range m.utxos[sub.EscrowAddress] {
			if o.Ref == *sub.Spend {
				spentAt = i
				break
			}
		}
		if spentAt < 0 {
			return "", fmt.Errorf("%w: %s", ErrOutputSpent, sub.Spend)
		}
		if in := m.utxos[sub.EscrowAddress][spentAt].Amount; sub.Plan.Total() > in {
			return "", &SubmissionError{Message: fmt.Sprintf("outputs %d exceed spent value %d", sub.Plan.Total(), in)}
		}
	}

	if spentAt >= 0 {
		outs := m.utxos[sub.EscrowAddress]
		m.utxos[sub.EscrowAddress] = append(outs[:spentAt:spentAt], outs[spentAt+1:]...)
	}

	txID := m.nextTxID()
	for i, planned := range sub.Plan.Outputs {
		addr := sub.EscrowAddress
		if planned.Kind == will.OutputPayout {
			addr = planned.Beneficiary.String()
		}
		m.utxos[addr] = append(m.utxos[addr], Output{
			Ref:     OutputRef{TxID: txID, Index: uint32(i)},
			Address: addr,
			Amount:  planned.Amount,
			Datum:   append([]byte(nil), planned.Datum...),
		})
	}
	return txID, nil
}

func (m *MemoryLedger) nextTxID() string {
	m.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.seq)
	sum := blake2b.Sum256(buf[:])
	return hex.EncodeToString(sum[:])
}
