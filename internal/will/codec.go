package will

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Plutus data constructors 0..6 are carried as CBOR tags 121..127.
const constrTagBase = 121

// datumFields is the arity of the will constructor. Field order is part of
// the on-chain contract: beneficiaries, unlock time, partial flag, shares.
const datumFields = 4

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{}).EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Encode serializes the record into its datum. LockedValue is not encoded;
// it lives in the value of the output carrying the datum.
func Encode(r WillRecord) ([]byte, error) {
	benef := make([]cbor.RawMessage, len(r.Beneficiaries))
	for i, b := range r.Beneficiaries {
		raw, err := encMode.Marshal([]byte(b))
		if err != nil {
			return nil, fmt.Errorf("encode beneficiary %d: %w", i, err)
		}
		benef[i] = raw
	}
	shares := make([]cbor.RawMessage, len(r.Shares))
	for i, s := range r.Shares {
		raw, err := encMode.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode share %d: %w", i, err)
		}
		shares[i] = raw
	}

	benefList, err := plutusList(benef)
	if err != nil {
		return nil, err
	}
	unlock, err := encMode.Marshal(int64(r.UnlockTime))
	if err != nil {
		return nil, fmt.Errorf("encode unlock time: %w", err)
	}
	partial, err := plutusBool(r.PartialClaimAllowed)
	if err != nil {
		return nil, err
	}
	shareList, err := plutusList(shares)
	if err != nil {
		return nil, err
	}

	return constr(0, []cbor.RawMessage{benefList, unlock, partial, shareList})
}

// Decode parses a datum. It checks shape only; run Validate on the result.
// LockedValue is derived from the shares, which is what every output this
// package plans carries; callers holding the actual output value should
// overwrite it.
func Decode(data []byte) (WillRecord, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return WillRecord{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if tag.Number != constrTagBase {
		return WillRecord{}, fmt.Errorf("%w: constructor tag %d", ErrDecode, tag.Number)
	}
	var fields []cbor.RawMessage
	if err := decMode.Unmarshal(tag.Content, &fields); err != nil {
		return WillRecord{}, fmt.Errorf("%w: fields: %v", ErrDecode, err)
	}
	if len(fields) != datumFields {
		return WillRecord{}, fmt.Errorf("%w: %d fields, want %d", ErrDecode, len(fields), datumFields)
	}

	var benef [][]byte
	if err := decMode.Unmarshal(fields[0], &benef); err != nil {
		return WillRecord{}, fmt.Errorf("%w: beneficiaries: %v", ErrDecode, err)
	}
	var unlock int64
	if err := decMode.Unmarshal(fields[1], &unlock); err != nil {
		return WillRecord{}, fmt.Errorf("%w: unlock time: %v", ErrDecode, err)
	}
	partial, err := decodeBool(fields[2])
	if err != nil {
		return WillRecord{}, fmt.Errorf("%w: partial claim flag: %v", ErrDecode, err)
	}
	var shares []uint64
	if err := decMode.Unmarshal(fields[3], &shares); err != nil {
		return WillRecord{}, fmt.Errorf("%w: shares: %v", ErrDecode, err)
	}
	if len(benef) != len(shares) {
		return WillRecord{}, fmt.Errorf("%w: %d beneficiaries, %d shares", ErrDecode, len(benef), len(shares))
	}

	r := WillRecord{
		Beneficiaries:       make([]BeneficiaryID, len(benef)),
		Shares:              shares,
		UnlockTime:          Instant(unlock),
		PartialClaimAllowed: partial,
	}
	for i, b := range benef {
		r.Beneficiaries[i] = BeneficiaryID(b)
	}
	if r.Shares == nil {
		r.Shares = []uint64{}
	}
	total, err := r.TotalShares()
	if err != nil {
		return WillRecord{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	r.LockedValue = total
	return r, nil
}

// DecodeHex is Decode for hex encoded datums as returned by chain indexers.
func DecodeHex(s string) (WillRecord, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return WillRecord{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Decode(raw)
}

// DatumHash is the blake2b-256 digest of the datum bytes.
func DatumHash(datum []byte) string {
	sum := blake2b.Sum256(datum)
	return hex.EncodeToString(sum[:])
}

// ClaimRedeemer is the redeemer attached when spending an escrow output.
func ClaimRedeemer() []byte {
	raw, err := constr(0, nil)
	if err != nil {
		panic(err)
	}
	return raw
}

func constr(index uint64, fields []cbor.RawMessage) ([]byte, error) {
	body, err := plutusList(fields)
	if err != nil {
		return nil, err
	}
	raw, err := encMode.Marshal(cbor.Tag{Number: constrTagBase + index, Content: cbor.RawMessage(body)})
	if err != nil {
		return nil, fmt.Errorf("encode constructor %d: %w", index, err)
	}
	return raw, nil
}

// plutusList writes non-empty lists with indefinite length, matching the
// serialization used by the ledger tooling that produced existing outputs.
func plutusList(items []cbor.RawMessage) ([]byte, error) {
	if len(items) == 0 {
		return []byte{0x80}, nil
	}
	var buf bytes.Buffer
	enc := encMode.NewEncoder(&buf)
	if err := enc.StartIndefiniteArray(); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, err
		}
	}
	if err := enc.EndIndefinite(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func plutusBool(v bool) (cbor.RawMessage, error) {
	if v {
		return constr(1, nil)
	}
	return constr(0, nil)
}

// decodeBool reads the constructor form: Constr 0 [] is false, Constr 1 [] true.
func decodeBool(raw cbor.RawMessage) (bool, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(raw, &tag); err != nil {
		return false, err
	}
	var fields []cbor.RawMessage
	if err := decMode.Unmarshal(tag.Content, &fields); err != nil {
		return false, err
	}
	if len(fields) != 0 {
		return false, fmt.Errorf("boolean constructor carries %d fields", len(fields))
	}
	switch tag.Number {
	case constrTagBase:
		return false, nil
	case constrTagBase + 1:
		return true, nil
	}
	return false, fmt.Errorf("unexpected boolean constructor tag %d", tag.Number)
}
