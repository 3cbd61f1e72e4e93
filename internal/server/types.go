package server

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"willescrow/internal/escrow"
	"willescrow/internal/will"
)

// Byte fields on the wire are 0x-prefixed hex.

type createWillRequest struct {
	Beneficiaries       []hexutil.Bytes `json:"beneficiaries"`
	Shares              []uint64        `json:"shares"`
	UnlockTime          int64           `json:"unlockTime"`
	PartialClaimAllowed bool            `json:"partialClaimAllowed"`
	ChangeAddress       string          `json:"changeAddress,omitempty"`
}

type createWillResponse struct {
	TxID          string        `json:"txId"`
	Address       string        `json:"address"`
	Datum         hexutil.Bytes `json:"datum"`
	DatumHash     string        `json:"datumHash"`
	LockedValue   uint64        `json:"lockedValue"`
	UnlockElapsed bool          `json:"unlockElapsed"`
}

type claimRequest struct {
	Claimant      hexutil.Bytes `json:"claimant"`
	Amount        uint64        `json:"amount"`
	ChangeAddress string        `json:"changeAddress,omitempty"`
}

type claimResponse struct {
	TxID      string     `json:"txId"`
	Payout    payoutView `json:"payout"`
	Remainder *willView  `json:"remainder"`
	Settled   bool       `json:"settled"`
	DatumHash string     `json:"datumHash,omitempty"`
}

type settlementRequest struct {
	Signers       []hexutil.Bytes `json:"signers"`
	ChangeAddress string          `json:"changeAddress,omitempty"`
}

type settlementResponse struct {
	TxID    string       `json:"txId"`
	Payouts []payoutView `json:"payouts"`
}

type payoutView struct {
	Beneficiary hexutil.Bytes `json:"beneficiary"`
	Amount      uint64        `json:"amount"`
}

type willView struct {
	Address             string          `json:"address,omitempty"`
	OutputRef           string          `json:"outputRef,omitempty"`
	Beneficiaries       []hexutil.Bytes `json:"beneficiaries"`
	Shares              []uint64        `json:"shares"`
	UnlockTime          int64           `json:"unlockTime"`
	PartialClaimAllowed bool            `json:"partialClaimAllowed"`
	LockedValue         uint64          `json:"lockedValue"`
	DatumHash           string          `json:"datumHash,omitempty"`
}

type historyEntry struct {
	Operation  string `json:"operation"`
	TxID       string `json:"txId"`
	StatusCode int    `json:"statusCode"`
	CreatedAt  string `json:"createdAt"`
}

func (r createWillRequest) toCreate() (escrow.CreateRequest, error) {
	ids, err := toIDs("beneficiaries", r.Beneficiaries)
	if err != nil {
		return escrow.CreateRequest{}, err
	}
	return escrow.CreateRequest{
		Beneficiaries:       ids,
		Shares:              r.Shares,
		UnlockTime:          will.Instant(r.UnlockTime),
		PartialClaimAllowed: r.PartialClaimAllowed,
	}, nil
}

func toIDs(field string, raw []hexutil.Bytes) ([]will.BeneficiaryID, error) {
	ids := make([]will.BeneficiaryID, len(raw))
	for i, b := range raw {
		if len(b) == 0 {
			return nil, fmt.Errorf("%s[%d] is empty", field, i)
		}
		ids[i] = will.BeneficiaryID(b)
	}
	return ids, nil
}

func fromIDs(ids []will.BeneficiaryID) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(ids))
	for i, id := range ids {
		out[i] = hexutil.Bytes(id)
	}
	return out
}

func toPayoutView(p will.Payout) payoutView {
	return payoutView{Beneficiary: hexutil.Bytes(p.Beneficiary), Amount: p.Amount}
}

func toWillView(r will.WillRecord) *willView {
	return &willView{
		Beneficiaries:       fromIDs(r.Beneficiaries),
		Shares:              append([]uint64{}, r.Shares...),
		UnlockTime:          int64(r.UnlockTime),
		PartialClaimAllowed: r.PartialClaimAllowed,
		LockedValue:         r.LockedValue,
	}
}

var errEmptyClaimant = errors.New("claimant is required")
