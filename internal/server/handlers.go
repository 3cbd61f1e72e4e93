package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"willescrow/internal/escrow"
	"willescrow/internal/idempotency"
	"willescrow/internal/will"
)

func decodeBody(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid json payload: %w", err))
	}
	return nil
}

func (s *Server) createWill(ctx context.Context, address string, body []byte) (result, error) {
	var req createWillRequest
	if err := decodeBody(body, &req); err != nil {
		return result{}, err
	}
	create, err := req.toCreate()
	if err != nil {
		return result{}, badRequest(err)
	}
	change, err := s.changeAddress(req.ChangeAddress)
	if err != nil {
		return result{}, err
	}

	plan, txID, err := s.submitWithRetry(ctx, escrow.OpCreate, address, change, body, func(ctx context.Context) (escrow.Plan, error) {
		return s.wills.CreateWill(ctx, create)
	})
	if err != nil {
		return result{}, err
	}

	out, _ := plan.Outputs.Escrow()
	return result{
		status: http.StatusCreated,
		txID:   txID,
		body: createWillResponse{
			TxID:          txID,
			Address:       plan.EscrowAddress,
			Datum:         out.Datum,
			DatumHash:     plan.DatumHash(),
			LockedValue:   plan.Record.LockedValue,
			UnlockElapsed: plan.UnlockElapsed,
		},
	}, nil
}

func (s *Server) claim(ctx context.Context, address string, body []byte) (result, error) {
	var req claimRequest
	if err := decodeBody(body, &req); err != nil {
		return result{}, err
	}
	if len(req.Claimant) == 0 {
		return result{}, badRequest(errEmptyClaimant)
	}
	change, err := s.changeAddress(req.ChangeAddress)
	if err != nil {
		return result{}, err
	}
	claimant := will.BeneficiaryID(req.Claimant)

	plan, txID, err := s.submitWithRetry(ctx, escrow.OpClaim, address, change, body, func(ctx context.Context) (escrow.Plan, error) {
		return s.wills.Claim(ctx, address, claimant, req.Amount)
	})
	if err != nil {
		return result{}, err
	}

	resp := claimResponse{
		TxID:    txID,
		Payout:  toPayoutView(plan.Claim.Payout),
		Settled: plan.Claim.Closed(),
	}
	if plan.Claim.Remainder != nil {
		resp.Remainder = toWillView(*plan.Claim.Remainder)
		resp.Remainder.Address = plan.EscrowAddress
		resp.DatumHash = plan.DatumHash()
		resp.Remainder.DatumHash = resp.DatumHash
	}
	return result{status: http.StatusOK, txID: txID, body: resp}, nil
}

func (s *Server) settle(ctx context.Context, address string, body []byte) (result, error) {
	var req settlementRequest
	if err := decodeBody(body, &req); err != nil {
		return result{}, err
	}
	signers, err := toIDs("signers", req.Signers)
	if err != nil {
		return result{}, badRequest(err)
	}
	change, err := s.changeAddress(req.ChangeAddress)
	if err != nil {
		return result{}, err
	}

	plan, txID, err := s.submitWithRetry(ctx, escrow.OpSettle, address, change, body, func(ctx context.Context) (escrow.Plan, error) {
		return s.wills.Settle(ctx, address, signers)
	})
	if err != nil {
		return result{}, err
	}

	resp := settlementResponse{TxID: txID}
	for _, p := range plan.Settlement.Payouts {
		resp.Payouts = append(resp.Payouts, toPayoutView(p))
	}
	return result{status: http.StatusOK, txID: txID, body: resp}, nil
}

func (s *Server) handleGetWill(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	record, out, err := s.wills.Inspect(r.Context(), address)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	view := toWillView(record)
	view.Address = out.Address
	view.OutputRef = out.Ref.String()
	view.DatumHash = will.DatumHash(out.Datum)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, ok := s.store.(idempotency.History)
	if !ok {
		writeError(w, http.StatusNotImplemented, "history is not kept by this idempotency backend")
		return
	}
	records, err := history.ByAddress(r.Context(), r.PathValue("address"))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, historyEntry{
			Operation:  rec.Operation,
			TxID:       rec.TxID,
			StatusCode: rec.StatusCode,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}
