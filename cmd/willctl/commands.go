package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"willescrow/internal/will"
)

func encodeDatum(c *cli.Context) error {
	text, err := readAllotments(c, c.String("allotments"))
	if err != nil {
		return err
	}
	allotments, err := will.ParseAllotments(text)
	if err != nil {
		return err
	}
	unlock, err := parseInstant(c.String("unlock"))
	if err != nil {
		return err
	}

	ids, shares := will.Split(allotments)
	record := will.NewWillRecord(ids, shares, unlock, c.Bool("partial"))
	checked, err := will.Validate(record, will.ModeCreate, will.InstantOf(time.Now()))
	if err != nil {
		return err
	}
	datum, err := will.Encode(checked.Record)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "datum:      %x\n", datum)
	fmt.Fprintf(w, "datum hash: %s\n", will.DatumHash(datum))
	fmt.Fprintf(w, "lock:       %s ADA (%d lovelace)\n", will.FormatADA(record.LockedValue), record.LockedValue)
	if checked.UnlockElapsed {
		fmt.Fprintln(w, "warning:    unlock time has already passed")
	}
	return nil
}

func decodeDatum(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one datum argument")
	}
	record, err := will.DecodeHex(c.Args().First())
	if err != nil {
		return err
	}
	printRecord(c.App.Writer, record)
	return nil
}

func resolveClaim(c *cli.Context) error {
	record, now, err := loadState(c)
	if err != nil {
		return err
	}
	claimant, err := will.ParseBeneficiaryID(c.String("claimant"))
	if err != nil {
		return err
	}
	amount, err := will.ParseADA(c.String("amount"))
	if err != nil {
		return err
	}

	outcome, err := will.ResolveClaim(record, claimant, amount, now)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "payout:     %s ADA to %s\n", will.FormatADA(outcome.Payout.Amount), outcome.Payout.Beneficiary)
	if outcome.Closed() {
		fmt.Fprintln(w, "will closed, no escrow output remains")
		return nil
	}
	datum, err := will.Encode(*outcome.Remainder)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "remainder:  %x\n", datum)
	printRecord(w, *outcome.Remainder)
	return nil
}

func resolveSettlement(c *cli.Context) error {
	record, now, err := loadState(c)
	if err != nil {
		return err
	}
	var signers []will.BeneficiaryID
	for _, s := range c.StringSlice("signer") {
		id, err := will.ParseBeneficiaryID(s)
		if err != nil {
			return err
		}
		signers = append(signers, id)
	}

	outcome, err := will.ResolveSettlement(record, signers, now)
	if err != nil {
		return err
	}
	for _, p := range outcome.Payouts {
		fmt.Fprintf(c.App.Writer, "payout:     %s ADA to %s\n", will.FormatADA(p.Amount), p.Beneficiary)
	}
	return nil
}

func loadState(c *cli.Context) (will.WillRecord, will.Instant, error) {
	record, err := will.DecodeHex(c.String("datum"))
	if err != nil {
		return will.WillRecord{}, 0, err
	}
	if c.IsSet("value") {
		record.LockedValue = c.Uint64("value")
	}
	now := will.InstantOf(time.Now())
	if at := c.String("at"); at != "" {
		if now, err = parseInstant(at); err != nil {
			return will.WillRecord{}, 0, err
		}
	}
	if _, err := will.Validate(record, will.ModeReconstructed, now); err != nil {
		return will.WillRecord{}, 0, err
	}
	return record, now, nil
}

func readAllotments(c *cli.Context, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(c.App.Reader)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read allotments: %w", err)
	}
	return string(raw), nil
}

// parseInstant accepts RFC3339 or unix milliseconds.
func parseInstant(s string) (will.Instant, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return will.Instant(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("time %q is neither RFC3339 nor unix milliseconds", s)
	}
	return will.InstantOf(t), nil
}

func printRecord(w io.Writer, r will.WillRecord) {
	fmt.Fprintf(w, "unlock:     %s\n", r.UnlockTime.Time().Format(time.RFC3339))
	fmt.Fprintf(w, "partial:    %t\n", r.PartialClaimAllowed)
	fmt.Fprintf(w, "locked:     %s ADA\n", will.FormatADA(r.LockedValue))
	for i, b := range r.Beneficiaries {
		fmt.Fprintf(w, "  %s  %s ADA\n", b, will.FormatADA(r.Shares[i]))
	}
}
