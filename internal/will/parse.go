package will

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LovelacePerADA is the number of smallest currency units in one ADA.
const LovelacePerADA = 1_000_000

// Allotment pairs a beneficiary with the share owed to them.
type Allotment struct {
	Beneficiary BeneficiaryID
	Share       uint64
}

// ParseAllotments reads one "credentialHashHex,amountADA" pair per line.
// Blank lines are skipped.
func ParseAllotments(text string) ([]Allotment, error) {
	var out []Allotment
	sc := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: want \"hash,amount\", got %q", line, raw)
		}
		id, err := ParseBeneficiaryID(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		share, err := ParseADA(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, Allotment{Beneficiary: id, Share: share})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Split separates allotments into the positional slices a WillRecord holds.
func Split(allotments []Allotment) ([]BeneficiaryID, []uint64) {
	ids := make([]BeneficiaryID, len(allotments))
	shares := make([]uint64, len(allotments))
	for i, a := range allotments {
		ids[i] = a.Beneficiary
		shares[i] = a.Share
	}
	return ids, shares
}

// ParseADA converts a decimal ADA amount such as "2.5" into lovelace without
// going through floating point. At most six fractional digits are accepted.
func ParseADA(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 6 {
		return 0, fmt.Errorf("amount %q has more than 6 decimal places", s)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q: %w", s, err)
		}
	}
	if w > (math.MaxUint64-f)/LovelacePerADA {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return w*LovelacePerADA + f, nil
}

// FormatADA renders lovelace as a decimal ADA string.
func FormatADA(lovelace uint64) string {
	whole, frac := lovelace/LovelacePerADA, lovelace%LovelacePerADA
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%06d", whole, frac), "0")
}
