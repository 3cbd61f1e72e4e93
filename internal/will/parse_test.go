package will

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseADA(t *testing.T) {
	good := map[string]uint64{
		"0":         0,
		"1":         1_000_000,
		"2.5":       2_500_000,
		"0.000001":  1,
		".75":       750_000,
		"12.":       12_000_000,
		"3.141592":  3_141_592,
		"100000000": 100_000_000_000_000,
	}
	for in, want := range good {
		got, err := ParseADA(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "-1", "1.0000001", "abc", "1.2.3", "18446744073710"} {
		_, err := ParseADA(in)
		assert.Error(t, err, in)
	}
}

func TestFormatADA(t *testing.T) {
	assert.Equal(t, "3", FormatADA(3_000_000))
	assert.Equal(t, "2.5", FormatADA(2_500_000))
	assert.Equal(t, "0.000001", FormatADA(1))
}

func TestParseAllotments(t *testing.T) {
	text := "ab01, 3\n\n  cd02 ,2.5  \n"
	got, err := ParseAllotments(text)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Allotment{Beneficiary: BeneficiaryID{0xab, 0x01}, Share: 3_000_000}, got[0])
	assert.Equal(t, Allotment{Beneficiary: BeneficiaryID{0xcd, 0x02}, Share: 2_500_000}, got[1])

	ids, shares := Split(got)
	assert.Equal(t, []BeneficiaryID{{0xab, 0x01}, {0xcd, 0x02}}, ids)
	assert.Equal(t, []uint64{3_000_000, 2_500_000}, shares)

	_, err = ParseAllotments("ab01\n")
	assert.ErrorContains(t, err, "line 1")
	_, err = ParseAllotments("ab01,1\nxx,1\n")
	assert.ErrorContains(t, err, "line 2")
	_, err = ParseAllotments("ab01,one\n")
	assert.ErrorContains(t, err, "line 1")
}
