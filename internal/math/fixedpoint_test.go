package math_test

import (
	stdmath "math"
	"testing"

	"github.com/mthdroid/moltpredict-skill/internal/math"
)

// ===========================================================================
// DivideInt128 rounding
// ===========================================================================

func TestDivideInt128_Rounding(t *testing.T) {
	cases := []struct {
		name      string
		a, b, div int64
		mode      math.RoundingMode
		want      int64
	}{
		{"down exact", 10, 10, 4, math.RoundDown, 25},
		{"down fractional", 7, 1, 2, math.RoundDown, 3},
		{"up fractional", 7, 1, 2, math.RoundUp, 4},
		{"up exact", 8, 1, 2, math.RoundUp, 4},
		{"half even to even", 5, 1, 2, math.RoundHalfEven, 2},
		{"half even odd rounds up", 7, 1, 2, math.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, math.RoundHalfEven, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := math.MultiplyInt128(tc.a, tc.b)
			defer math.Release(n)
			if got := math.DivideInt128(n, tc.div, tc.mode); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

// ===========================================================================
// ProRataShare
// ===========================================================================

func TestProRataShare_Scenarios(t *testing.T) {
	// A bet 100 YES, B bet 50 NO, YES wins.
	got, err := math.ProRataShare(100, 150, 100)
	if err != nil || got != 150 {
		t.Fatalf("got %d, %v; want 150", got, err)
	}

	// Three equal winners on a pool that does not divide evenly.
	total := int64(0)
	for i := 0; i < 3; i++ {
		p, err := math.ProRataShare(1, 10, 3)
		if err != nil {
			t.Fatal(err)
		}
		total += p
	}
	if total != 9 {
		t.Errorf("sum of floored shares = %d, want 9", total)
	}
}

func TestProRataShare_NoOverflowNearLimit(t *testing.T) {
	big := int64(stdmath.MaxInt64 / 2)
	got, err := math.ProRataShare(big, stdmath.MaxInt64, big)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != stdmath.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", got)
	}
}

func TestProRataShare_RejectsZeroPool(t *testing.T) {
	if _, err := math.ProRataShare(1, 10, 0); err == nil {
		t.Fatal("expected error for zero pool")
	}
}

func TestCheckedAdd(t *testing.T) {
	if _, err := math.CheckedAdd(stdmath.MaxInt64, 1); err != math.ErrOverflow {
		t.Errorf("expected overflow, got %v", err)
	}
	if v, err := math.CheckedAdd(40, 2); err != nil || v != 42 {
		t.Errorf("got %d, %v", v, err)
	}
}

func TestCheckedMul(t *testing.T) {
	overflow := [][2]int64{
		{stdmath.MaxInt64/3600 + 1, 3600},
		{5124095576030432, 3600},
		{stdmath.MinInt64/3600 - 1, 3600},
		{-1, stdmath.MinInt64},
	}
	for _, c := range overflow {
		if _, err := math.CheckedMul(c[0], c[1]); err != math.ErrOverflow {
			t.Errorf("CheckedMul(%d, %d): expected overflow, got %v", c[0], c[1], err)
		}
	}
	if v, err := math.CheckedMul(stdmath.MaxInt64/3600, 3600); err != nil || v != stdmath.MaxInt64/3600*3600 {
		t.Errorf("got %d, %v", v, err)
	}
	if v, err := math.CheckedMul(-24, 3600); err != nil || v != -86400 {
		t.Errorf("got %d, %v", v, err)
	}
}

// ===========================================================================
// Unit rendering
// ===========================================================================

func TestFormatUnits(t *testing.T) {
	cases := map[int64]string{
		0:         "0.000000",
		150:       "0.000150",
		1_500_000: "1.500000",
		-2:        "-0.000002",
	}
	for in, want := range cases {
		if got := math.FormatUnits(in); got != want {
			t.Errorf("FormatUnits(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestParseUnits(t *testing.T) {
	good := map[string]int64{
		"1.5":      1_500_000,
		"0.000001": 1,
		"100":      100_000_000,
	}
	for in, want := range good {
		got, err := math.ParseUnits(in)
		if err != nil || got != want {
			t.Errorf("ParseUnits(%q) = %d, %v; want %d", in, got, err, want)
		}
	}

	for _, in := range []string{"0.0000001", "abc", "99999999999999999999"} {
		if _, err := math.ParseUnits(in); err == nil {
			t.Errorf("ParseUnits(%q) should fail", in)
		}
	}
}
