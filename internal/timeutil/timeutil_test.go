package timeutil

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	n, ok := Normalize(1730288880)
	if !ok {
		t.Fatal("Normalize returned not-ok for a valid epoch")
	}

	if n.Instant != "2024-10-30 11:48:00" {
		t.Errorf("Instant = %q, want %q", n.Instant, "2024-10-30 11:48:00")
	}
	if n.Date != "2024-10-30" {
		t.Errorf("Date = %q, want %q", n.Date, "2024-10-30")
	}
	if n.Time != "11:48:00" {
		t.Errorf("Time = %q, want %q", n.Time, "11:48:00")
	}
}

func TestNormalizeTruncatesFraction(t *testing.T) {
	n, ok := Normalize(1730288880.75)
	if !ok {
		t.Fatal("Normalize returned not-ok")
	}
	if n.Epoch != 1730288880 {
		t.Errorf("Epoch = %d, want 1730288880", n.Epoch)
	}
}

func TestNormalizeRejectsNonFinite(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, ok := Normalize(v); ok {
			t.Errorf("Normalize(%v) = ok, want not-ok", v)
		}
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	// Reconstructing a timestamp from the returned triple must equal the
	// normalized instant.
	epochs := []int64{0, 1, 946684800, 1730288880, 4102444799}
	for _, e := range epochs {
		n := NormalizeInt(e)

		back, err := ParseInstant(n.Instant)
		if err != nil {
			t.Fatalf("ParseInstant(%q): %v", n.Instant, err)
		}
		if back != e {
			t.Errorf("round trip of %d via %q gave %d", e, n.Instant, back)
		}

		joined, err := ParseInstant(n.Date + " " + n.Time)
		if err != nil {
			t.Fatalf("ParseInstant(date+time): %v", err)
		}
		if joined != e {
			t.Errorf("date+time round trip of %d gave %d", e, joined)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		seconds int64
		want    string
	}{
		{0, "00:00:00"},
		{59, "00:00:59"},
		{61, "00:01:01"},
		{3661, "01:01:01"},
		{86399, "23:59:59"},
		{-5, "00:00:00"},
	}
	for _, c := range cases {
		if got := FormatDuration(c.seconds); got != c.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", c.seconds, got, c.want)
		}
	}
}
