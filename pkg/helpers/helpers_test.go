package helpers

import (
	"testing"
)

func TestCompareBytes(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want int
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, 0},
		{"a less", []byte{1, 2, 3}, []byte{1, 2, 4}, -1},
		{"a greater", []byte{1, 2, 4}, []byte{1, 2, 3}, 1},
		{"a shorter", []byte{1, 2}, []byte{1, 2, 3}, -1},
		{"b empty", []byte{1}, []byte{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareBytes(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareBytes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte("abc"), []byte("abc")) {
		t.Error("equal slices reported different")
	}
	if ConstantTimeCompare([]byte("abc"), []byte("abd")) {
		t.Error("different slices reported equal")
	}
	if ConstantTimeCompare([]byte("abc"), []byte("ab")) {
		t.Error("different lengths reported equal")
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom: %v", err)
	}
	b, _ := GenerateSecureRandom(32)
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if ConstantTimeCompare(a, b) {
		t.Error("two random draws are identical")
	}
}

func TestSecureClear(t *testing.T) {
	b := []byte{1, 2, 3}
	SecureClear(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d = %d after clear", i, v)
		}
	}
}

func TestCopyBytes(t *testing.T) {
	if CopyBytes(nil) != nil {
		t.Error("CopyBytes(nil) should be nil")
	}
	src := []byte{9, 8}
	dst := CopyBytes(src)
	src[0] = 0
	if dst[0] != 9 {
		t.Error("CopyBytes shares memory with its input")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{50000000, 8, "0.5"},
		{12345678, 8, "0.12345678"},
		{100000, 8, "0.001"},
		{1, 8, "0.00000001"},
		{0, 8, "0"},
		{123, 0, "123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatAmount(tt.amount, tt.decimals); got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"0.5", 8, 50000000, false},
		{".5", 8, 50000000, false},
		{"0.12345678", 8, 12345678, false},
		{"0.00000001", 8, 1, false},
		{"0", 8, 0, false},
		{"123", 0, 123, false},
		{"0.123456789", 8, 0, true},
		{"invalid", 8, 0, true},
		{"1.2.3", 8, 0, true},
		{"", 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %d, want %d", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestSatoshisBTCRoundtrip(t *testing.T) {
	for _, sats := range []uint64{1, 546, 500_000, SatsPerBTC, 2_099_999_997_690_000} {
		s := SatoshisToBTC(sats)
		back, err := BTCToSatoshis(s)
		if err != nil {
			t.Fatalf("BTCToSatoshis(%s): %v", s, err)
		}
		if back != sats {
			t.Errorf("roundtrip %d -> %s -> %d", sats, s, back)
		}
	}
}
