package num

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		v, step, want string
	}{
		{"1.2345", "0.001", "1.234"},
		{"1.2345", "0.01", "1.23"},
		{"0.0009", "0.001", "0"},
		{"50010.07", "0.1", "50010"},
		{"3", "1", "3"},
		{"3", "0", "3"}, // no step: unchanged
	}

	for _, tt := range tests {
		got := FloorToStep(MustParse(tt.v), MustParse(tt.step))
		if !got.Equal(MustParse(tt.want)) {
			t.Errorf("FloorToStep(%s, %s) = %s, want %s", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestCeilToStep(t *testing.T) {
	tests := []struct {
		v, step, want string
	}{
		{"1.2301", "0.01", "1.24"},
		{"1.23", "0.01", "1.23"},
		{"49999.91", "0.1", "50000"},
	}

	for _, tt := range tests {
		got := CeilToStep(MustParse(tt.v), MustParse(tt.step))
		if !got.Equal(MustParse(tt.want)) {
			t.Errorf("CeilToStep(%s, %s) = %s, want %s", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestRoundToStep(t *testing.T) {
	tests := []struct {
		v, step, want string
	}{
		{"1.234", "0.01", "1.23"},
		{"1.236", "0.01", "1.24"},
		{"1.235", "0.01", "1.24"}, // ties away from zero
		{"-1.235", "0.01", "-1.24"},
	}

	for _, tt := range tests {
		got := RoundToStep(MustParse(tt.v), MustParse(tt.step))
		if !got.Equal(MustParse(tt.want)) {
			t.Errorf("RoundToStep(%s, %s) = %s, want %s", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestFloorToStep_Idempotent(t *testing.T) {
	step := MustParse("0.001")
	v := MustParse("7.7777777")
	once := FloorToStep(v, step)
	twice := FloorToStep(once, step)
	if !once.Equal(twice) {
		t.Errorf("FloorToStep not idempotent: %s vs %s", once, twice)
	}
	if !IsAligned(once, step) {
		t.Errorf("FloorToStep result %s not aligned to %s", once, step)
	}
}

func TestIsAligned(t *testing.T) {
	if !IsAligned(MustParse("1.23"), MustParse("0.01")) {
		t.Error("1.23 should align to 0.01")
	}
	if IsAligned(MustParse("1.234"), MustParse("0.01")) {
		t.Error("1.234 should not align to 0.01")
	}
	if !IsAligned(decimal.Zero, MustParse("0.01")) {
		t.Error("zero aligns to any step")
	}
}
