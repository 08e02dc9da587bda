package audio

import (
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3}
	out, err := Resample(in, 16000, 16000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("Expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: expected %v, got %v", i, in[i], out[i])
		}
	}
	out[0] = 9
	if in[0] == 9 {
		t.Error("Identity resample must not alias the input")
	}
}

func TestResampleLength(t *testing.T) {
	cases := []struct {
		n, from, to, want int
	}{
		{48000, 48000, 16000, 16000},
		{96000, 48000, 16000, 32000},
		{441, 44100, 16000, 160},
		{100, 8000, 16000, 200},
		{3, 48000, 16000, 1},
	}
	for _, tc := range cases {
		out, err := Resample(make([]float32, tc.n), tc.from, tc.to)
		if err != nil {
			t.Fatalf("Resample(%d, %d->%d) failed: %v", tc.n, tc.from, tc.to, err)
		}
		if len(out) != tc.want {
			t.Errorf("Resample(%d, %d->%d): expected %d samples, got %d", tc.n, tc.from, tc.to, tc.want, len(out))
		}
	}
}

func TestResampleInterpolates(t *testing.T) {
	in := []float32{0, 1, 0, -1}
	out, err := Resample(in, 8000, 16000)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	want := []float32{0, 0.5, 1, 0.5, 0, -0.5, -1, -1}
	if len(out) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(out))
	}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: expected %v, got %v", i, want[i], out[i])
		}
	}
}

func TestResampleInvalidRates(t *testing.T) {
	if _, err := Resample([]float32{0}, 0, 16000); err == nil {
		t.Error("Expected error for zero source rate")
	}
	if _, err := Resample([]float32{0}, 16000, -1); err == nil {
		t.Error("Expected error for negative target rate")
	}
}
