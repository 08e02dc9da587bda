package audio

import (
	"fmt"
	"math"
)

// Resample converts mono samples from one rate to another by linear
// interpolation. The output length is round(len(in) * to / from); positions
// past the last input sample are clamped to it. Equal rates return a copy.
func Resample(in []float32, from, to int) ([]float32, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("invalid resample rates %d -> %d", from, to)
	}
	if from == to {
		out := make([]float32, len(in))
		copy(out, in)
		return out, nil
	}
	if len(in) == 0 {
		return nil, nil
	}

	ratio := float64(from) / float64(to)
	outLen := int(math.Round(float64(len(in)) / ratio))
	out := make([]float32, outLen)
	last := len(in) - 1

	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out, nil
}
