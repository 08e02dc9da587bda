package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	soxr "github.com/zaf/resample"
)

// pcmResampler converts mono int16 PCM between two rates with soxr.
type pcmResampler struct {
	mu  sync.Mutex
	r   *soxr.Resampler
	out *bytes.Buffer
	in  []byte
}

func newPCMResampler(from, to int) (*pcmResampler, error) {
	// soxr writes into out; keep the pointer so reads see the same buffer
	out := &bytes.Buffer{}
	r, err := soxr.New(out, float64(from), float64(to), 1, soxr.I16, soxr.HighQ)
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	return &pcmResampler{r: r, out: out, in: make([]byte, 0, 1920)}, nil
}

func (p *pcmResampler) Resample(samples []int16) ([]int16, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	size := len(samples) * 2
	if cap(p.in) < size {
		p.in = make([]byte, size)
	}
	in := p.in[:size]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(s))
	}

	p.out.Reset()
	if _, err := p.r.Write(in); err != nil {
		return nil, fmt.Errorf("resampler write: %w", err)
	}
	raw := p.out.Bytes()
	result := make([]int16, len(raw)/2)
	for i := range result {
		result[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return result, nil
}

func (p *pcmResampler) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r.Close()
}
