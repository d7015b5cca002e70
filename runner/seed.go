package runner

import (
	"math/rand/v2"
	"time"
)

// SeedSource derives a fresh 64-bit seed for every dispatch by mixing a
// monotonic clock reading with a locally seeded pseudorandom word. Seeds
// only decorrelate successive dispatches; they are not secure.
type SeedSource struct {
	clock func() uint64
	rng   *rand.Rand
}

// NewSeedSource seeds its generator from the current time.
func NewSeedSource() *SeedSource {
	start := time.Now()
	base := uint64(start.UnixMilli())
	return &SeedSource{
		clock: func() uint64 { return base + uint64(time.Since(start).Milliseconds()) },
		rng:   rand.New(rand.NewPCG(base, base^0x9e3779b97f4a7c15)),
	}
}

// NewSeedSourceWith uses the given clock and generator; for reproducible runs.
func NewSeedSourceWith(clock func() uint64, rng *rand.Rand) *SeedSource {
	return &SeedSource{clock: clock, rng: rng}
}

// Next returns the seed for the next dispatch.
func (s *SeedSource) Next() uint64 {
	return s.clock() ^ uint64(s.rng.Uint32())<<32
}
