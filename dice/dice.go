// Package dice is the host mirror of the dice-roll compute kernel.
//
// One trial rolls a four-sided die RollsPerTrial times and counts the ones.
// Each group of invocations reports the largest count any of its
// invocations produced. The arithmetic here matches the WGSL kernel in
// package gpu bit for bit, so host and device results can be compared.
package dice

const (
	RollsPerTrial = 231
	Sides         = 4

	RollsPerWord = 16 // 2 bits per roll from each 32-bit draw
)

// Hash is the PCG output permutation used as the kernel's generator.
func Hash(v uint32) uint32 {
	state := v*747796405 + 2891336453
	word := ((state >> ((state >> 28) + 4)) ^ state) * 277803737
	return (word >> 22) ^ word
}

// SplitSeed returns the seed as the two 32-bit words uploaded to the kernel.
func SplitSeed(seed uint64) (lo, hi uint32) {
	return uint32(seed), uint32(seed >> 32)
}

// Trial runs one invocation and returns how many ones it rolled.
func Trial(seed uint64, globalID uint32) uint32 {
	lo, hi := SplitSeed(seed)
	state := Hash(globalID^lo) ^ Hash(hi+0x9e3779b9)

	var ones uint32
	remaining := uint32(RollsPerTrial)
	for remaining > 0 {
		state = Hash(state)
		n := min(remaining, RollsPerWord)
		for k := uint32(0); k < n; k++ {
			if (state>>(2*k))&(Sides-1) == 0 {
				ones++
			}
		}
		remaining -= n
	}
	return ones
}

// GroupMax runs every invocation of one group and returns the group's result slot.
func GroupMax(seed uint64, group, invocations uint32) uint32 {
	var best uint32
	base := group * invocations
	for i := uint32(0); i < invocations; i++ {
		if ones := Trial(seed, base+i); ones > best {
			best = ones
		}
	}
	return best
}
