package composer

import (
	"math/rand/v2"
	"sync"
)

// Chooser picks an index in [0, n). Template selection goes through it so
// tests can pin the phrasing.
type Chooser interface {
	Choose(n int) int
}

// RandomChooser picks uniformly at random. Safe for concurrent use.
type RandomChooser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomChooser returns a Chooser seeded from seed, or from the runtime's
// random source when seed is 0.
func NewRandomChooser(seed uint64) *RandomChooser {
	if seed == 0 {
		return &RandomChooser{}
	}
	return &RandomChooser{rng: rand.New(rand.NewPCG(seed, seed))}
}

func (c *RandomChooser) Choose(n int) int {
	if n <= 0 {
		return 0
	}
	if c.rng == nil {
		return rand.IntN(n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.IntN(n)
}

// FixedChooser always returns the same index, clamped to the range.
type FixedChooser int

func (c FixedChooser) Choose(n int) int {
	if n <= 0 {
		return 0
	}
	i := int(c)
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
