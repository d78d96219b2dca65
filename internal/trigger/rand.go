package trigger

import "math/rand/v2"

// RandSource supplies randomness for the probability gate and the {random}
// template placeholder. It is injected so tests can use a deterministic
// source instead of relying purely on statistical assertions.
type RandSource interface {
	// Float64 returns a uniform value in [0,1).
	Float64() float64
	// IntN returns a uniform value in [0,n).
	IntN(n int) int
}

// mathRandSource is the default RandSource backed by math/rand/v2.
type mathRandSource struct{}

func (mathRandSource) Float64() float64 { return rand.Float64() }
func (mathRandSource) IntN(n int) int   { return rand.IntN(n) }

// DefaultRandSource returns the process-wide math/rand/v2 backed source.
func DefaultRandSource() RandSource { return mathRandSource{} }
