package environment

import (
	"math"
	"math/rand"

	"github.com/holiman/uint256"
)

// BlockMode selects how block numbers and timestamps move forward.
type BlockMode int

const (
	// BlockUserControlled advances the block only on explicit BlockUpdate
	// instructions.
	BlockUserControlled BlockMode = iota
	// BlockRandomlySampled advances the block automatically after a
	// Poisson-drawn number of committed transactions; client BlockUpdates
	// are disregarded.
	BlockRandomlySampled
)

// String returns the block mode name used in logs.
func (m BlockMode) String() string {
	switch m {
	case BlockUserControlled:
		return "user_controlled"
	case BlockRandomlySampled:
		return "randomly_sampled"
	default:
		return "unknown"
	}
}

// BlockSettings configures the block policy.
type BlockSettings struct {
	Mode BlockMode
	// Rate is the expected number of transactions per block under
	// BlockRandomlySampled.
	Rate float64
	// BlockTime is the number of seconds added to the timestamp per
	// sampled block.
	BlockTime uint64
	// Seed makes the sampled block sizes reproducible.
	Seed uint64
}

// GasMode selects how gas-price queries are answered.
type GasMode int

const (
	// GasUserControlled answers with whatever the last SetGasPrice set.
	GasUserControlled GasMode = iota
	// GasConstant answers with a fixed price; SetGasPrice is disregarded.
	GasConstant
	// GasRandomlySampled re-draws the price from the seeded sampler at
	// every block boundary; SetGasPrice is disregarded.
	GasRandomlySampled
)

// String returns the gas mode name used in logs.
func (m GasMode) String() string {
	switch m {
	case GasUserControlled:
		return "user_controlled"
	case GasConstant:
		return "constant"
	case GasRandomlySampled:
		return "randomly_sampled"
	default:
		return "unknown"
	}
}

// GasSettings configures the gas policy.
type GasSettings struct {
	Mode GasMode
	// Price is the fixed price under GasConstant.
	Price *uint256.Int
	// Multiplier scales sampled prices under GasRandomlySampled.
	Multiplier uint64
}

// SeededPoisson draws Poisson-distributed samples from a deterministic
// source. The same seed always yields the same sample sequence, which
// keeps sampled-block simulations reproducible.
type SeededPoisson struct {
	rate float64
	rng  *rand.Rand
}

// NewSeededPoisson creates a sampler with the given rate parameter
// (lambda). Rates at or below zero are clamped to one.
func NewSeededPoisson(rate float64, seed uint64) *SeededPoisson {
	if rate <= 0 {
		rate = 1
	}
	return &SeededPoisson{
		rate: rate,
		rng:  rand.New(rand.NewSource(int64(seed))),
	}
}

// Rate returns the sampler's lambda.
func (p *SeededPoisson) Rate() float64 { return p.rate }

// Sample draws one value. Knuth's multiplication method: count uniform
// draws until their product falls below e^-lambda.
func (p *SeededPoisson) Sample() uint64 {
	limit := math.Exp(-p.rate)
	var k uint64
	prod := 1.0
	for {
		prod *= p.rng.Float64()
		if prod <= limit {
			return k
		}
		k++
	}
}
