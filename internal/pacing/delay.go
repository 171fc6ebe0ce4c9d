package pacing

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"
)

// Strategy selects how the inter-chunk delay is computed.
type Strategy string

const (
	StrategyConstant     Strategy = "constant"
	StrategyRandom       Strategy = "random"
	StrategyProportional Strategy = "proportional"
)

// ParseStrategy normalizes a raw strategy string.
func ParseStrategy(raw string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "constant":
		return StrategyConstant, true
	case "random":
		return StrategyRandom, true
	case "proportional":
		return StrategyProportional, true
	default:
		return "", false
	}
}

// defaultCharsPerSec approximates a human typing speed used by the
// proportional strategy when none is configured.
const defaultCharsPerSec = 25.0

// DelaySpec configures a delay policy. Min and Max bound every strategy:
// constant uses Min, random draws uniformly from [Min, Max], proportional
// scales with chunk length and clamps into [Min, Max].
type DelaySpec struct {
	Strategy    Strategy
	Min         time.Duration
	Max         time.Duration
	CharsPerSec float64
}

func (s DelaySpec) Validate() error {
	switch s.Strategy {
	case StrategyConstant, StrategyRandom, StrategyProportional:
	default:
		return fmt.Errorf("unknown delay strategy %q", s.Strategy)
	}
	if s.Min < 0 {
		return fmt.Errorf("delay min must be non-negative, got %s", s.Min)
	}
	if s.Max < s.Min {
		return fmt.Errorf("delay max %s is below min %s", s.Max, s.Min)
	}
	if s.CharsPerSec < 0 {
		return fmt.Errorf("chars per second must be non-negative, got %v", s.CharsPerSec)
	}
	return nil
}

// Policy computes the wait before releasing the next chunk. Each delivery
// session owns its own Policy instance so the embedded randomness source is
// never shared across goroutines; the same seed over the same chunk
// sequence always produces the same delays.
type Policy struct {
	spec DelaySpec
	rng  *rand.Rand
}

// NewPolicy builds a seeded policy for one session.
func NewPolicy(spec DelaySpec, seed int64) (*Policy, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.CharsPerSec == 0 {
		spec.CharsPerSec = defaultCharsPerSec
	}
	return &Policy{
		spec: spec,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

// NextDelay returns the wait to apply before dispatching chunkText.
func (p *Policy) NextDelay(chunkText string) time.Duration {
	switch p.spec.Strategy {
	case StrategyRandom:
		span := p.spec.Max - p.spec.Min
		if span <= 0 {
			return p.spec.Min
		}
		return p.spec.Min + time.Duration(p.rng.Int63n(int64(span)+1))
	case StrategyProportional:
		chars := utf8.RuneCountInString(chunkText)
		d := time.Duration(float64(chars) / p.spec.CharsPerSec * float64(time.Second))
		if d < p.spec.Min {
			return p.spec.Min
		}
		if d > p.spec.Max {
			return p.spec.Max
		}
		return d
	default:
		return p.spec.Min
	}
}
