package broadcast

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Pacing holds the tuning values of the RateController. Zero values are
// filled from DefaultPacing by Normalize, except BatchSize where a negative
// value disables batch rests.
type Pacing struct {
	JitterMin time.Duration
	JitterMax time.Duration
	DelayMin  time.Duration
	DelayMax  time.Duration
	BatchSize int
	Rest      time.Duration
	// Tick is the checkpoint granularity of every wait.
	Tick time.Duration
}

func DefaultPacing() Pacing {
	return Pacing{
		JitterMin: 2 * time.Second,
		JitterMax: 4 * time.Second,
		DelayMin:  60 * time.Second,
		DelayMax:  180 * time.Second,
		BatchSize: 20,
		Rest:      300 * time.Second,
		Tick:      time.Second,
	}
}

// Normalize fills unset fields with defaults and repairs inverted ranges.
func (p Pacing) Normalize() Pacing {
	def := DefaultPacing()
	if p.JitterMin <= 0 && p.JitterMax <= 0 {
		p.JitterMin, p.JitterMax = def.JitterMin, def.JitterMax
	}
	if p.DelayMin <= 0 && p.DelayMax <= 0 {
		p.DelayMin, p.DelayMax = def.DelayMin, def.DelayMax
	}
	if p.JitterMin < 0 {
		p.JitterMin = 0
	}
	if p.DelayMin < 0 {
		p.DelayMin = 0
	}
	if p.JitterMax < p.JitterMin {
		p.JitterMax = p.JitterMin
	}
	if p.DelayMax < p.DelayMin {
		p.DelayMax = p.DelayMin
	}
	if p.BatchSize == 0 {
		p.BatchSize = def.BatchSize
	}
	if p.Rest < 0 {
		p.Rest = 0
	} else if p.Rest == 0 {
		p.Rest = def.Rest
	}
	if p.Tick <= 0 {
		p.Tick = def.Tick
	}
	return p
}

// RandSource is the randomness the controller draws from. *rand.Rand from
// math/rand/v2 satisfies it; tests inject a seeded one.
type RandSource interface {
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// NewSeededRand returns a deterministic RandSource.
func NewSeededRand(seed uint64) RandSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RateController decides how long to wait before the next send and when a
// batch rest is due. Apart from the random source it is pure policy; it is
// safe for concurrent use so one controller can pace every job of a Service.
type RateController struct {
	mu     sync.Mutex
	pacing Pacing
	rnd    RandSource
}

// NewRateController returns a controller for p. A nil rnd uses the
// process-wide generator.
func NewRateController(p Pacing, rnd RandSource) *RateController {
	if rnd == nil {
		rnd = globalRand{}
	}
	return &RateController{pacing: p.Normalize(), rnd: rnd}
}

func (c *RateController) Pacing() Pacing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pacing
}

// SetPacing swaps the tuning values; waits already in progress keep theirs.
func (c *RateController) SetPacing(p Pacing) {
	c.mu.Lock()
	c.pacing = p.Normalize()
	c.mu.Unlock()
}

// NextDelay returns the spacing before the next send, uniform in
// [DelayMin, DelayMax].
func (c *RateController) NextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniformLocked(c.pacing.DelayMin, c.pacing.DelayMax)
}

// Jitter returns the short wait taken right before each send, uniform in
// [JitterMin, JitterMax].
func (c *RateController) Jitter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniformLocked(c.pacing.JitterMin, c.pacing.JitterMax)
}

// IsBatchBoundary reports whether sentCount is a positive multiple of the
// batch size.
func (c *RateController) IsBatchBoundary(sentCount int) bool {
	c.mu.Lock()
	size := c.pacing.BatchSize
	c.mu.Unlock()
	return size > 0 && sentCount > 0 && sentCount%size == 0
}

func (c *RateController) RestDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pacing.Rest
}

func (c *RateController) Tick() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pacing.Tick
}

func (c *RateController) uniformLocked(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rnd.Int64N(int64(hi-lo)+1))
}
