// Package vardiff implements per-connection variable-difficulty retargeting:
// a sliding window of inter-share intervals drives a periodic recomputation
// of the miner's stratum difficulty so that, on average, one share arrives
// every TargetTime seconds.
package vardiff

import (
	"sync"
	"time"
)

// bufferCapacity is the fixed size of the inter-share interval ring buffer.
const bufferCapacity = 10

// Config holds the tunables for one pool's VarDiff policy.
type Config struct {
	TargetTime      float64 // seconds
	VariancePercent float64 // e.g. 30 for +/-30%
	MinDiff         float64
	MaxDiff         float64 // 0 means "derive from network difficulty"
	RetargetTime    float64 // seconds; minimum time between retargets
}

func (c Config) bounds() (tMin, tMax float64) {
	spread := c.TargetTime * (c.VariancePercent / 100)
	return c.TargetTime - spread, c.TargetTime + spread
}

// Context is the per-connection sliding window state. Zero value is not
// usable; construct with New.
type Context struct {
	mu sync.Mutex

	cfg Config

	buf      [bufferCapacity]float64
	bufLen   int
	bufStart int // index of the oldest sample

	lastTs         float64
	lastRetargetTs float64
	initialized    bool
}

func New(cfg Config) *Context {
	return &Context{cfg: cfg}
}

// Len reports the current number of buffered inter-share intervals. Never
// exceeds bufferCapacity (10).
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufLen
}

func (c *Context) push(v float64) {
	if c.bufLen < bufferCapacity {
		c.buf[(c.bufStart+c.bufLen)%bufferCapacity] = v
		c.bufLen++
		return
	}
	// full: overwrite the oldest slot and advance the start, evicting it.
	c.buf[c.bufStart] = v
	c.bufStart = (c.bufStart + 1) % bufferCapacity
}

func (c *Context) sum() float64 {
	var s float64
	for i := 0; i < c.bufLen; i++ {
		s += c.buf[(c.bufStart+i)%bufferCapacity]
	}
	return s
}

// Update runs one step of the VarDiff algorithm (spec §4.2) against the
// connection's current difficulty and the pool's current network
// difficulty (used to derive a default MaxDiff when the config leaves it
// at zero). isSubmission distinguishes a call driven by an actual share
// submission (which feeds the interval buffer) from a periodic liveness
// check (which does not). Returns the new difficulty and whether it
// differs from currentDiff.
func (c *Context) Update(ts time.Time, isSubmission bool, currentDiff, networkDiff float64) (newDiff float64, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tsSec := float64(ts.UnixNano()) / 1e9

	if !c.initialized {
		c.lastTs = tsSec
		c.lastRetargetTs = tsSec
		c.initialized = true
		return currentDiff, false
	}

	sinceLast := tsSec - c.lastTs
	avg := (c.sum() + sinceLast) / float64(c.bufLen+1)

	if isSubmission {
		c.push(sinceLast)
		c.lastTs = tsSec
	}

	if tsSec-c.lastRetargetTs < c.cfg.RetargetTime {
		return currentDiff, false
	}

	tMin, tMax := c.cfg.bounds()
	if avg >= tMin && avg <= tMax {
		return currentDiff, false
	}

	computed := currentDiff * c.cfg.TargetTime / avg

	maxDiff := c.cfg.MaxDiff
	if maxDiff <= 0 {
		maxDiff = c.cfg.MinDiff
		if networkDiff > maxDiff {
			maxDiff = networkDiff
		}
	}
	if computed < c.cfg.MinDiff {
		computed = c.cfg.MinDiff
	}
	if computed > maxDiff {
		computed = maxDiff
	}

	if computed == currentDiff {
		return currentDiff, false
	}

	c.lastRetargetTs = tsSec
	c.bufLen = 0
	c.bufStart = 0
	return computed, true
}
