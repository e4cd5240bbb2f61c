package vardiff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstCallNeverChangesRegardlessOfTiming(t *testing.T) {
	cfg := Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, RetargetTime: 90}
	ctx := New(cfg)

	_, changed := ctx.Update(time.Now(), true, 100, 1000)
	assert.False(t, changed)
	assert.Equal(t, 0, ctx.Len())
}

func TestSecondCallWithinRetargetWindowNeverChanges(t *testing.T) {
	cfg := Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, RetargetTime: 90}
	ctx := New(cfg)

	base := time.Now()
	ctx.Update(base, true, 100, 1000)

	// way outside the variance band (avg=1s vs target 15s), but only 1s
	// after the first retarget timestamp, well under RetargetTime=90s.
	_, changed := ctx.Update(base.Add(time.Second), true, 100, 1000)
	assert.False(t, changed)
}

func TestRetargetsUpwardWhenSharesArriveTooFast(t *testing.T) {
	cfg := Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, MaxDiff: 1000, RetargetTime: 90}
	ctx := New(cfg)

	base := time.Now()
	ctx.Update(base, true, 3, 1000)

	// Fill the buffer with 10 samples of 5s each (50s elapsed, still under
	// RetargetTime=90s).
	ts := base
	for i := 0; i < 10; i++ {
		ts = ts.Add(5 * time.Second)
		ctx.Update(ts, true, 3, 1000)
	}

	// 45s later the retarget clock is at 95s; avg = (50+45)/11 ≈ 8.6s, below
	// the 10.5s band floor.
	newDiff, changed := ctx.Update(ts.Add(45*time.Second), true, 3, 1000)
	require.True(t, changed)
	// newDiff = 3 * 15/avg ≈ 5.2.
	assert.Greater(t, newDiff, 3.0)
	assert.LessOrEqual(t, newDiff, 1000.0)
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	cfg := Config{TargetTime: 15, VariancePercent: 30, MinDiff: 1, RetargetTime: 0}
	ctx := New(cfg)

	base := time.Now()
	for i := 0; i < 50; i++ {
		ctx.Update(base.Add(time.Duration(i)*time.Second), true, 10, 1000)
		assert.LessOrEqual(t, ctx.Len(), bufferCapacity)
	}
}

func TestClampsToMinAndMaxDiff(t *testing.T) {
	cfg := Config{TargetTime: 15, VariancePercent: 10, MinDiff: 50, MaxDiff: 60, RetargetTime: 0}
	ctx := New(cfg)

	base := time.Now()
	ctx.Update(base, true, 1, 1000)
	ts := base
	for i := 0; i < 10; i++ {
		ts = ts.Add(time.Second) // shares arrive far faster than target => diff rises to 1*15/1 = 15
		ctx.Update(ts, true, 1, 1000)
	}
	newDiff, changed := ctx.Update(ts.Add(time.Second), true, 1, 1000)
	require.True(t, changed)
	// 15 is below MinDiff, so the result clamps up to MinDiff.
	assert.Equal(t, 50.0, newDiff)
}

func TestDefaultMaxDiffDerivedFromNetworkDifficulty(t *testing.T) {
	cfg := Config{TargetTime: 15, VariancePercent: 10, MinDiff: 1, RetargetTime: 0}
	ctx := New(cfg)

	base := time.Now()
	ctx.Update(base, true, 1, 500)
	ts := base
	for i := 0; i < 10; i++ {
		ts = ts.Add(time.Second)
		ctx.Update(ts, true, 1, 500)
	}
	newDiff, changed := ctx.Update(ts.Add(time.Second), true, 1, 500)
	require.True(t, changed)
	assert.LessOrEqual(t, newDiff, 500.0)
}
