package threading

import (
	"sync/atomic"
	"time"
)

// FixedStep is the accumulator behind the logic loop. Wall time is fed in as
// it passes; whole steps are emitted with a constant delta, so application
// logic sees the same dt regardless of jitter. A sample may produce zero, one
// or several catch-up steps.
//
// FixedStep is owned by one goroutine; only its counters are safe to read
// concurrently.
type FixedStep struct {
	step        time.Duration
	stepSeconds float64
	maxCatchUp  int

	accumulated time.Duration
	last        time.Duration
	sampled     bool

	steps   atomic.Uint64
	dropped atomic.Uint64
}

// NewFixedStep creates an accumulator for hz steps per second. maxCatchUp
// caps the steps emitted per sample; 0 means no cap. When the cap is hit the
// excess whole steps are discarded rather than carried into later samples.
func NewFixedStep(hz float64, maxCatchUp int) *FixedStep {
	step := time.Duration(float64(time.Second) / hz)
	if step <= 0 {
		step = 1
	}
	return &FixedStep{
		step:        step,
		stepSeconds: 1 / hz,
		maxCatchUp:  maxCatchUp,
	}
}

// Step returns the fixed step duration.
func (f *FixedStep) Step() time.Duration {
	return f.step
}

// StepSeconds returns the delta passed to every update.
func (f *FixedStep) StepSeconds() float64 {
	return f.stepSeconds
}

// Sample feeds the clock reading now. The first sample only establishes the
// baseline.
func (f *FixedStep) Sample(now time.Duration, update func(dt float64)) int {
	if !f.sampled {
		f.sampled = true
		f.last = now
		return 0
	}
	elapsed := now - f.last
	f.last = now
	return f.Advance(elapsed, update)
}

// Advance adds elapsed wall time and runs update once per whole step.
// Returns the number of steps run.
func (f *FixedStep) Advance(elapsed time.Duration, update func(dt float64)) int {
	if elapsed > 0 {
		f.accumulated += elapsed
	}

	n := 0
	for f.accumulated >= f.step {
		if f.maxCatchUp > 0 && n >= f.maxCatchUp {
			excess := f.accumulated / f.step
			f.dropped.Add(uint64(excess))
			f.accumulated -= excess * f.step
			break
		}
		update(f.stepSeconds)
		f.accumulated -= f.step
		n++
	}
	f.steps.Add(uint64(n))
	return n
}

// Accumulated returns time carried over to the next sample.
func (f *FixedStep) Accumulated() time.Duration {
	return f.accumulated
}

// Steps returns the total steps run.
func (f *FixedStep) Steps() uint64 {
	return f.steps.Load()
}

// Dropped returns the total steps discarded by the catch-up cap.
func (f *FixedStep) Dropped() uint64 {
	return f.dropped.Load()
}
