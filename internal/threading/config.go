package threading

import (
	"runtime"
	"time"
)

// Default loop parameters.
const (
	DefaultLogicHz         = 60.0
	DefaultMaxCatchUpSteps = 30
	DefaultDrainBatch      = 1024
	DefaultParkTimeout     = time.Millisecond
	DefaultJoinTimeout     = 2 * time.Second
	DefaultPoolTimeout     = 5 * time.Second
)

// Config holds the threading core parameters.
type Config struct {
	// Workers is the worker pool size; values below 1 become 1.
	Workers int

	// LogicHz is the fixed logic step rate.
	LogicHz float64

	// MaxCatchUpSteps caps logic steps per loop iteration. 0 disables the cap.
	MaxCatchUpSteps int

	// DrainBatch bounds the tasks drained per loop iteration.
	DrainBatch int

	// ParkTimeout bounds how long an idle render/audio loop sleeps.
	ParkTimeout time.Duration

	// JoinTimeout bounds the wait for each loop during Stop.
	JoinTimeout time.Duration

	// PoolTimeout bounds the wait for the worker pool during Stop.
	PoolTimeout time.Duration

	// LockOSThreads pins render, logic and audio to dedicated OS threads.
	LockOSThreads bool
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         max(1, runtime.NumCPU()-3),
		LogicHz:         DefaultLogicHz,
		MaxCatchUpSteps: DefaultMaxCatchUpSteps,
		DrainBatch:      DefaultDrainBatch,
		ParkTimeout:     DefaultParkTimeout,
		JoinTimeout:     DefaultJoinTimeout,
		PoolTimeout:     DefaultPoolTimeout,
		LockOSThreads:   true,
	}
}

// normalized fills zero fields with defaults.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.LogicHz <= 0 {
		c.LogicHz = d.LogicHz
	}
	if c.MaxCatchUpSteps < 0 {
		c.MaxCatchUpSteps = 0
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = d.DrainBatch
	}
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = d.ParkTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.PoolTimeout <= 0 {
		c.PoolTimeout = d.PoolTimeout
	}
	return c
}
