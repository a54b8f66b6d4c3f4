package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Validation error codes (E200-E299)
const (
	ErrSchemaViolation = "E200" // document does not match the CUE schema

	ErrInvalidWorkers    = "E201" // workers or loader_workers below 1
	ErrInvalidLogicRate  = "E202" // logic_hz not positive
	ErrInvalidCatchUp    = "E203" // max_catch_up_steps negative
	ErrInvalidBatch      = "E204" // drain_batch below 1
	ErrInvalidTimeout    = "E205" // non-positive timeout
	ErrInvalidLogLevel   = "E206" // unknown log level
	ErrInvalidLaneTarget = "E207" // empty name or invalid lane in a lane map
)

// ValidationError is one problem found in a configuration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Error reports every problem found in one configuration document.
type Error struct {
	Name     string
	Problems []ValidationError
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid config %s: %s", e.Name, strings.Join(msgs, "; "))
}

// Validate checks c and returns all problems found (does not fail fast).
func (c Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if c.Workers < 1 {
		add("workers", ErrInvalidWorkers, "must be at least 1, got %d", c.Workers)
	}
	if c.LoaderWorkers < 1 {
		add("loader_workers", ErrInvalidWorkers, "must be at least 1, got %d", c.LoaderWorkers)
	}
	if c.LogicHz <= 0 {
		add("logic_hz", ErrInvalidLogicRate, "must be positive, got %g", c.LogicHz)
	}
	if c.MaxCatchUpSteps < 0 {
		add("max_catch_up_steps", ErrInvalidCatchUp, "must not be negative, got %d", c.MaxCatchUpSteps)
	}
	if c.DrainBatch < 1 {
		add("drain_batch", ErrInvalidBatch, "must be at least 1, got %d", c.DrainBatch)
	}
	for _, tt := range []struct {
		field string
		d     time.Duration
	}{
		{"park_timeout", c.ParkTimeout},
		{"join_timeout", c.JoinTimeout},
		{"pool_timeout", c.PoolTimeout},
	} {
		if tt.d <= 0 {
			add(tt.field, ErrInvalidTimeout, "must be positive, got %s", tt.d)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("log_level", ErrInvalidLogLevel, "must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	for _, name := range slices.Sorted(maps.Keys(c.AssetLanes)) {
		l := c.AssetLanes[name]
		if strings.TrimSpace(name) == "" || !l.Valid() {
			add("asset_lanes."+name, ErrInvalidLaneTarget, "needs a type name and a valid lane")
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.EventLanes)) {
		l := c.EventLanes[name]
		if strings.TrimSpace(name) == "" || !l.Valid() {
			add("event_lanes."+name, ErrInvalidLaneTarget, "needs an event name and a valid lane")
		}
	}
	return errs
}
