// Package lane names the execution contexts a deferred operation can target.
//
// A Lane is both a routing key (the event bus and asset manager use it to
// pick where work runs) and a thread role (the threading core uses it to
// answer "which loop am I on?").
package lane

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lane is one of the fixed execution contexts of the engine.
type Lane uint8

const (
	// Render is the render loop, owner of GPU-affine resources.
	Render Lane = iota + 1
	// Logic is the fixed-timestep logic loop.
	Logic
	// Audio is the audio loop.
	Audio
	// Worker is any goroutine of the worker pool.
	Worker
)

// All lists every lane in shutdown-independent declaration order.
var All = []Lane{Render, Logic, Audio, Worker}

var names = map[Lane]string{
	Render: "render",
	Logic:  "logic",
	Audio:  "audio",
	Worker: "worker",
}

// String returns the lowercase lane name.
func (l Lane) String() string {
	if n, ok := names[l]; ok {
		return n
	}
	return fmt.Sprintf("lane(%d)", uint8(l))
}

// Valid reports whether l is one of the declared lanes.
func (l Lane) Valid() bool {
	_, ok := names[l]
	return ok
}

// Parse converts a case-insensitive lane name into a Lane.
func Parse(s string) (Lane, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for l, n := range names {
		if n == want {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown lane %q: must be one of render, logic, audio, worker", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Lane) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid lane %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Lane) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML lets config files name lanes as plain scalars.
func (l *Lane) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: lane must be a scalar", node.Line)
	}
	return l.UnmarshalText([]byte(node.Value))
}
