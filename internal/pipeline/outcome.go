package pipeline

import (
	"fmt"
	"time"
)

// State is a per-event pipeline state.
type State int

const (
	StateIdle State = iota
	StateClassifying
	StateArtifactPersisted
	StateGenerating
	StateDelivered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClassifying:
		return "classifying"
	case StateArtifactPersisted:
		return "artifact_persisted"
	case StateGenerating:
		return "generating"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for c := StateIdle; c <= StateFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown pipeline state %q", b)
}

// Outcome is the terminal report for one event, handed to the automation
// boundary.
type Outcome struct {
	EventID      string    `json:"event_id"`
	Category     string    `json:"category"`
	Kind         string    `json:"kind"`
	Fingerprint  string    `json:"fingerprint"`
	State        State     `json:"state"`
	Text         string    `json:"text,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	Cause        string    `json:"cause,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`
	FinishedAt   time.Time `json:"finished_at"`

	// Err is the typed cause of a Failed outcome. It does not cross the wire.
	Err error `json:"-"`
}

// Sink is the automation boundary.
type Sink interface {
	Deliver(o Outcome)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(o Outcome)

func (f SinkFunc) Deliver(o Outcome) { f(o) }

// Sinks fans an outcome out to each non-nil sink in order.
func Sinks(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(o Outcome) {
		for _, s := range out {
			s.Deliver(o)
		}
	})
}
