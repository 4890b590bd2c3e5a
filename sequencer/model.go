package sequencer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultVelocity is used when a submitted trigger omits velocity.
const DefaultVelocity = 100

// MaxDurationMs is the longest accepted step hold (about 24.8 days).
const MaxDurationMs = math.MaxInt32

// ErrInvalidSequence wraps every shape error reported by DecodeSequence.
var ErrInvalidSequence = errors.New("invalid sequence")

// Trigger is one device/channel/note/velocity instruction.
type Trigger struct {
	DeviceIndex int `json:"deviceIndex"`
	Channel     int `json:"channel"`
	Note        int `json:"note"`
	Velocity    int `json:"velocity"`
}

// NewTrigger builds a trigger with the channel clamped to at least 1.
func NewTrigger(device, channel, note, velocity int) Trigger {
	return Trigger{DeviceIndex: device, Channel: max(channel, 1), Note: note, Velocity: velocity}
}

// UnmarshalJSON applies the velocity default and channel clamp on ingestion.
func (t *Trigger) UnmarshalJSON(b []byte) error {
	type plain Trigger
	p := plain{Velocity: DefaultVelocity}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = Trigger(p)
	t.Channel = max(t.Channel, 1)
	return nil
}

// Step is a set of simultaneous triggers held for DurationMs.
type Step struct {
	Triggers   []Trigger `json:"triggers"`
	DurationMs int       `json:"durationms"`
}

// Sequence is an ordered list of steps, looped until stopped.
type Sequence struct {
	Steps []Step `json:"steps"`
}

// Clone returns a deep copy so the caller's slices are never shared with playback.
func (s Sequence) Clone() Sequence {
	out := Sequence{Steps: make([]Step, len(s.Steps))}
	for i, st := range s.Steps {
		out.Steps[i] = Step{
			Triggers:   append([]Trigger(nil), st.Triggers...),
			DurationMs: st.DurationMs,
		}
	}
	return out
}

// Normalize clamps every trigger channel to at least 1. Sequences built in
// code rather than decoded go through this before playback.
func (s *Sequence) Normalize() {
	for i := range s.Steps {
		for j := range s.Steps[i].Triggers {
			tr := &s.Steps[i].Triggers[j]
			tr.Channel = max(tr.Channel, 1)
		}
	}
}

// Validate reports shape errors the scheduler must never see.
func (s Sequence) Validate() error {
	for i, st := range s.Steps {
		if st.DurationMs < 0 {
			return fmt.Errorf("%w: steps[%d].durationms is negative (%d)", ErrInvalidSequence, i, st.DurationMs)
		}
		if st.DurationMs > MaxDurationMs {
			return fmt.Errorf("%w: steps[%d].durationms exceeds %d (%d)", ErrInvalidSequence, i, MaxDurationMs, st.DurationMs)
		}
		for j, tr := range st.Triggers {
			if tr.DeviceIndex < 0 {
				return fmt.Errorf("%w: steps[%d].triggers[%d].deviceIndex is negative (%d)", ErrInvalidSequence, i, j, tr.DeviceIndex)
			}
		}
	}
	return nil
}

// TriggerCount is the total number of triggers across all steps.
func (s Sequence) TriggerCount() int {
	n := 0
	for _, st := range s.Steps {
		n += len(st.Triggers)
	}
	return n
}

// DecodeSequence reads exactly one JSON sequence object from r.
func DecodeSequence(r io.Reader) (Sequence, error) {
	dec := json.NewDecoder(r)

	var msg json.RawMessage
	if err := dec.Decode(&msg); err != nil {
		return Sequence{}, fmt.Errorf("%w: %w", ErrInvalidSequence, err)
	}
	// reject trailing tokens (e.g. two concatenated objects)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Sequence{}, fmt.Errorf("%w: trailing data after sequence", ErrInvalidSequence)
		}
		return Sequence{}, fmt.Errorf("%w: after sequence: %w", ErrInvalidSequence, err)
	}
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '{' {
		return Sequence{}, fmt.Errorf("%w: expected a JSON object", ErrInvalidSequence)
	}

	var raw struct {
		Steps []*struct {
			Triggers   []*Trigger `json:"triggers"`
			DurationMs int        `json:"durationms"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Sequence{}, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}

	seq := Sequence{Steps: make([]Step, 0, len(raw.Steps))}
	for i, st := range raw.Steps {
		if st == nil {
			return Sequence{}, fmt.Errorf("%w: steps[%d] is null", ErrInvalidSequence, i)
		}
		step := Step{DurationMs: st.DurationMs, Triggers: make([]Trigger, 0, len(st.Triggers))}
		for j, tr := range st.Triggers {
			if tr == nil {
				return Sequence{}, fmt.Errorf("%w: steps[%d].triggers[%d] is null", ErrInvalidSequence, i, j)
			}
			step.Triggers = append(step.Triggers, *tr)
		}
		seq.Steps = append(seq.Steps, step)
	}
	if err := seq.Validate(); err != nil {
		return Sequence{}, err
	}
	return seq, nil
}

// DecodeSequenceBytes is DecodeSequence over a byte slice.
func DecodeSequenceBytes(b []byte) (Sequence, error) {
	return DecodeSequence(bytes.NewReader(b))
}
