package sequencer

import (
	"sync"
	"time"
)

type dispatch struct {
	device, channel, note, velocity int
	on                              bool
	at                              time.Time
}

// recorder is a NoteSender that remembers every call.
type recorder struct {
	mu     sync.Mutex
	calls  []dispatch
	fail   map[int]error
	onSend func(d dispatch)
}

func (r *recorder) SendNote(device, channel, note, velocity int, on bool) error {
	d := dispatch{device: device, channel: channel, note: note, velocity: velocity, on: on, at: time.Now()}
	if r.onSend != nil {
		r.onSend(d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	if err := r.fail[device]; err != nil {
		return err
	}
	return nil
}

func (r *recorder) snapshot() []dispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch(nil), r.calls...)
}

func (r *recorder) count(note int, on bool) int {
	n := 0
	for _, d := range r.snapshot() {
		if d.note == note && d.on == on {
			n++
		}
	}
	return n
}

// indexOf returns the position of the n-th (0-based) matching dispatch or -1.
func indexOf(calls []dispatch, note int, on bool, n int) int {
	for i, d := range calls {
		if d.note == note && d.on == on {
			if n == 0 {
				return i
			}
			n--
		}
	}
	return -1
}

func oneStep(durationMs int, triggers ...Trigger) Sequence {
	return Sequence{Steps: []Step{{Triggers: triggers, DurationMs: durationMs}}}
}
