package sequencer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"midiloop/logx"
	"midiloop/midi"
)

// DefaultMinPassInterval bounds how fast an empty (or all zero-length)
// sequence can loop.
const DefaultMinPassInterval = 10 * time.Millisecond

// PlayState is the scheduler state.
type PlayState int

const (
	Idle PlayState = iota
	Playing
	Stopping
)

func (s PlayState) String() string {
	switch s {
	case Playing:
		return "playing"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

func (s PlayState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Player.
type Options struct {
	MinPassInterval time.Duration
	ErrorLogRate    int // dispatch-failure log lines per second
	Log             logx.Logger
}

// Status is an informational snapshot of the player.
type Status struct {
	State          PlayState `json:"state"`
	Session        string    `json:"session,omitempty"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	Passes         uint64    `json:"passes"`
	Position       int       `json:"position"` // index of the step being played
	Steps          int       `json:"steps"`
	Triggers       int       `json:"triggers"`
	Queued         bool      `json:"queued"`
	DispatchErrors uint64    `json:"dispatch_errors"`
}

// Player owns what is currently playing. At most one loop-drive goroutine
// exists at any time; Play and Stop only ever change state under mu.
type Player struct {
	exec     stepExecutor
	reporter *errorReporter
	log      logx.Logger

	mu        sync.Mutex
	state     PlayState
	current   *Sequence
	queued    *Sequence
	cancel    context.CancelFunc
	done      chan struct{}
	session   string
	startedAt time.Time
	passes    uint64
	position  int
	minPass   time.Duration
	closed    bool

	drivers atomic.Int32
	updates chan struct{}
}

// NewPlayer creates an idle player dispatching through sender.
func NewPlayer(sender midi.NoteSender, opts Options) *Player {
	if opts.MinPassInterval <= 0 {
		opts.MinPassInterval = DefaultMinPassInterval
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	rep := newErrorReporter(log, opts.ErrorLogRate)
	return &Player{
		exec:     stepExecutor{sender: sender, report: rep.dispatchFailed},
		reporter: rep,
		log:      log,
		minPass:  opts.MinPassInterval,
		updates:  make(chan struct{}, 1),
	}
}

// SetMinPassInterval changes the pass floor; it applies from the next pass.
func (p *Player) SetMinPassInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultMinPassInterval
	}
	p.mu.Lock()
	p.minPass = d
	p.mu.Unlock()
}

// Updates signals (coalesced) whenever the status changes.
func (p *Player) Updates() <-chan struct{} {
	return p.updates
}

// Play starts seq when idle and reports true. While playing, seq replaces any
// previously queued sequence and is promoted at the next pass boundary. While
// stopping, seq starts a fresh session once cleanup finishes. Play never waits
// for playback.
func (p *Player) Play(seq Sequence) bool {
	s := seq.Clone()
	s.Normalize()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.log.Warn("play ignored: player shut down")
		return false
	}
	if p.state == Idle {
		p.startLocked(&s)
		return true
	}
	replaced := p.queued != nil
	p.queued = &s
	p.log.Info("sequence queued",
		logx.String("session", p.session),
		logx.Int("steps", len(s.Steps)),
		logx.Bool("replaced", replaced),
	)
	p.notify()
	return false
}

// Stop cancels playback, drops the queue and returns once every note of the
// sequence that was current has been sent note-off. Stop on an idle player is
// a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	switch p.state {
	case Idle:
		p.mu.Unlock()
		return
	case Playing:
		p.state = Stopping
		p.cancel()
		p.log.Info("playback stopping", logx.String("session", p.session))
	}
	p.queued = nil
	done := p.done
	p.notify()
	p.mu.Unlock()

	<-done
}

// Shutdown stops playback and refuses further Play calls. It gives up
// waiting for cleanup when ctx ends.
func (p *Player) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Status returns a snapshot of the player.
func (p *Player) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:          p.state,
		Session:        p.session,
		StartedAt:      p.startedAt,
		Passes:         p.passes,
		Position:       p.position,
		Queued:         p.queued != nil,
		DispatchErrors: p.reporter.Total(),
	}
	if p.current != nil {
		st.Steps = len(p.current.Steps)
		st.Triggers = p.current.TriggerCount()
	}
	return st
}

// IsPlaying reports whether a session is active (including its cleanup).
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != Idle
}

func (p *Player) startLocked(seq *Sequence) {
	ctx, cancel := context.WithCancel(context.Background())
	p.state = Playing
	p.current = seq
	p.queued = nil
	p.cancel = cancel
	p.done = make(chan struct{})
	p.session = uuid.NewString()
	p.startedAt = time.Now()
	p.passes = 0
	p.position = 0

	p.log.Info("playback started",
		logx.String("session", p.session),
		logx.Int("steps", len(seq.Steps)),
		logx.Int("triggers", seq.TriggerCount()),
	)
	go p.drive(ctx, seq, p.done, p.log.With(logx.String("session", p.session)))
	p.notify()
}

// drive is the loop-drive routine of one session.
func (p *Player) drive(ctx context.Context, seq *Sequence, done chan struct{}, log logx.Logger) {
	p.drivers.Add(1)
	current := seq

	for ctx.Err() == nil {
		start := time.Now()
		for i := range current.Steps {
			if ctx.Err() != nil {
				break
			}
			p.mu.Lock()
			p.position = i
			p.mu.Unlock()
			p.notify()
			p.exec.play(ctx, current.Steps[i])
		}
		if ctx.Err() != nil {
			break
		}

		p.mu.Lock()
		p.passes++
		floor := p.minPass
		p.mu.Unlock()

		if elapsed := time.Since(start); elapsed < floor {
			if !sleepCtx(ctx, floor-elapsed) {
				break
			}
		}

		p.mu.Lock()
		promoted := p.queued != nil && p.state == Playing
		if promoted {
			current = p.queued
			p.queued = nil
			p.current = current
		}
		p.mu.Unlock()

		if promoted {
			log.Info("queued sequence promoted", logx.Int("steps", len(current.Steps)))
			p.notify()
		}
	}

	p.silence(current)
	p.drivers.Add(-1)

	p.mu.Lock()
	passes := p.passes
	pending := p.queued
	p.current = nil
	p.queued = nil
	p.cancel = nil
	p.session = ""
	p.startedAt = time.Time{}
	p.position = 0
	if pending != nil && !p.closed {
		p.startLocked(pending)
	} else {
		p.state = Idle
		p.notify()
	}
	p.mu.Unlock()

	log.Info("playback stopped", logx.Uint64("passes", passes))
	close(done)
}

// silence sends note-off for every distinct device/channel/note in seq.
func (p *Player) silence(seq *Sequence) {
	type key struct{ device, channel, note int }
	seen := make(map[key]bool)
	var offs []Trigger
	for _, st := range seq.Steps {
		for _, tr := range st.Triggers {
			k := key{tr.DeviceIndex, tr.Channel, tr.Note}
			if seen[k] {
				continue
			}
			seen[k] = true
			offs = append(offs, tr)
		}
	}
	p.exec.fanOut(offs, false)
}

func (p *Player) notify() {
	select {
	case p.updates <- struct{}{}:
	default:
	}
}
