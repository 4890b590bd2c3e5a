package sequencer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const tick = 2 * time.Millisecond

func newTestPlayer(t *testing.T, rec *recorder) *Player {
	t.Helper()
	p := NewPlayer(rec, Options{})
	t.Cleanup(p.Stop)
	return p
}

func TestPlayLoopsUntilStopped(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	require.True(t, p.Play(oneStep(40, NewTrigger(0, 0, 60, 100))))
	require.Equal(t, Playing, p.Status().State)

	require.Eventually(t, func() bool { return rec.count(60, true) >= 2 }, waitFor, tick)
	p.Stop()

	calls := rec.snapshot()
	require.Equal(t, dispatch{device: 0, channel: 1, note: 60, velocity: 100, on: true}, withoutTime(calls[0]))
	require.Equal(t, dispatch{device: 0, channel: 1, note: 60, velocity: 0, on: false}, withoutTime(calls[1]))
	require.True(t, calls[2].on)
	require.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 35*time.Millisecond)

	last := calls[len(calls)-1]
	require.False(t, last.on, "playback must end silenced")
	require.Equal(t, Idle, p.Status().State)
	require.False(t, p.IsPlaying())
}

func TestStopDuringHoldSilencesAndHalts(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	p.Play(Sequence{Steps: []Step{
		{Triggers: []Trigger{NewTrigger(0, 1, 60, 100)}, DurationMs: 20},
		{Triggers: []Trigger{NewTrigger(0, 1, 62, 100), NewTrigger(1, 2, 64, 100)}, DurationMs: 500},
	}})
	require.Eventually(t, func() bool { return rec.count(62, true) == 1 && rec.count(64, true) == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	p.Stop()
	require.Less(t, time.Since(start), 300*time.Millisecond, "stop must cut the hold short")

	require.GreaterOrEqual(t, rec.count(62, false), 1)
	require.GreaterOrEqual(t, rec.count(64, false), 1)
	require.Equal(t, 1, rec.count(60, true), "loop must not restart after stop")

	n := len(rec.snapshot())
	time.Sleep(50 * time.Millisecond)
	require.Len(t, rec.snapshot(), n, "nothing dispatched after stop returned")
}

func TestQueueLatestWins(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	require.True(t, p.Play(oneStep(150, NewTrigger(0, 1, 60, 100))))
	require.Eventually(t, func() bool { return rec.count(60, true) == 1 }, waitFor, tick)

	require.False(t, p.Play(oneStep(50, NewTrigger(0, 1, 62, 100))))
	require.False(t, p.Play(oneStep(50, NewTrigger(0, 1, 64, 100))))
	require.True(t, p.Status().Queued)

	require.Eventually(t, func() bool { return rec.count(64, true) >= 1 }, waitFor, tick)
	require.False(t, p.Status().Queued)
	p.Stop()

	calls := rec.snapshot()
	require.Equal(t, 0, rec.count(62, true), "superseded sequence must never sound")
	require.Equal(t, 1, rec.count(60, true), "replacement waits for the pass boundary")

	offS1 := indexOf(calls, 60, false, 0)
	onS3 := indexOf(calls, 64, true, 0)
	require.NotEqual(t, -1, offS1)
	require.Less(t, offS1, onS3)
	require.GreaterOrEqual(t, calls[offS1].at.Sub(calls[0].at), 140*time.Millisecond, "running pass is not interrupted")
}

func TestStopDropsQueue(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	p.Play(oneStep(200, NewTrigger(0, 1, 60, 100)))
	require.Eventually(t, func() bool { return rec.count(60, true) == 1 }, waitFor, tick)
	p.Play(oneStep(10, NewTrigger(0, 1, 70, 100)))
	p.Stop()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, rec.count(70, true))
	require.Equal(t, Idle, p.Status().State)
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on an idle player")
	}
	require.Empty(t, rec.snapshot())
	require.Equal(t, Status{State: Idle}, p.Status())
}

func TestConcurrentStopsAllReturnAfterCleanup(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	p.Play(oneStep(100, NewTrigger(0, 1, 60, 100)))
	require.Eventually(t, func() bool { return rec.count(60, true) == 1 }, waitFor, tick)

	var early atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Stop()
			if p.IsPlaying() {
				early.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, early.Load(), "Stop returned before cleanup finished")
	require.GreaterOrEqual(t, rec.count(60, false), 1)
}

func TestSingleDriver(t *testing.T) {
	rec := &recorder{}
	p := NewPlayer(rec, Options{})
	var peak atomic.Int32
	rec.onSend = func(dispatch) {
		n := p.drivers.Load()
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
	}

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Play(oneStep(2, NewTrigger(0, 1, i, 100))) {
				started.Add(1)
			}
			if i%10 == 0 {
				p.Stop()
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	require.GreaterOrEqual(t, started.Load(), int32(1))
	require.LessOrEqual(t, peak.Load(), int32(1))
	require.Equal(t, int32(0), p.drivers.Load())
	require.Equal(t, Idle, p.Status().State)
}

func TestPlayWhileStoppingStartsAfterCleanup(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{}
	rec.onSend = func(d dispatch) {
		if !d.on && d.note == 60 {
			<-gate
		}
	}
	p := newTestPlayer(t, rec)

	p.Play(oneStep(500, NewTrigger(0, 1, 60, 100)))
	require.Eventually(t, func() bool { return rec.count(60, true) == 1 }, waitFor, tick)
	first := p.Status().Session

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return p.Status().State == Stopping }, waitFor, tick)

	require.False(t, p.Play(oneStep(20, NewTrigger(0, 1, 70, 100))))
	close(gate)
	<-stopped

	require.Eventually(t, func() bool { return rec.count(70, true) >= 1 }, waitFor, tick)
	st := p.Status()
	require.Equal(t, Playing, st.State)
	require.NotEqual(t, first, st.Session)

	calls := rec.snapshot()
	require.Less(t, indexOf(calls, 60, false, 0), indexOf(calls, 70, true, 0), "cleanup precedes the next session")
}

func TestDispatchErrorDoesNotStopPlayback(t *testing.T) {
	rec := &recorder{fail: map[int]error{9: errors.New("no such port")}}
	p := newTestPlayer(t, rec)

	p.Play(oneStep(10, NewTrigger(9, 1, 50, 100), NewTrigger(0, 1, 60, 100)))
	require.Eventually(t, func() bool { return rec.count(60, true) >= 3 }, waitFor, tick)

	st := p.Status()
	require.Equal(t, Playing, st.State)
	require.GreaterOrEqual(t, st.DispatchErrors, uint64(4))
}

func TestEmptySequenceDoesNotSpin(t *testing.T) {
	rec := &recorder{}
	p := NewPlayer(rec, Options{MinPassInterval: 20 * time.Millisecond})
	t.Cleanup(p.Stop)

	require.True(t, p.Play(Sequence{}))
	time.Sleep(110 * time.Millisecond)

	passes := p.Status().Passes
	require.GreaterOrEqual(t, passes, uint64(1))
	require.LessOrEqual(t, passes, uint64(7))

	start := time.Now()
	p.Stop()
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Empty(t, rec.snapshot())
}

func TestRestartGetsNewSession(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	p.Play(oneStep(10, NewTrigger(0, 1, 60, 100)))
	first := p.Status()
	require.NotEmpty(t, first.Session)
	require.False(t, first.StartedAt.IsZero())
	p.Stop()
	require.Empty(t, p.Status().Session)

	require.True(t, p.Play(oneStep(10, NewTrigger(0, 1, 60, 100))))
	require.NotEqual(t, first.Session, p.Status().Session)
}

func TestPlayCopiesSequence(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	seq := oneStep(10, NewTrigger(0, 1, 60, 100))
	p.Play(seq)
	seq.Steps[0].Triggers[0].Note = 99

	require.Eventually(t, func() bool { return rec.count(60, true) >= 2 }, waitFor, tick)
	require.Equal(t, 0, rec.count(99, true))
}

func TestPlayNormalizesChannel(t *testing.T) {
	rec := &recorder{}
	p := newTestPlayer(t, rec)

	p.Play(oneStep(10, Trigger{DeviceIndex: 0, Channel: 0, Note: 60, Velocity: 80}))
	require.Eventually(t, func() bool { return rec.count(60, true) >= 1 }, waitFor, tick)
	require.Equal(t, 1, rec.snapshot()[0].channel)
}

func TestShutdownRefusesPlay(t *testing.T) {
	rec := &recorder{}
	p := NewPlayer(rec, Options{})

	p.Play(oneStep(50, NewTrigger(0, 1, 60, 100)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	require.False(t, p.Play(oneStep(50, NewTrigger(0, 1, 61, 100))))
	require.Equal(t, Idle, p.Status().State)
	require.Equal(t, 0, rec.count(61, true))
}

func TestShutdownHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	rec := &recorder{onSend: func(d dispatch) {
		if !d.on {
			<-gate
		}
	}}
	p := NewPlayer(rec, Options{})
	defer close(gate)

	p.Play(oneStep(500, NewTrigger(0, 1, 60, 100)))
	require.Eventually(t, func() bool { return rec.count(60, true) == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
}

func TestUpdatesSignalsStateChanges(t *testing.T) {
	p := NewPlayer(&recorder{}, Options{})
	t.Cleanup(p.Stop)

	p.Play(oneStep(10, NewTrigger(0, 1, 60, 100)))
	select {
	case <-p.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update after Play")
	}
}

func TestPlayStateText(t *testing.T) {
	for state, want := range map[PlayState]string{Idle: "idle", Playing: "playing", Stopping: "stopping"} {
		b, err := state.MarshalText()
		require.NoError(t, err)
		require.Equal(t, want, string(b))
	}
}

func withoutTime(d dispatch) dispatch {
	d.at = time.Time{}
	return d
}
