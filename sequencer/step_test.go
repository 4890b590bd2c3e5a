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

func TestStepOnHoldOff(t *testing.T) {
	rec := &recorder{}
	x := stepExecutor{sender: rec}

	x.play(context.Background(), Step{
		Triggers:   []Trigger{NewTrigger(0, 1, 60, 100)},
		DurationMs: 30,
	})

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	require.True(t, calls[0].on)
	require.Equal(t, 100, calls[0].velocity)
	require.False(t, calls[1].on)
	require.Equal(t, 0, calls[1].velocity)
	require.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 25*time.Millisecond)
}

func TestStepZeroDurationIsBackToBack(t *testing.T) {
	rec := &recorder{}
	x := stepExecutor{sender: rec}

	start := time.Now()
	x.play(context.Background(), Step{Triggers: []Trigger{NewTrigger(0, 1, 60, 100)}})

	require.Less(t, time.Since(start), 50*time.Millisecond)
	calls := rec.snapshot()
	require.Len(t, calls, 2)
	require.True(t, calls[0].on)
	require.False(t, calls[1].on)
}

func TestStepEmptyWaitsWithoutIO(t *testing.T) {
	rec := &recorder{}
	x := stepExecutor{sender: rec}

	start := time.Now()
	x.play(context.Background(), Step{DurationMs: 20})

	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Empty(t, rec.snapshot())
}

func TestStepCancelledStillSendsOff(t *testing.T) {
	rec := &recorder{}
	x := stepExecutor{sender: rec}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	x.play(ctx, Step{
		Triggers:   []Trigger{NewTrigger(0, 1, 60, 100), NewTrigger(0, 2, 64, 90)},
		DurationMs: 10_000,
	})

	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, rec.count(60, false))
	require.Equal(t, 1, rec.count(64, false))
}

func TestStepFanOutIsConcurrent(t *testing.T) {
	const n = 4
	var arrived atomic.Int32
	var timedOut atomic.Bool
	release := make(chan struct{})
	var once sync.Once

	rec := &recorder{onSend: func(d dispatch) {
		if !d.on {
			return
		}
		if arrived.Add(1) == n {
			once.Do(func() { close(release) })
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
			timedOut.Store(true)
		}
	}}
	x := stepExecutor{sender: rec}

	triggers := make([]Trigger, n)
	for i := range triggers {
		triggers[i] = NewTrigger(i, 1, 60+i, 100)
	}
	x.play(context.Background(), Step{Triggers: triggers})

	require.False(t, timedOut.Load(), "note-on dispatches ran one after another")
	require.Len(t, rec.snapshot(), 2*n)
}

func TestStepFailureIsLocal(t *testing.T) {
	boom := errors.New("port gone")
	rec := &recorder{fail: map[int]error{3: boom}}

	var mu sync.Mutex
	var failed []Trigger
	var errs []error
	x := stepExecutor{sender: rec, report: func(tr Trigger, on bool, err error) {
		mu.Lock()
		failed = append(failed, tr)
		errs = append(errs, err)
		mu.Unlock()
	}}

	x.play(context.Background(), Step{Triggers: []Trigger{
		NewTrigger(0, 1, 60, 100),
		NewTrigger(3, 1, 62, 100),
		NewTrigger(1, 1, 64, 100),
	}})

	require.Len(t, rec.snapshot(), 6)
	require.Len(t, failed, 2)
	for i := range failed {
		require.Equal(t, 3, failed[i].DeviceIndex)
		require.ErrorIs(t, errs[i], boom)
	}
}

type panicSender struct{}

func (panicSender) SendNote(int, int, int, int, bool) error { panic("driver bug") }

func TestStepRecoversSenderPanic(t *testing.T) {
	var errs atomic.Int32
	x := stepExecutor{sender: panicSender{}, report: func(Trigger, bool, error) { errs.Add(1) }}

	require.NotPanics(t, func() {
		x.play(context.Background(), Step{Triggers: []Trigger{NewTrigger(0, 1, 60, 100)}})
	})
	require.Equal(t, int32(2), errs.Load())
}

func TestSleepCtx(t *testing.T) {
	require.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, sleepCtx(ctx, time.Hour))
	require.False(t, sleepCtx(ctx, 0))
}
