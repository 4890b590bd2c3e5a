package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"midiloop/midi"
)

// stepExecutor plays single steps: note-on fan-out, hold, note-off fan-out.
type stepExecutor struct {
	sender midi.NoteSender
	report func(tr Trigger, on bool, err error)
}

// play sounds one step. The hold is cut short when ctx is cancelled, but both
// fan-outs always run to completion so no trigger is left hanging.
func (x stepExecutor) play(ctx context.Context, step Step) {
	x.fanOut(step.Triggers, true)
	if step.DurationMs > 0 {
		sleepCtx(ctx, time.Duration(step.DurationMs)*time.Millisecond)
	}
	x.fanOut(step.Triggers, false)
}

// fanOut dispatches to every trigger concurrently and waits for all of them.
// A failing dispatch never cancels its siblings.
func (x stepExecutor) fanOut(triggers []Trigger, on bool) {
	switch len(triggers) {
	case 0:
		return
	case 1:
		x.dispatch(triggers[0], on)
		return
	}
	var wg sync.WaitGroup
	wg.Add(len(triggers))
	for _, tr := range triggers {
		go func(tr Trigger) {
			defer wg.Done()
			x.dispatch(tr, on)
		}(tr)
	}
	wg.Wait()
}

func (x stepExecutor) dispatch(tr Trigger, on bool) {
	velocity := tr.Velocity
	if !on {
		velocity = 0
	}
	defer func() {
		if r := recover(); r != nil {
			x.fail(tr, on, fmt.Errorf("note sender panicked: %v", r))
		}
	}()
	if err := x.sender.SendNote(tr.DeviceIndex, tr.Channel, tr.Note, velocity, on); err != nil {
		x.fail(tr, on, err)
	}
}

func (x stepExecutor) fail(tr Trigger, on bool, err error) {
	if x.report != nil {
		x.report(tr, on, err)
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
