package sequencer

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"midiloop/logx"
)

// errorReporter logs failed dispatches without flooding: a dead device at
// step rate would otherwise emit a line per note.
type errorReporter struct {
	log        logx.Logger
	limiter    *rate.Limiter
	total      atomic.Uint64
	suppressed atomic.Uint64
}

func newErrorReporter(log logx.Logger, perSec int) *errorReporter {
	if perSec <= 0 {
		perSec = 5
	}
	return &errorReporter{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(perSec)), perSec),
	}
}

func (r *errorReporter) dispatchFailed(tr Trigger, on bool, err error) {
	r.total.Add(1)
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	kind := "off"
	if on {
		kind = "on"
	}
	fields := []logx.Field{
		logx.String("kind", kind),
		logx.Int("device", tr.DeviceIndex),
		logx.Int("channel", tr.Channel),
		logx.Int("note", tr.Note),
		logx.Err(err),
	}
	if n := r.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	r.log.Warn("note dispatch failed", fields...)
}

// Total is the number of failed dispatches since the reporter was created.
func (r *errorReporter) Total() uint64 {
	return r.total.Load()
}
