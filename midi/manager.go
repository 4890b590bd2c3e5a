package midi

import (
	"context"
	"sync"
	"time"

	"midiloop/logx"
)

// DeviceEvent is emitted when output ports appear or disappear
type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

type DeviceEventType int

const (
	DeviceConnected DeviceEventType = iota
	DeviceDisconnected
)

func (t DeviceEventType) String() string {
	if t == DeviceConnected {
		return "connected"
	}
	return "disconnected"
}

// DeviceManager handles hot-plug detection of output ports and keeps the
// Output's port table in sync.
type DeviceManager struct {
	output      *Output
	source      PortSource
	log         logx.Logger
	pollRate    time.Duration
	scanTimeout time.Duration

	mu      sync.RWMutex
	devices []Device
	events  chan DeviceEvent
}

// NewDeviceManager creates a device manager feeding out.
func NewDeviceManager(out *Output, pollRate time.Duration, log logx.Logger) *DeviceManager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &DeviceManager{
		output:      out,
		source:      out.source,
		log:         log,
		pollRate:    pollRate,
		scanTimeout: out.scanTimeout,
		events:      make(chan DeviceEvent, 16),
	}
}

// Events returns a channel of device connect/disconnect events.
// Events are dropped when nobody is reading.
func (dm *DeviceManager) Events() <-chan DeviceEvent {
	return dm.events
}

// Devices returns a snapshot of the last scan
func (dm *DeviceManager) Devices() []Device {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return append([]Device(nil), dm.devices...)
}

// Run starts the polling loop (blocking - run in goroutine)
func (dm *DeviceManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(dm.pollRate)
	defer ticker.Stop()

	dm.scan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dm.scan()
		}
	}
}

func (dm *DeviceManager) scan() {
	outs, err := scanOutputs(dm.source, dm.scanTimeout)
	if err != nil {
		// driver hung - skip this scan
		dm.log.Warn("port scan failed", logx.Err(err))
		return
	}
	dm.output.Refresh(outs)
	current := Describe(outs)

	dm.mu.Lock()
	prev := dm.devices
	dm.devices = current
	dm.mu.Unlock()

	seen := make(map[Device]bool, len(prev))
	for _, d := range prev {
		seen[d] = true
	}
	now := make(map[Device]bool, len(current))
	for _, d := range current {
		now[d] = true
		if !seen[d] {
			dm.emit(DeviceEvent{Type: DeviceConnected, Device: d})
		}
	}
	for _, d := range prev {
		if !now[d] {
			dm.emit(DeviceEvent{Type: DeviceDisconnected, Device: d})
		}
	}
}

func (dm *DeviceManager) emit(evt DeviceEvent) {
	dm.log.Info("output "+evt.Type.String(), logx.Int("index", evt.Device.Index), logx.String("name", evt.Device.Name))
	select {
	case dm.events <- evt:
	default:
	}
}
