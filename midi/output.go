package midi

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

var (
	ErrUnknownDevice = errors.New("midi: unknown device")
	ErrOutOfRange    = errors.New("midi: value out of range")
)

// NoteSender is the only capability the scheduler needs from the I/O layer.
// Implementations must be safe for concurrent use.
type NoteSender interface {
	SendNote(device, channel, note, velocity int, on bool) error
}

// Output sends notes to gomidi output ports addressed by index.
// Ports are opened lazily on first use and kept open until Refresh notices
// that the port list changed, or Close is called.
type Output struct {
	source      PortSource
	scanTimeout time.Duration

	mu      sync.RWMutex
	outs    []drivers.Out
	scanned bool
	senders map[int]*portSender
}

// portSender serializes writes to one port; different ports send in parallel.
type portSender struct {
	mu   sync.Mutex
	port drivers.Out
	send func(gomidi.Message) error
}

// NewOutput creates an output over src. A nil src uses SystemPorts.
func NewOutput(src PortSource, scanTimeout time.Duration) *Output {
	if src == nil {
		src = SystemPorts
	}
	return &Output{
		source:      src,
		scanTimeout: scanTimeout,
		senders:     make(map[int]*portSender),
	}
}

// SendNote implements NoteSender.
func (o *Output) SendNote(device, channel, note, velocity int, on bool) error {
	if channel < 1 || channel > 16 {
		return fmt.Errorf("%w: channel %d", ErrOutOfRange, channel)
	}
	if note < 0 || note > 127 {
		return fmt.Errorf("%w: note %d", ErrOutOfRange, note)
	}
	if velocity < 0 || velocity > 127 {
		return fmt.Errorf("%w: velocity %d", ErrOutOfRange, velocity)
	}

	ps, err := o.sender(device)
	if err != nil {
		return err
	}

	evt := Event{Type: NoteOn, Channel: uint8(channel), Note: uint8(note), Velocity: uint8(velocity)}
	if !on {
		evt.Type = NoteOff
		evt.Velocity = 0
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err := ps.send(evt.Message()); err != nil {
		return fmt.Errorf("midi: device %d: %w", device, err)
	}
	return nil
}

// Devices rescans the ports and returns them. The sender table is refreshed
// as a side effect so indices stay consistent with what clients see.
func (o *Output) Devices() ([]Device, error) {
	outs, err := scanOutputs(o.source, o.scanTimeout)
	if err != nil {
		return nil, err
	}
	o.Refresh(outs)
	return Describe(outs), nil
}

// Refresh installs a new port list. When names or order changed every cached
// sender is dropped, since indices may now point at different hardware.
func (o *Output) Refresh(outs []drivers.Out) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scanned && sameNames(o.outs, outs) {
		return
	}
	o.closeSendersLocked()
	o.outs = outs
	o.scanned = true
}

// Close closes every port opened by this output.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeSendersLocked()
	return nil
}

func (o *Output) closeSendersLocked() {
	for idx, ps := range o.senders {
		ps.mu.Lock()
		if ps.port.IsOpen() {
			_ = ps.port.Close()
		}
		ps.mu.Unlock()
		delete(o.senders, idx)
	}
}

// sender returns the sender for a port index, lazily opening the port.
func (o *Output) sender(device int) (*portSender, error) {
	o.mu.RLock()
	if ps, ok := o.senders[device]; ok {
		o.mu.RUnlock()
		return ps, nil
	}
	scanned := o.scanned
	o.mu.RUnlock()

	if !scanned {
		outs, err := scanOutputs(o.source, o.scanTimeout)
		if err != nil {
			return nil, err
		}
		o.Refresh(outs)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Double-check after acquiring write lock
	if ps, ok := o.senders[device]; ok {
		return ps, nil
	}
	if device < 0 || device >= len(o.outs) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, device)
	}
	port := o.outs[device]
	send, err := gomidi.SendTo(port)
	if err != nil {
		return nil, fmt.Errorf("midi: open %q: %w", port.String(), err)
	}
	ps := &portSender{port: port, send: send}
	o.senders[device] = ps
	return ps, nil
}
