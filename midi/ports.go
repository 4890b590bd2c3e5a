package midi

import (
	"errors"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// ErrScanTimeout is returned when the driver does not answer a port query in time.
var ErrScanTimeout = errors.New("midi: port scan timed out")

// Device describes one output port as exposed to clients.
type Device struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// PortSource returns the current output ports in driver order.
type PortSource func() []drivers.Out

// SystemPorts lists output ports of the registered gomidi driver.
func SystemPorts() []drivers.Out {
	return gomidi.GetOutPorts()
}

// scanOutputs queries src with a timeout. Some drivers (CoreMIDI in
// particular) can hang indefinitely; the query goroutine is abandoned then.
func scanOutputs(src PortSource, timeout time.Duration) ([]drivers.Out, error) {
	if timeout <= 0 {
		return src(), nil
	}
	ch := make(chan []drivers.Out, 1)
	go func() {
		ch <- src()
	}()
	select {
	case outs := <-ch:
		return outs, nil
	case <-time.After(timeout):
		return nil, ErrScanTimeout
	}
}

// ListOutputs scans src once and describes the ports found.
func ListOutputs(src PortSource, timeout time.Duration) ([]Device, error) {
	if src == nil {
		src = SystemPorts
	}
	outs, err := scanOutputs(src, timeout)
	if err != nil {
		return nil, err
	}
	return Describe(outs), nil
}

// Describe maps ports to their index and display name.
func Describe(outs []drivers.Out) []Device {
	devices := make([]Device, 0, len(outs))
	for i, p := range outs {
		devices = append(devices, Device{Index: i, Name: p.String()})
	}
	return devices
}

func sameNames(a, b []drivers.Out) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
