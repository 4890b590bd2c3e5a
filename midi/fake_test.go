package midi

import (
	"errors"
	"sync"

	"gitlab.com/gomidi/midi/v2/drivers"
)

// fakeOut is an in-memory drivers.Out recording every message.
type fakeOut struct {
	mu       sync.Mutex
	name     string
	num      int
	open     bool
	opens    int
	sent     [][]byte
	failSend error
}

func newFakeOut(num int, name string) *fakeOut {
	return &fakeOut{num: num, name: name}
}

func (f *fakeOut) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.opens++
	return nil
}

func (f *fakeOut) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeOut) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeOut) Number() int             { return f.num }
func (f *fakeOut) String() string          { return f.name }
func (f *fakeOut) Underlying() interface{} { return nil }

func (f *fakeOut) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("port closed")
	}
	if f.failSend != nil {
		return f.failSend
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeOut) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

// fakePorts is a mutable PortSource.
type fakePorts struct {
	mu   sync.Mutex
	outs []drivers.Out
}

func (p *fakePorts) set(outs ...drivers.Out) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs = outs
}

func (p *fakePorts) source() []drivers.Out {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]drivers.Out(nil), p.outs...)
}
