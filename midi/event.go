package midi

import (
	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI message types
const (
	NoteOn  uint8 = 0x90
	NoteOff uint8 = 0x80
)

// Event is one outbound note instruction. The port is chosen by the caller.
type Event struct {
	Type     uint8 // NoteOn, NoteOff
	Channel  uint8 // 1-16
	Note     uint8
	Velocity uint8
}

// Message encodes the event for the wire. Channel is converted to gomidi's
// zero-based numbering; note-off always carries velocity 0.
func (e Event) Message() gomidi.Message {
	ch := e.Channel - 1
	if e.Type == NoteOff {
		return gomidi.NoteOff(ch, e.Note)
	}
	return gomidi.NoteOn(ch, e.Note, e.Velocity)
}
