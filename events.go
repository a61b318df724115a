package patchbay

import "golang.org/x/exp/constraints"

// Fixed capacities for the per-block event buffers. Both are sized once at
// engine creation so nothing on the realtime path ever allocates.
const (
	// MaxEventCount is the capacity of the incoming and outgoing event
	// buffers for a single block. Events beyond this count are dropped
	// within the block that produced them.
	MaxEventCount = 512

	// MidiDataSize is the inline payload capacity of a MidiEvent. Larger
	// payloads go through the Ext overflow slice instead.
	MidiDataSize = 4
)

// EventKind discriminates the union carried by EngineEvent.
type EventKind uint8

const (
	EventNull EventKind = iota
	EventControl
	EventMidi
)

// ControlKind identifies the control event variants that have a fixed
// MIDI wire encoding.
type ControlKind uint8

const (
	ControlNull ControlKind = iota
	ControlParameter
	ControlMidiBank
	ControlMidiProgram
	ControlAllSoundOff
	ControlAllNotesOff
)

// MIDI status bytes used by the control event encoding.
const (
	midiStatusControlChange  = 0xB0
	midiStatusProgramChange  = 0xC0
	midiControlBankSelect    = 0x00
	midiControlAllSoundOff   = 120
	midiControlAllNotesOff   = 123
	midiMaxControlValue      = 0x7F
)

// ControlEvent is the engine-internal form of a parameter or channel-mode
// change. Value is normalized to [0, 1].
type ControlEvent struct {
	Kind  ControlKind
	Param uint16
	Value float32
}

// ToMidiData renders the event to raw MIDI bytes for the given channel and
// returns the number of bytes written. A zero return means the event has no
// wire form and must be skipped.
func (c ControlEvent) ToMidiData(channel uint8, out []byte) uint8 {
	if len(out) < 3 {
		return 0
	}
	ch := channel & 0x0F

	switch c.Kind {
	case ControlParameter:
		if c.Param > midiMaxControlValue {
			// Internal (non-MIDI) parameter index, nothing to send.
			return 0
		}
		out[0] = midiStatusControlChange | ch
		out[1] = byte(c.Param)
		out[2] = byte(clamp(c.Value, 0, 1) * midiMaxControlValue)
		return 3

	case ControlMidiBank:
		out[0] = midiStatusControlChange | ch
		out[1] = midiControlBankSelect
		out[2] = byte(clamp(c.Value, 0, midiMaxControlValue))
		return 3

	case ControlMidiProgram:
		out[0] = midiStatusProgramChange | ch
		out[1] = byte(clamp(c.Value, 0, midiMaxControlValue))
		return 2

	case ControlAllSoundOff:
		out[0] = midiStatusControlChange | ch
		out[1] = midiControlAllSoundOff
		out[2] = 0
		return 3

	case ControlAllNotesOff:
		out[0] = midiStatusControlChange | ch
		out[1] = midiControlAllNotesOff
		out[2] = 0
		return 3
	}

	return 0
}

// MidiEvent is a raw MIDI message with small-buffer optimization: payloads up
// to MidiDataSize bytes live inline in Data, anything larger is referenced
// through Ext. Ext is owned by whoever produced the event and must stay valid
// for the duration of the block.
type MidiEvent struct {
	Size uint8
	Data [MidiDataSize]byte
	Ext  []byte
}

// Set copies data into the inline buffer when it fits, otherwise keeps a
// reference to it in Ext.
func (m *MidiEvent) Set(data []byte) {
	if len(data) > 0xFF {
		data = data[:0xFF]
	}
	m.Size = uint8(len(data))
	if len(data) <= MidiDataSize {
		copy(m.Data[:], data)
		for i := len(data); i < MidiDataSize; i++ {
			m.Data[i] = 0
		}
		m.Ext = nil
		return
	}
	m.Ext = data
}

// Bytes returns the payload, inline or overflow.
func (m *MidiEvent) Bytes() []byte {
	if m.Size == 0 {
		return nil
	}
	if int(m.Size) > MidiDataSize && m.Ext != nil {
		return m.Ext[:m.Size]
	}
	if int(m.Size) > MidiDataSize {
		return nil
	}
	return m.Data[:m.Size]
}

// EngineEvent is one frame-stamped event inside a block. Time is the frame
// offset relative to the block start.
type EngineEvent struct {
	Kind    EventKind
	Time    uint32
	Channel uint8
	Ctrl    ControlEvent
	Midi    MidiEvent
}

// FillFromMidiData decodes raw MIDI bytes into the event, turning control
// change and program change messages into their control event form and
// keeping everything else as raw MIDI.
func (ev *EngineEvent) FillFromMidiData(data []byte) {
	if len(data) == 0 {
		ev.Kind = EventNull
		return
	}

	status := data[0]
	ev.Channel = status & 0x0F

	switch {
	case status&0xF0 == midiStatusControlChange && len(data) >= 3:
		ctrl := data[1]
		switch ctrl {
		case midiControlBankSelect:
			ev.Ctrl = ControlEvent{Kind: ControlMidiBank, Value: float32(data[2])}
		case midiControlAllSoundOff:
			ev.Ctrl = ControlEvent{Kind: ControlAllSoundOff}
		case midiControlAllNotesOff:
			ev.Ctrl = ControlEvent{Kind: ControlAllNotesOff}
		default:
			ev.Ctrl = ControlEvent{
				Kind:  ControlParameter,
				Param: uint16(ctrl),
				Value: float32(data[2]) / midiMaxControlValue,
			}
		}
		ev.Kind = EventControl
		ev.Midi = MidiEvent{}

	case status&0xF0 == midiStatusProgramChange && len(data) >= 2:
		ev.Ctrl = ControlEvent{Kind: ControlMidiProgram, Value: float32(data[1])}
		ev.Kind = EventControl
		ev.Midi = MidiEvent{}

	default:
		ev.Kind = EventMidi
		ev.Ctrl = ControlEvent{}
		ev.Midi.Set(data)
	}
}

// EventBuffers holds the per-block incoming and outgoing event buffers that
// the engine hands to the processing graph. Both slices have a fixed length
// of MaxEventCount; unused tail entries have Kind == EventNull.
type EventBuffers struct {
	In  []EngineEvent
	Out []EngineEvent
}

func newEventBuffers() EventBuffers {
	return EventBuffers{
		In:  make([]EngineEvent, MaxEventCount),
		Out: make([]EngineEvent, MaxEventCount),
	}
}

func clearEvents(evs []EngineEvent) {
	for i := range evs {
		evs[i] = EngineEvent{}
	}
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
