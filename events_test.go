package patchbay

import (
	"bytes"
	"testing"
)

func TestControlEventToMidiData(t *testing.T) {
	tests := []struct {
		name    string
		ev      ControlEvent
		channel uint8
		want    []byte
	}{
		{
			name:    "parameter renders control change",
			ev:      ControlEvent{Kind: ControlParameter, Param: 7, Value: 1.0},
			channel: 0,
			want:    []byte{0xB0, 7, 0x7F},
		},
		{
			name:    "parameter value clamps to range",
			ev:      ControlEvent{Kind: ControlParameter, Param: 11, Value: 2.5},
			channel: 3,
			want:    []byte{0xB3, 11, 0x7F},
		},
		{
			name:    "internal parameter has no wire form",
			ev:      ControlEvent{Kind: ControlParameter, Param: 0x80, Value: 0.5},
			channel: 0,
			want:    nil,
		},
		{
			name:    "bank select",
			ev:      ControlEvent{Kind: ControlMidiBank, Value: 5},
			channel: 2,
			want:    []byte{0xB2, 0, 5},
		},
		{
			name:    "program change is two bytes",
			ev:      ControlEvent{Kind: ControlMidiProgram, Value: 42},
			channel: 9,
			want:    []byte{0xC9, 42},
		},
		{
			name:    "negative bank value clamps to zero",
			ev:      ControlEvent{Kind: ControlMidiBank, Value: -3},
			channel: 0,
			want:    []byte{0xB0, 0, 0},
		},
		{
			name:    "out-of-range program clamps",
			ev:      ControlEvent{Kind: ControlMidiProgram, Value: 200},
			channel: 0,
			want:    []byte{0xC0, 0x7F},
		},
		{
			name:    "all sound off",
			ev:      ControlEvent{Kind: ControlAllSoundOff},
			channel: 1,
			want:    []byte{0xB1, 120, 0},
		},
		{
			name:    "all notes off",
			ev:      ControlEvent{Kind: ControlAllNotesOff},
			channel: 15,
			want:    []byte{0xBF, 123, 0},
		},
		{
			name:    "null kind has no wire form",
			ev:      ControlEvent{Kind: ControlNull},
			channel: 0,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf [MidiDataSize]byte
			n := tt.ev.ToMidiData(tt.channel, buf[:])
			if int(n) != len(tt.want) {
				t.Fatalf("ToMidiData returned %d bytes, want %d", n, len(tt.want))
			}
			if n > 0 && !bytes.Equal(buf[:n], tt.want) {
				t.Errorf("ToMidiData wrote % X, want % X", buf[:n], tt.want)
			}
		})
	}
}

func TestMidiEventInlineStorage(t *testing.T) {
	var m MidiEvent
	m.Set([]byte{0x90, 0x40, 0x7F})

	if m.Size != 3 {
		t.Fatalf("expected size 3, got %d", m.Size)
	}
	if m.Ext != nil {
		t.Error("payload within inline capacity should not use Ext")
	}
	if !bytes.Equal(m.Bytes(), []byte{0x90, 0x40, 0x7F}) {
		t.Errorf("Bytes returned % X", m.Bytes())
	}
}

func TestMidiEventOverflowStorage(t *testing.T) {
	sysex := []byte{0xF0, 0x7E, 0x00, 0x06, 0x01, 0xF7}

	var m MidiEvent
	m.Set(sysex)

	if int(m.Size) != len(sysex) {
		t.Fatalf("expected size %d, got %d", len(sysex), m.Size)
	}
	if m.Ext == nil {
		t.Fatal("payload over inline capacity must use Ext")
	}
	if !bytes.Equal(m.Bytes(), sysex) {
		t.Errorf("Bytes returned % X, want % X", m.Bytes(), sysex)
	}
}

func TestMidiEventSetReplacesPreviousPayload(t *testing.T) {
	var m MidiEvent
	m.Set([]byte{0xF0, 0x7E, 0x00, 0x06, 0x01, 0xF7})
	m.Set([]byte{0xFE})

	if m.Size != 1 || m.Ext != nil {
		t.Fatalf("expected inline single byte, got size=%d ext=%v", m.Size, m.Ext)
	}
	if !bytes.Equal(m.Bytes(), []byte{0xFE}) {
		t.Errorf("Bytes returned % X", m.Bytes())
	}
}

func TestFillFromMidiDataControlChange(t *testing.T) {
	var ev EngineEvent
	ev.FillFromMidiData([]byte{0xB4, 7, 0x40})

	if ev.Kind != EventControl {
		t.Fatalf("expected control event, got kind %d", ev.Kind)
	}
	if ev.Channel != 4 {
		t.Errorf("expected channel 4, got %d", ev.Channel)
	}
	if ev.Ctrl.Kind != ControlParameter || ev.Ctrl.Param != 7 {
		t.Errorf("unexpected control %+v", ev.Ctrl)
	}
	want := float32(0x40) / 0x7F
	if ev.Ctrl.Value != want {
		t.Errorf("expected value %f, got %f", want, ev.Ctrl.Value)
	}
}

func TestFillFromMidiDataChannelModeVariants(t *testing.T) {
	var ev EngineEvent

	ev.FillFromMidiData([]byte{0xB0, 0, 3})
	if ev.Ctrl.Kind != ControlMidiBank || ev.Ctrl.Value != 3 {
		t.Errorf("bank select decoded as %+v", ev.Ctrl)
	}

	ev.FillFromMidiData([]byte{0xB0, 120, 0})
	if ev.Ctrl.Kind != ControlAllSoundOff {
		t.Errorf("all sound off decoded as %+v", ev.Ctrl)
	}

	ev.FillFromMidiData([]byte{0xB0, 123, 0})
	if ev.Ctrl.Kind != ControlAllNotesOff {
		t.Errorf("all notes off decoded as %+v", ev.Ctrl)
	}

	ev.FillFromMidiData([]byte{0xC2, 9})
	if ev.Kind != EventControl || ev.Ctrl.Kind != ControlMidiProgram || ev.Ctrl.Value != 9 {
		t.Errorf("program change decoded as kind=%d ctrl=%+v", ev.Kind, ev.Ctrl)
	}
	if ev.Channel != 2 {
		t.Errorf("expected channel 2, got %d", ev.Channel)
	}
}

func TestFillFromMidiDataRawPassThrough(t *testing.T) {
	note := []byte{0x91, 0x3C, 0x64}

	var ev EngineEvent
	ev.FillFromMidiData(note)

	if ev.Kind != EventMidi {
		t.Fatalf("note on should stay raw MIDI, got kind %d", ev.Kind)
	}
	if !bytes.Equal(ev.Midi.Bytes(), note) {
		t.Errorf("payload % X, want % X", ev.Midi.Bytes(), note)
	}
}

func TestFillFromMidiDataEmpty(t *testing.T) {
	ev := EngineEvent{Kind: EventMidi}
	ev.FillFromMidiData(nil)
	if ev.Kind != EventNull {
		t.Errorf("empty payload should null the event, got kind %d", ev.Kind)
	}
}

func TestControlRoundTripThroughWireForm(t *testing.T) {
	src := ControlEvent{Kind: ControlParameter, Param: 74, Value: 0.5}

	var buf [MidiDataSize]byte
	n := src.ToMidiData(6, buf[:])
	if n == 0 {
		t.Fatal("expected a wire form")
	}

	var ev EngineEvent
	ev.FillFromMidiData(buf[:n])
	if ev.Kind != EventControl || ev.Channel != 6 {
		t.Fatalf("decoded kind=%d channel=%d", ev.Kind, ev.Channel)
	}
	if ev.Ctrl.Kind != ControlParameter || ev.Ctrl.Param != 74 {
		t.Errorf("decoded control %+v", ev.Ctrl)
	}
}
