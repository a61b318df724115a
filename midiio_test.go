package patchbay

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// fakeMidiDriver is an in-memory gomidi backend. Tests deliver input by
// invoking the listener a port captured and read output from the port's
// sent slice. Enumeration is mutex-guarded so hotplug tests can swap the
// port set while the device monitor polls.
type fakeMidiDriver struct {
	mu   sync.Mutex
	ins  []*fakeMidiIn
	outs []*fakeMidiOut
}

func (d *fakeMidiDriver) Ins() ([]drivers.In, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ins := make([]drivers.In, len(d.ins))
	for i, p := range d.ins {
		ins[i] = p
	}
	return ins, nil
}

func (d *fakeMidiDriver) Outs() ([]drivers.Out, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	outs := make([]drivers.Out, len(d.outs))
	for i, p := range d.outs {
		outs[i] = p
	}
	return outs, nil
}

func (d *fakeMidiDriver) SetIns(ins ...*fakeMidiIn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ins = ins
}

func (d *fakeMidiDriver) String() string { return "fake midi" }
func (d *fakeMidiDriver) Close() error   { return nil }

type fakeMidiIn struct {
	name   string
	number int
	open   bool
	onMsg  func(msg []byte, ms int32)
}

func (p *fakeMidiIn) Open() error             { p.open = true; return nil }
func (p *fakeMidiIn) Close() error            { p.open = false; return nil }
func (p *fakeMidiIn) IsOpen() bool            { return p.open }
func (p *fakeMidiIn) Number() int             { return p.number }
func (p *fakeMidiIn) String() string          { return p.name }
func (p *fakeMidiIn) Underlying() interface{} { return nil }

func (p *fakeMidiIn) Listen(onMsg func(msg []byte, milliseconds int32), config drivers.ListenConfig) (func(), error) {
	p.onMsg = onMsg
	return func() { p.onMsg = nil }, nil
}

type fakeMidiOut struct {
	name   string
	number int
	open   bool
	sent   [][]byte
}

func (p *fakeMidiOut) Open() error             { p.open = true; return nil }
func (p *fakeMidiOut) Close() error            { p.open = false; return nil }
func (p *fakeMidiOut) IsOpen() bool            { return p.open }
func (p *fakeMidiOut) Number() int             { return p.number }
func (p *fakeMidiOut) String() string          { return p.name }
func (p *fakeMidiOut) Underlying() interface{} { return nil }

func (p *fakeMidiOut) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	p.sent = append(p.sent, buf)
	return nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestPool(drv *fakeMidiDriver) (*MidiIOPool, *midiInQueue, *uint64) {
	queue := newMidiInQueue()
	frame := new(uint64)
	pool := newMidiIOPool(drv, func() uint64 { return *frame }, queue, testLogger())
	return pool, queue, frame
}

func TestAvailableInputsFiltersBridgeArtifacts(t *testing.T) {
	drv := &fakeMidiDriver{
		ins: []*fakeMidiIn{
			{name: "Keystation 61", number: 0},
			{name: "a2jmidid - port", number: 1},
			{name: "nanoKONTROL2", number: 2},
		},
	}
	pool, _, _ := newTestPool(drv)

	infos, err := pool.AvailableInputs()
	if err != nil {
		t.Fatalf("AvailableInputs failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 inputs, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Name == "a2jmidid - port" {
			t.Error("bridge artifact leaked into enumeration")
		}
	}
	if infos[0].Identifier != "Keystation 61#0" {
		t.Errorf("unexpected identifier %q", infos[0].Identifier)
	}
}

func TestConnectInputUnknownPortLeavesPoolUnchanged(t *testing.T) {
	drv := &fakeMidiDriver{ins: []*fakeMidiIn{{name: "Keystation 61"}}}
	pool, _, _ := newTestPool(drv)

	err := pool.ConnectInput("no such port")
	if !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("expected ErrPortNotFound, got %v", err)
	}
	if pool.InputCount() != 0 {
		t.Errorf("failed connect left %d handles", pool.InputCount())
	}
}

func TestConnectInputFeedsQueueWithEngineClock(t *testing.T) {
	in := &fakeMidiIn{name: "Keystation 61"}
	drv := &fakeMidiDriver{ins: []*fakeMidiIn{in}}
	pool, queue, frame := newTestPool(drv)

	if err := pool.ConnectInput("Keystation 61"); err != nil {
		t.Fatalf("ConnectInput failed: %v", err)
	}
	if !in.open {
		t.Fatal("connect did not open the device")
	}
	if in.onMsg == nil {
		t.Fatal("connect did not start listening")
	}

	*frame = 4096
	in.onMsg([]byte{0x90, 0x40, 0x7F}, 0)

	dst := make([]EngineEvent, MaxEventCount)
	n := queue.Drain(dst, 4096, 256, nil)
	if n != 1 {
		t.Fatalf("expected 1 queued event, got %d", n)
	}
	if dst[0].Time != 0 {
		t.Errorf("event stamped at offset %d, want 0", dst[0].Time)
	}
}

func TestConnectSameInputTwiceCreatesIndependentHandles(t *testing.T) {
	in := &fakeMidiIn{name: "Keystation 61"}
	drv := &fakeMidiDriver{ins: []*fakeMidiIn{in}}
	pool, _, _ := newTestPool(drv)

	if err := pool.ConnectInput("Keystation 61"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if err := pool.ConnectInput("Keystation 61"); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	if pool.InputCount() != 2 {
		t.Fatalf("expected 2 handles, got %d", pool.InputCount())
	}

	// Disconnect releases the first matching handle only.
	if err := pool.DisconnectInput("Keystation 61"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if pool.InputCount() != 1 {
		t.Errorf("expected 1 handle after disconnect, got %d", pool.InputCount())
	}
}

func TestDisconnectOutputNotConnected(t *testing.T) {
	drv := &fakeMidiDriver{outs: []*fakeMidiOut{{name: "FluidSynth"}}}
	pool, _, _ := newTestPool(drv)

	if err := pool.DisconnectOutput("FluidSynth"); !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("expected ErrPortNotFound, got %v", err)
	}
}

func TestDispatchOutputRendersEvents(t *testing.T) {
	out := &fakeMidiOut{name: "FluidSynth"}
	drv := &fakeMidiDriver{outs: []*fakeMidiOut{out}}
	pool, _, _ := newTestPool(drv)

	if err := pool.ConnectOutput("FluidSynth"); err != nil {
		t.Fatalf("ConnectOutput failed: %v", err)
	}

	events := make([]EngineEvent, MaxEventCount)
	events[0] = EngineEvent{
		Kind:    EventControl,
		Time:    0,
		Channel: 2,
		Ctrl:    ControlEvent{Kind: ControlParameter, Param: 7, Value: 1},
	}
	events[1] = EngineEvent{Kind: EventMidi, Time: 128}
	events[1].Midi.Set([]byte{0x90, 0x3C, 0x64})
	// Internal parameter: no wire form, skipped without breaking the scan.
	events[2] = EngineEvent{
		Kind: EventControl,
		Ctrl: ControlEvent{Kind: ControlParameter, Param: 0x90, Value: 1},
	}
	events[3] = EngineEvent{Kind: EventMidi, Time: 200}
	events[3].Midi.Set([]byte{0xB0, 64, 127})

	pool.dispatchOutput(events, 256)

	want := [][]byte{
		{0xB2, 7, 0x7F},
		{0x90, 0x3C, 0x64},
		{0xB0, 64, 127},
	}
	if len(out.sent) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(out.sent))
	}
	for i, msg := range want {
		if !bytes.Equal(out.sent[i], msg) {
			t.Errorf("message %d is % X, want % X", i, out.sent[i], msg)
		}
	}
}

func TestDispatchOutputStopsAtNullEvent(t *testing.T) {
	out := &fakeMidiOut{name: "FluidSynth"}
	drv := &fakeMidiDriver{outs: []*fakeMidiOut{out}}
	pool, _, _ := newTestPool(drv)

	if err := pool.ConnectOutput("FluidSynth"); err != nil {
		t.Fatalf("ConnectOutput failed: %v", err)
	}

	events := make([]EngineEvent, MaxEventCount)
	events[0] = EngineEvent{Kind: EventMidi}
	events[0].Midi.Set([]byte{0x90, 0x3C, 0x64})
	// events[1] stays EventNull; nothing past it may be sent.
	events[2] = EngineEvent{Kind: EventMidi}
	events[2].Midi.Set([]byte{0x80, 0x3C, 0x00})

	pool.dispatchOutput(events, 256)

	if len(out.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out.sent))
	}
}

func TestPoolCloseReleasesEverything(t *testing.T) {
	in := &fakeMidiIn{name: "Keystation 61"}
	out := &fakeMidiOut{name: "FluidSynth"}
	drv := &fakeMidiDriver{ins: []*fakeMidiIn{in}, outs: []*fakeMidiOut{out}}
	pool, queue, _ := newTestPool(drv)

	if err := pool.ConnectInput("Keystation 61"); err != nil {
		t.Fatalf("ConnectInput failed: %v", err)
	}
	if err := pool.ConnectOutput("FluidSynth"); err != nil {
		t.Fatalf("ConnectOutput failed: %v", err)
	}
	queue.Append(0, []byte{0x90, 0x40, 0x7F})

	pool.Close()
	pool.Close() // idempotent

	if in.open || out.open {
		t.Error("close left device handles open")
	}
	if pool.InputCount() != 0 || pool.OutputCount() != 0 {
		t.Error("close left pool entries behind")
	}
	dst := make([]EngineEvent, MaxEventCount)
	if n := queue.Drain(dst, 0, 256, nil); n != 0 {
		t.Errorf("close left %d queued events", n)
	}
}
