package patchbay

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// virtualArtifactNames lists MIDI device names that are bridge artifacts of
// other routing layers. Connecting to them would create self-referential
// loops, so enumeration skips them.
var virtualArtifactNames = []string{
	"a2jmidid - port",
}

// PortInfo describes one enumerated MIDI device port.
type PortInfo struct {
	Name       string
	Identifier string
	Number     int
}

func portIdentifier(name string, number int) string {
	return fmt.Sprintf("%s#%d", name, number)
}

func isVirtualArtifact(name string) bool {
	for _, artifact := range virtualArtifactNames {
		if strings.EqualFold(name, artifact) {
			return true
		}
	}
	return false
}

// midiInPort is one open MIDI input handle. Input handles are owned by the
// control thread; the realtime thread only ever sees the event queue they
// feed.
type midiInPort struct {
	in         drivers.In
	stop       func()
	name       string
	identifier string
}

// midiOutPort is one open MIDI output handle. The output list is shared with
// the realtime dispatch path and guarded by MidiIOPool.outMu.
type midiOutPort struct {
	out        drivers.Out
	send       func(midi.Message) error
	name       string
	identifier string
}

// deliver writes one rendered message. offset is the event position as a
// fraction of the block duration; gomidi drivers deliver immediately, so it
// only matters for backends that schedule.
func (p *midiOutPort) deliver(data []byte, offset float64) error {
	_ = offset
	return p.send(midi.Message(data))
}

// MidiIOPool tracks open MIDI input and output device handles by name and
// identifier. Inputs feed the realtime event queue; outputs receive the
// rendered per-block events.
type MidiIOPool struct {
	drv   drivers.Driver
	clock func() uint64
	queue *midiInQueue
	lg    *log.Logger

	// ins is mutated and read by the control thread only.
	ins []*midiInPort

	// outs is shared with the realtime output dispatch.
	outMu sync.Mutex
	outs  []*midiOutPort
}

func newMidiIOPool(drv drivers.Driver, clock func() uint64, queue *midiInQueue, lg *log.Logger) *MidiIOPool {
	return &MidiIOPool{drv: drv, clock: clock, queue: queue, lg: lg}
}

// AvailableInputs enumerates connectable MIDI input devices, with bridge
// artifacts filtered out.
func (p *MidiIOPool) AvailableInputs() ([]PortInfo, error) {
	ins, err := p.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("MIDI input enumeration failed: %w", err)
	}
	infos := make([]PortInfo, 0, len(ins))
	for _, in := range ins {
		if isVirtualArtifact(in.String()) {
			continue
		}
		infos = append(infos, PortInfo{
			Name:       in.String(),
			Identifier: portIdentifier(in.String(), in.Number()),
			Number:     in.Number(),
		})
	}
	return infos, nil
}

// AvailableOutputs enumerates connectable MIDI output devices.
func (p *MidiIOPool) AvailableOutputs() ([]PortInfo, error) {
	outs, err := p.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("MIDI output enumeration failed: %w", err)
	}
	infos := make([]PortInfo, 0, len(outs))
	for _, out := range outs {
		if isVirtualArtifact(out.String()) {
			continue
		}
		infos = append(infos, PortInfo{
			Name:       out.String(),
			Identifier: portIdentifier(out.String(), out.Number()),
			Number:     out.Number(),
		})
	}
	return infos, nil
}

// ConnectInput opens the named MIDI input device and starts delivery into
// the event queue. Each call opens an independent handle; connecting the
// same name twice is allowed.
func (p *MidiIOPool) ConnectInput(name string) error {
	ins, err := p.drv.Ins()
	if err != nil {
		return fmt.Errorf("MIDI input enumeration failed: %w", err)
	}

	for _, in := range ins {
		if in.String() != name || isVirtualArtifact(name) {
			continue
		}

		if err := in.Open(); err != nil {
			return fmt.Errorf("opening MIDI input %q: %w", name, err)
		}

		stop, err := midi.ListenTo(in, func(msg midi.Message, _ int32) {
			p.queue.Append(p.clock(), msg.Bytes())
		})
		if err != nil {
			in.Close()
			return fmt.Errorf("listening on MIDI input %q: %w", name, err)
		}

		handle := &midiInPort{
			in:         in,
			stop:       stop,
			name:       name,
			identifier: portIdentifier(in.String(), in.Number()),
		}
		p.ins = append(p.ins, handle)
		p.lg.Info("MIDI input connected", "name", handle.name, "identifier", handle.identifier)
		return nil
	}

	return fmt.Errorf("MIDI input %q: %w", name, ErrPortNotFound)
}

// ConnectOutput opens the named MIDI output device and adds it to the
// realtime dispatch list.
func (p *MidiIOPool) ConnectOutput(name string) error {
	outs, err := p.drv.Outs()
	if err != nil {
		return fmt.Errorf("MIDI output enumeration failed: %w", err)
	}

	for _, out := range outs {
		if out.String() != name || isVirtualArtifact(name) {
			continue
		}

		if err := out.Open(); err != nil {
			return fmt.Errorf("opening MIDI output %q: %w", name, err)
		}

		send, err := midi.SendTo(out)
		if err != nil {
			out.Close()
			return fmt.Errorf("preparing MIDI output %q: %w", name, err)
		}

		handle := &midiOutPort{
			out:        out,
			send:       send,
			name:       name,
			identifier: portIdentifier(out.String(), out.Number()),
		}

		p.outMu.Lock()
		p.outs = append(p.outs, handle)
		p.outMu.Unlock()

		p.lg.Info("MIDI output connected", "name", handle.name, "identifier", handle.identifier)
		return nil
	}

	return fmt.Errorf("MIDI output %q: %w", name, ErrPortNotFound)
}

// DisconnectInput stops and releases the first input handle matching name.
func (p *MidiIOPool) DisconnectInput(name string) error {
	for i, handle := range p.ins {
		if handle.name != name {
			continue
		}
		handle.stop()
		handle.in.Close()
		p.ins = append(p.ins[:i], p.ins[i+1:]...)
		p.lg.Info("MIDI input disconnected", "name", name)
		return nil
	}
	return fmt.Errorf("MIDI input %q: %w", name, ErrPortNotFound)
}

// DisconnectOutput stops and releases the first output handle matching name.
func (p *MidiIOPool) DisconnectOutput(name string) error {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	for i, handle := range p.outs {
		if handle.name != name {
			continue
		}
		handle.out.Close()
		p.outs = append(p.outs[:i], p.outs[i+1:]...)
		p.lg.Info("MIDI output disconnected", "name", name)
		return nil
	}
	return fmt.Errorf("MIDI output %q: %w", name, ErrPortNotFound)
}

// InputHandles returns the open input handles as PortInfo snapshots, in
// connect order. Control thread only.
func (p *MidiIOPool) InputHandles() []PortInfo {
	infos := make([]PortInfo, len(p.ins))
	for i, handle := range p.ins {
		infos[i] = PortInfo{Name: handle.name, Identifier: handle.identifier, Number: handle.in.Number()}
	}
	return infos
}

// OutputHandles returns the open output handles as PortInfo snapshots.
func (p *MidiIOPool) OutputHandles() []PortInfo {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	infos := make([]PortInfo, len(p.outs))
	for i, handle := range p.outs {
		infos[i] = PortInfo{Name: handle.name, Identifier: handle.identifier, Number: handle.out.Number()}
	}
	return infos
}

// InputCount reports the number of open input handles.
func (p *MidiIOPool) InputCount() int { return len(p.ins) }

// OutputCount reports the number of open output handles.
func (p *MidiIOPool) OutputCount() int {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	return len(p.outs)
}

// dispatchOutput renders the block's outgoing events to raw MIDI and delivers
// them to every open output handle. Called on the realtime thread; the output
// lock is only ever held briefly by the control thread during connect and
// disconnect, so blocking here is bounded.
func (p *MidiIOPool) dispatchOutput(events []EngineEvent, nframes uint32) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	if len(p.outs) == 0 || nframes == 0 {
		return
	}

	var scratch [MidiDataSize]byte

	for i := range events {
		ev := &events[i]

		var data []byte
		switch ev.Kind {
		case EventNull:
			return
		case EventControl:
			size := ev.Ctrl.ToMidiData(ev.Channel, scratch[:])
			data = scratch[:size]
		case EventMidi:
			data = ev.Midi.Bytes()
		default:
			continue
		}

		if len(data) == 0 {
			continue
		}

		offset := float64(ev.Time) / float64(nframes)
		for _, out := range p.outs {
			if err := out.deliver(data, offset); err != nil {
				// Delivery failures are transient realtime anomalies;
				// they never propagate past the callback.
				continue
			}
		}
	}
}

// Close stops and releases every open handle. Idempotent.
func (p *MidiIOPool) Close() {
	for _, handle := range p.ins {
		handle.stop()
		handle.in.Close()
	}
	p.ins = nil
	p.queue.Clear()

	p.outMu.Lock()
	for _, handle := range p.outs {
		handle.out.Close()
	}
	p.outs = nil
	p.outMu.Unlock()
}
