package patchbay

import (
	"fmt"
	"strings"
)

// PortGroup identifies which side of the external graph a port belongs to.
// The numeric values are part of the observer wire format and must not
// change.
type PortGroup uint

const (
	GroupNone     PortGroup = iota // invalid
	GroupInternal                  // the engine-internal sink/source client
	GroupAudioIn
	GroupAudioOut
	GroupMidiIn
	GroupMidiOut
)

// Reserved port indices within GroupInternal. Index 0 stays unset/invalid in
// every group.
const (
	InternalPortAudioIn1 uint = iota + 1
	InternalPortAudioIn2
	InternalPortAudioOut1
	InternalPortAudioOut2
	InternalPortMidiIn
	InternalPortMidiOut
)

// Port is one abstract patchbay port. Group+Index is the stable key; Name may
// change across rescans while Identifier is immutable and re-resolves the
// hardware handle after a refresh.
type Port struct {
	Group      PortGroup
	Index      uint
	Name       string
	Identifier string
}

// PortTable is the bidirectional mapping between abstract ports and live
// hardware descriptors. Control thread only.
type PortTable struct {
	audioIns  []Port
	audioOuts []Port
	midiIns   []Port
	midiOuts  []Port
}

// Clear drops every entry. Indices are reassigned at the next refresh.
func (t *PortTable) Clear() {
	t.audioIns = t.audioIns[:0]
	t.audioOuts = t.audioOuts[:0]
	t.midiIns = t.midiIns[:0]
	t.midiOuts = t.midiOuts[:0]
}

func (t *PortTable) addAudioIn(p Port)  { t.audioIns = append(t.audioIns, p) }
func (t *PortTable) addAudioOut(p Port) { t.audioOuts = append(t.audioOuts, p) }
func (t *PortTable) addMidiIn(p Port)   { t.midiIns = append(t.midiIns, p) }
func (t *PortTable) addMidiOut(p Port)  { t.midiOuts = append(t.midiOuts, p) }

// Accessors return copies: a refresh clears and repopulates the table in
// place, and a slice handed out earlier must not see the new contents.

// AudioIns returns the audio input ports in index order.
func (t *PortTable) AudioIns() []Port { return append([]Port(nil), t.audioIns...) }

// AudioOuts returns the audio output ports in index order.
func (t *PortTable) AudioOuts() []Port { return append([]Port(nil), t.audioOuts...) }

// MidiIns returns the MIDI input ports in index order.
func (t *PortTable) MidiIns() []Port { return append([]Port(nil), t.midiIns...) }

// MidiOuts returns the MIDI output ports in index order.
func (t *PortTable) MidiOuts() []Port { return append([]Port(nil), t.midiOuts...) }

// MidiPortByIdentifier resolves a backend identifier against the current
// table. ok is false when the identifier no longer matches any live port.
func (t *PortTable) MidiPortByIdentifier(input bool, identifier string) (uint, bool) {
	ports := t.midiOuts
	if input {
		ports = t.midiIns
	}
	for _, p := range ports {
		if p.Identifier == identifier {
			return p.Index, true
		}
	}
	return 0, false
}

// Connection is one established patchbay connection between abstract ports.
type Connection struct {
	ID     uint
	GroupA PortGroup
	PortA  uint
	GroupB PortGroup
	PortB  uint
}

// Token renders the connection endpoints in the fixed observer wire format:
// four colon-separated integers, groupA:portA:groupB:portB.
func (c Connection) Token() string {
	return fmt.Sprintf("%d:%d:%d:%d", c.GroupA, c.PortA, c.GroupB, c.PortB)
}

// ConnectionLedger is the set of established connections. IDs are
// append-only for the life of the session: Clear empties the set but never
// rewinds the counter.
type ConnectionLedger struct {
	lastID uint
	list   []Connection
}

// Add appends a connection with the next id and returns it.
func (l *ConnectionLedger) Add(groupA PortGroup, portA uint, groupB PortGroup, portB uint) Connection {
	l.lastID++
	c := Connection{ID: l.lastID, GroupA: groupA, PortA: portA, GroupB: groupB, PortB: portB}
	l.list = append(l.list, c)
	return c
}

// Remove drops the first connection matching the endpoints and returns it.
func (l *ConnectionLedger) Remove(groupA PortGroup, portA uint, groupB PortGroup, portB uint) (Connection, bool) {
	for i, c := range l.list {
		if c.GroupA == groupA && c.PortA == portA && c.GroupB == groupB && c.PortB == portB {
			l.list = append(l.list[:i], l.list[i+1:]...)
			return c, true
		}
	}
	return Connection{}, false
}

// Clear empties the connection set, keeping the id counter.
func (l *ConnectionLedger) Clear() { l.list = l.list[:0] }

// Connections returns a snapshot of the current connection set. Clear
// recycles the backing array, so callers get their own copy.
func (l *ConnectionLedger) Connections() []Connection {
	return append([]Connection(nil), l.list...)
}

// deviceLabel trims a backend device name down to the label reported to the
// processing graph: everything from the first ", " on is a channel-range
// suffix some backends append.
func deviceLabel(deviceName string) string {
	if label, _, found := strings.Cut(deviceName, ", "); found {
		return label
	}
	return deviceName
}

// PatchbayRefresh rebuilds the port table and connection ledger from the
// current hardware state and reports the resulting graph. With both flags
// false the refresh is silent (internal rebuild only). Valid any time after
// Open.
func (e *Engine) PatchbayRefresh(sendHost, sendExternal bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.patchbayRefreshLocked(sendHost, sendExternal)
}

func (e *Engine) patchbayRefreshLocked(sendHost, sendExternal bool) error {
	if e.device == nil {
		return ErrNotOpen
	}

	e.ports.Clear()
	e.conns.Clear()

	// Audio ports mirror the hardware channel names, indices 1..N in
	// enumeration order.
	for i, name := range e.device.InputChannelNames() {
		e.ports.addAudioIn(Port{Group: GroupAudioIn, Index: uint(i + 1), Name: name})
	}
	for i, name := range e.device.OutputChannelNames() {
		e.ports.addAudioOut(Port{Group: GroupAudioOut, Index: uint(i + 1), Name: name})
	}

	// MIDI ports mirror the device enumeration, bridge artifacts excluded.
	midiIns, err := e.pool.AvailableInputs()
	if err != nil {
		e.setLastError(err.Error())
		return err
	}
	for i, info := range midiIns {
		e.ports.addMidiIn(Port{Group: GroupMidiIn, Index: uint(i + 1), Name: info.Name, Identifier: info.Identifier})
	}

	midiOuts, err := e.pool.AvailableOutputs()
	if err != nil {
		e.setLastError(err.Error())
		return err
	}
	for i, info := range midiOuts {
		e.ports.addMidiOut(Port{Group: GroupMidiOut, Index: uint(i + 1), Name: info.Name, Identifier: info.Identifier})
	}

	if sendHost || sendExternal {
		e.notifyPortsLocked(sendHost, sendExternal)
		e.processor.Refresh(sendHost, sendExternal, true, deviceLabel(e.device.Name()))
	}

	// Re-derive connections for every open MIDI handle. A handle whose
	// identifier no longer resolves is stale and skipped; the refresh
	// itself still succeeds.
	for _, handle := range e.pool.InputHandles() {
		portID, ok := e.ports.MidiPortByIdentifier(true, handle.Identifier)
		if !ok {
			e.lg.Warn("stale MIDI input handle skipped", "identifier", handle.Identifier)
			continue
		}
		conn := e.conns.Add(GroupMidiIn, portID, GroupInternal, InternalPortMidiIn)
		e.emit(sendHost, sendExternal, Event{
			Action: ActionPatchbayConnectionAdded,
			ID:     conn.ID,
			Text:   conn.Token(),
		})
	}

	for _, handle := range e.pool.OutputHandles() {
		portID, ok := e.ports.MidiPortByIdentifier(false, handle.Identifier)
		if !ok {
			e.lg.Warn("stale MIDI output handle skipped", "identifier", handle.Identifier)
			continue
		}
		conn := e.conns.Add(GroupInternal, InternalPortMidiOut, GroupMidiOut, portID)
		e.emit(sendHost, sendExternal, Event{
			Action: ActionPatchbayConnectionAdded,
			ID:     conn.ID,
			Text:   conn.Token(),
		})
	}

	return nil
}

func (e *Engine) notifyPortsLocked(sendHost, sendExternal bool) {
	for _, ports := range [][]Port{
		e.ports.AudioIns(),
		e.ports.AudioOuts(),
		e.ports.MidiIns(),
		e.ports.MidiOuts(),
	} {
		for _, p := range ports {
			e.emit(sendHost, sendExternal, Event{
				Action: ActionPatchbayPortAdded,
				ID:     p.Index,
				Value1: int(p.Group),
				Text:   p.Name,
			})
		}
	}
}

// ExternalConnection identifies the fixed endpoints of the internal client
// that external ports can be wired to.
type ExternalConnection uint

const (
	ExternalConnectionNone ExternalConnection = iota
	ExternalConnectionAudioIn1
	ExternalConnectionAudioIn2
	ExternalConnectionAudioOut1
	ExternalConnectionAudioOut2
	ExternalConnectionMidiInput
	ExternalConnectionMidiOutput
)

// ConnectExternalPort wires an external port to the internal client. Audio
// wiring is delegated to the processing graph; MIDI wiring is owned here.
func (e *Engine) ConnectExternalPort(conn ExternalConnection, portID uint, portName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch conn {
	case ExternalConnectionAudioIn1, ExternalConnectionAudioIn2,
		ExternalConnectionAudioOut1, ExternalConnectionAudioOut2:
		router, ok := e.processor.(AudioRouter)
		if !ok || !router.ConnectAudioPort(uint(conn), portID, portName) {
			return fmt.Errorf("audio port %q: %w", portName, ErrPortNotFound)
		}
		return nil

	case ExternalConnectionMidiInput:
		if err := e.pool.ConnectInput(portName); err != nil {
			e.setLastError(err.Error())
			return err
		}
		c := e.conns.Add(GroupMidiIn, portID, GroupInternal, InternalPortMidiIn)
		e.emit(true, true, Event{Action: ActionPatchbayConnectionAdded, ID: c.ID, Text: c.Token()})
		return nil

	case ExternalConnectionMidiOutput:
		if err := e.pool.ConnectOutput(portName); err != nil {
			e.setLastError(err.Error())
			return err
		}
		c := e.conns.Add(GroupInternal, InternalPortMidiOut, GroupMidiOut, portID)
		e.emit(true, true, Event{Action: ActionPatchbayConnectionAdded, ID: c.ID, Text: c.Token()})
		return nil
	}

	return fmt.Errorf("unknown external connection type %d", conn)
}

// DisconnectExternalPort undoes ConnectExternalPort.
func (e *Engine) DisconnectExternalPort(conn ExternalConnection, portID uint, portName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch conn {
	case ExternalConnectionAudioIn1, ExternalConnectionAudioIn2,
		ExternalConnectionAudioOut1, ExternalConnectionAudioOut2:
		router, ok := e.processor.(AudioRouter)
		if !ok || !router.DisconnectAudioPort(uint(conn), portID, portName) {
			return fmt.Errorf("audio port %q: %w", portName, ErrPortNotFound)
		}
		return nil

	case ExternalConnectionMidiInput:
		if err := e.pool.DisconnectInput(portName); err != nil {
			e.setLastError(err.Error())
			return err
		}
		if c, ok := e.conns.Remove(GroupMidiIn, portID, GroupInternal, InternalPortMidiIn); ok {
			e.emit(true, true, Event{Action: ActionPatchbayConnectionRemoved, ID: c.ID, Text: c.Token()})
		}
		return nil

	case ExternalConnectionMidiOutput:
		if err := e.pool.DisconnectOutput(portName); err != nil {
			e.setLastError(err.Error())
			return err
		}
		if c, ok := e.conns.Remove(GroupInternal, InternalPortMidiOut, GroupMidiOut, portID); ok {
			e.emit(true, true, Event{Action: ActionPatchbayConnectionRemoved, ID: c.ID, Text: c.Token()})
		}
		return nil
	}

	return fmt.Errorf("unknown external connection type %d", conn)
}
