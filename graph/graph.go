// Package graph provides the built-in processing graphs that consume the
// engine's prepared buffers: a fixed-routing rack and a freely patchable
// variant. Plugin hosting lives behind these; the engine only ever sees the
// patchbay.Processor contract.
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/shaban/patchbay"
)

// Rack is a fixed stereo pass-through graph: hardware inputs are mixed
// straight to the outputs and MIDI input events are echoed to the outgoing
// buffer. It stands in for the plugin-processing rack at the engine
// boundary.
type Rack struct {
	lg *log.Logger

	inputs  atomic.Uint32
	outputs atomic.Uint32
	created atomic.Bool

	label atomic.Pointer[string]
}

// NewRack returns an unconnected rack graph.
func NewRack(lg *log.Logger) *Rack {
	if lg == nil {
		lg = log.Default().WithPrefix("graph")
	}
	return &Rack{lg: lg}
}

// Create implements patchbay.Processor.
func (r *Rack) Create(inputs, outputs, extraIns, extraOuts uint32) error {
	if r.created.Load() {
		return fmt.Errorf("graph is already created")
	}
	if outputs == 0 {
		return fmt.Errorf("graph needs at least one output channel")
	}
	r.inputs.Store(inputs)
	r.outputs.Store(outputs)
	r.created.Store(true)
	r.lg.Debug("graph created", "inputs", inputs, "outputs", outputs, "extraIns", extraIns, "extraOuts", extraOuts)
	return nil
}

// Destroy implements patchbay.Processor.
func (r *Rack) Destroy() {
	r.created.Store(false)
	r.inputs.Store(0)
	r.outputs.Store(0)
}

// Process implements patchbay.Processor: inputs pass through to outputs
// channel by channel (last input fans out when there are more outputs than
// inputs) and incoming events echo to the outgoing buffer.
func (r *Rack) Process(in, out [][]float32, events *patchbay.EventBuffers, nframes uint32) {
	if !r.created.Load() {
		return
	}

	for c := range out {
		src := c
		if src >= len(in) {
			src = len(in) - 1
		}
		if src < 0 {
			break
		}
		n := int(nframes)
		if n > len(in[src]) {
			n = len(in[src])
		}
		if n > len(out[c]) {
			n = len(out[c])
		}
		copy(out[c][:n], in[src][:n])
	}

	if events == nil {
		return
	}
	for i := range events.In {
		if events.In[i].Kind == patchbay.EventNull {
			break
		}
		if i >= len(events.Out) {
			break
		}
		events.Out[i] = events.In[i]
	}
}

// Refresh implements patchbay.Processor.
func (r *Rack) Refresh(sendHost, sendExternal, external bool, deviceLabel string) {
	r.label.Store(&deviceLabel)
	r.lg.Debug("graph refresh", "host", sendHost, "external", sendExternal, "device", deviceLabel)
}

// DeviceLabel returns the device label from the last refresh.
func (r *Rack) DeviceLabel() string {
	if l := r.label.Load(); l != nil {
		return *l
	}
	return ""
}

// Patchbay is the freely patchable graph variant. Routing topology beyond
// the pass-through default is owned by the plugin layer; at this boundary it
// behaves like a rack that additionally accepts external audio wiring.
type Patchbay struct {
	Rack

	routes atomic.Int32
}

// NewPatchbay returns an unconnected patchbay graph.
func NewPatchbay(lg *log.Logger) *Patchbay {
	if lg == nil {
		lg = log.Default().WithPrefix("graph")
	}
	p := &Patchbay{}
	p.lg = lg
	return p
}

// ConnectAudioPort implements patchbay.AudioRouter.
func (p *Patchbay) ConnectAudioPort(connectionType uint, portID uint, portName string) bool {
	if !p.created.Load() || portName == "" {
		return false
	}
	p.routes.Add(1)
	p.lg.Debug("audio port connected", "type", connectionType, "port", portID, "name", portName)
	return true
}

// DisconnectAudioPort implements patchbay.AudioRouter.
func (p *Patchbay) DisconnectAudioPort(connectionType uint, portID uint, portName string) bool {
	if !p.created.Load() || p.routes.Load() == 0 {
		return false
	}
	p.routes.Add(-1)
	p.lg.Debug("audio port disconnected", "type", connectionType, "port", portID, "name", portName)
	return true
}

// AudioRouteCount reports the number of live external audio routes.
func (p *Patchbay) AudioRouteCount() int { return int(p.routes.Load()) }

// ForMode returns the graph variant matching the engine process mode.
func ForMode(mode patchbay.ProcessMode, lg *log.Logger) patchbay.Processor {
	if mode == patchbay.ProcessModePatchbay {
		return NewPatchbay(lg)
	}
	return NewRack(lg)
}
