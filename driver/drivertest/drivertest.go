// Package drivertest provides an in-memory audio backend for tests, in the
// spirit of gomidi's drivers/testdrv: fully controllable, no hardware. Tests
// drive the "realtime" callback themselves by pumping blocks.
package drivertest

import (
	"fmt"
	"sync"

	"github.com/shaban/patchbay/driver"
)

// Spec describes one fake device offered by the Type.
type Spec struct {
	Name     string
	Inputs   []string
	Outputs  []string
	Default  bool
	HasPanel bool
}

// Type is a fake driver.Type. The zero value is not usable; create with New.
type Type struct {
	name string

	mu        sync.Mutex
	specs     []Spec
	openFails []error // consumed front-first by Open
	overrides []Spec  // consumed front-first by Open, replacing the named spec
	opened    []*Device
}

// New returns a backend named name offering the given devices.
func New(name string, specs ...Spec) *Type {
	return &Type{name: name, specs: specs}
}

// FailNextOpen queues errors to be returned by the next Open calls, in order.
// Used to exercise reconfigure rollback paths.
func (t *Type) FailNextOpen(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openFails = append(t.openFails, errs...)
}

// OverrideNextOpen queues device shapes to be served by the next Open calls
// in place of the registered spec, in order. Lets a test hand the engine a
// device that changed shape between close and reopen.
func (t *Type) OverrideNextOpen(specs ...Spec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides = append(t.overrides, specs...)
}

// OpenCount reports how many devices were successfully opened.
func (t *Type) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened)
}

// LastOpened returns the most recently opened device, or nil.
func (t *Type) LastOpened() *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.opened) == 0 {
		return nil
	}
	return t.opened[len(t.opened)-1]
}

// Name implements driver.Type.
func (t *Type) Name() string { return t.name }

// DeviceNames implements driver.Type.
func (t *Type) DeviceNames() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, len(t.specs))
	for i, s := range t.specs {
		names[i] = s.Name
	}
	return names, nil
}

// DefaultDeviceName implements driver.Type.
func (t *Type) DefaultDeviceName() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.specs {
		if s.Default {
			return s.Name, nil
		}
	}
	if len(t.specs) > 0 {
		return t.specs[0].Name, nil
	}
	return "", nil
}

// DeviceInfo implements driver.Type.
func (t *Type) DeviceInfo(name string) (*driver.DeviceInfo, error) {
	spec, err := t.spec(name)
	if err != nil {
		return nil, err
	}
	info := &driver.DeviceInfo{
		Hints:       driver.HintVariableBufferSize | driver.HintVariableSampleRate,
		BufferSizes: driver.FallbackBufferSizes,
		SampleRates: driver.FallbackSampleRates,
	}
	if spec.HasPanel {
		info.Hints |= driver.HintHasControlPanel
	}
	return info, nil
}

// Open implements driver.Type.
func (t *Type) Open(name string, cfg driver.Config) (driver.Device, error) {
	t.mu.Lock()
	if len(t.openFails) > 0 {
		err := t.openFails[0]
		t.openFails = t.openFails[1:]
		t.mu.Unlock()
		return nil, err
	}
	var override *Spec
	if len(t.overrides) > 0 {
		ov := t.overrides[0]
		t.overrides = t.overrides[1:]
		override = &ov
	}
	t.mu.Unlock()

	spec, err := t.spec(name)
	if err != nil {
		return nil, err
	}
	if override != nil {
		spec = *override
	}

	d := &Device{
		spec:       spec,
		sampleRate: cfg.SampleRate,
		bufferSize: cfg.BufferSize,
		open:       true,
	}
	d.allocBuffers()

	t.mu.Lock()
	t.opened = append(t.opened, d)
	t.mu.Unlock()
	return d, nil
}

func (t *Type) spec(name string) (Spec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.specs {
		if s.Name == name {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("drivertest: no device named %q", name)
}

// Device is a fake open device. Pump drives the callback synchronously from
// the test goroutine.
type Device struct {
	spec       Spec
	sampleRate float64
	bufferSize uint32

	mu      sync.Mutex
	open    bool
	playing bool
	cb      driver.ProcessFunc
	xruns   int
	panels  int

	inputs  [][]float32
	outputs [][]float32
}

func (d *Device) allocBuffers() {
	d.inputs = make([][]float32, len(d.spec.Inputs))
	for i := range d.inputs {
		d.inputs[i] = make([]float32, d.bufferSize)
	}
	d.outputs = make([][]float32, len(d.spec.Outputs))
	for i := range d.outputs {
		d.outputs[i] = make([]float32, d.bufferSize)
	}
}

// Name implements driver.Device.
func (d *Device) Name() string { return d.spec.Name }

// InputChannelNames implements driver.Device.
func (d *Device) InputChannelNames() []string { return d.spec.Inputs }

// OutputChannelNames implements driver.Device.
func (d *Device) OutputChannelNames() []string { return d.spec.Outputs }

// BufferSize implements driver.Device.
func (d *Device) BufferSize() uint32 { return d.bufferSize }

// SampleRate implements driver.Device.
func (d *Device) SampleRate() float64 { return d.sampleRate }

// Start implements driver.Device.
func (d *Device) Start(cb driver.ProcessFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return fmt.Errorf("drivertest: device %q is not open", d.spec.Name)
	}
	if d.playing {
		return fmt.Errorf("drivertest: device %q is already playing", d.spec.Name)
	}
	d.cb = cb
	d.playing = true
	return nil
}

// Stop implements driver.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playing = false
	d.cb = nil
	return nil
}

// Close implements driver.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playing = false
	d.cb = nil
	d.open = false
	return nil
}

// IsOpen implements driver.Device.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// IsPlaying implements driver.Device.
func (d *Device) IsPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// XRunCount implements driver.Device.
func (d *Device) XRunCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xruns
}

// SetXRunCount sets the value XRunCount reports.
func (d *Device) SetXRunCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.xruns = n
}

// ShowControlPanel implements driver.Device.
func (d *Device) ShowControlPanel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.panels++
	return d.spec.HasPanel
}

// Pump invokes the registered callback with one block of nframes frames and
// reports whether a callback ran. Input buffers keep whatever FillInput put
// there; output buffers are readable through Outputs afterwards.
func (d *Device) Pump(nframes uint32) bool {
	d.mu.Lock()
	cb := d.cb
	playing := d.playing
	ins, outs := d.inputs, d.outputs
	d.mu.Unlock()

	if !playing || cb == nil {
		return false
	}

	in := make([][]float32, len(ins))
	for i := range ins {
		in[i] = sized(ins[i], nframes)
	}
	out := make([][]float32, len(outs))
	for i := range outs {
		out[i] = sized(outs[i], nframes)
	}

	cb(in, out, nframes)
	return true
}

// FillInput writes samples into input channel ch for the next Pump.
func (d *Device) FillInput(ch int, samples []float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch < 0 || ch >= len(d.inputs) {
		return
	}
	copy(d.inputs[ch], samples)
}

// Outputs returns the output channel buffers written by the last Pump.
func (d *Device) Outputs() [][]float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs
}

func sized(buf []float32, nframes uint32) []float32 {
	if int(nframes) <= len(buf) {
		return buf[:nframes]
	}
	grown := make([]float32, nframes)
	copy(grown, buf)
	return grown
}
