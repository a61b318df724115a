// Package malgodriver implements the audio driver contract on top of
// miniaudio via github.com/gen2brain/malgo, giving one portable backend
// across CoreAudio, ALSA, WASAPI and friends.
package malgodriver

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/shaban/patchbay/driver"
)

const (
	// Miniaudio performs channel conversion internally, so the driver
	// always runs a fixed stereo layout on both sides.
	captureChannels  = 2
	playbackChannels = 2

	sampleBytes = 4 // f32
)

// Type is the miniaudio backend. Create with New, release with Close.
type Type struct {
	ctx *malgo.AllocatedContext
	lg  *log.Logger
}

// New initializes a miniaudio context.
func New(lg *log.Logger) (*Type, error) {
	if lg == nil {
		lg = log.Default().WithPrefix("malgo")
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		lg.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("initializing miniaudio context: %w", err)
	}
	return &Type{ctx: ctx, lg: lg}, nil
}

// Close releases the miniaudio context. The Type is unusable afterwards.
func (t *Type) Close() error {
	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Uninit()
	t.ctx.Free()
	t.ctx = nil
	return err
}

// Name implements driver.Type.
func (t *Type) Name() string { return "Miniaudio" }

// DeviceNames implements driver.Type.
func (t *Type) DeviceNames() ([]string, error) {
	infos, err := t.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerating playback devices: %w", err)
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// DefaultDeviceName implements driver.Type.
func (t *Type) DefaultDeviceName() (string, error) {
	infos, err := t.ctx.Devices(malgo.Playback)
	if err != nil {
		return "", fmt.Errorf("enumerating playback devices: %w", err)
	}
	for _, info := range infos {
		if info.IsDefault != 0 {
			return info.Name(), nil
		}
	}
	if len(infos) > 0 {
		return infos[0].Name(), nil
	}
	return "", nil
}

// DeviceInfo implements driver.Type. Miniaudio resamples and reblocks
// internally, so every device reports the variable-rate fallback tables.
func (t *Type) DeviceInfo(name string) (*driver.DeviceInfo, error) {
	if _, _, err := t.findDevice(name); err != nil {
		return nil, err
	}
	return &driver.DeviceInfo{
		Hints:       driver.HintVariableBufferSize | driver.HintVariableSampleRate,
		BufferSizes: driver.FallbackBufferSizes,
		SampleRates: driver.FallbackSampleRates,
	}, nil
}

func (t *Type) findDevice(name string) (playback, capture *malgo.DeviceInfo, err error) {
	playbacks, err := t.ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerating playback devices: %w", err)
	}
	for i := range playbacks {
		if playbacks[i].Name() == name {
			playback = &playbacks[i]
			break
		}
	}
	if playback == nil {
		return nil, nil, fmt.Errorf("no playback device named %q", name)
	}

	// A same-named capture device pairs up when one exists; otherwise the
	// system default capture side is used.
	captures, err := t.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerating capture devices: %w", err)
	}
	for i := range captures {
		if captures[i].Name() == name {
			capture = &captures[i]
			break
		}
	}
	return playback, capture, nil
}

// Open implements driver.Type.
func (t *Type) Open(name string, cfg driver.Config) (driver.Device, error) {
	playback, capture, err := t.findDevice(name)
	if err != nil {
		return nil, err
	}

	dcfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	dcfg.SampleRate = uint32(cfg.SampleRate)
	dcfg.PeriodSizeInFrames = cfg.BufferSize
	dcfg.Capture.Format = malgo.FormatF32
	dcfg.Capture.Channels = captureChannels
	dcfg.Playback.Format = malgo.FormatF32
	dcfg.Playback.Channels = playbackChannels
	dcfg.Playback.DeviceID = playback.ID.Pointer()
	if capture != nil {
		dcfg.Capture.DeviceID = capture.ID.Pointer()
	}

	d := &Device{
		name:       name,
		sampleRate: cfg.SampleRate,
		bufferSize: cfg.BufferSize,
		lg:         t.lg,
	}
	d.allocBuffers()

	mdev, err := malgo.InitDevice(t.ctx.Context, dcfg, malgo.DeviceCallbacks{
		Data: d.data,
	})
	if err != nil {
		return nil, fmt.Errorf("opening device %q: %w", name, err)
	}
	d.dev = mdev
	d.open = true
	return d, nil
}

// Device is one open miniaudio duplex device.
type Device struct {
	name       string
	sampleRate float64
	bufferSize uint32
	lg         *log.Logger

	mu      sync.Mutex
	dev     *malgo.Device
	open    bool
	playing bool

	cb atomic.Value // driver.ProcessFunc

	// De-interleave scratch, sized generously so an oversized period from
	// the backend never allocates on the realtime path.
	inputs  [][]float32
	outputs [][]float32
	inView  [][]float32
	outView [][]float32

	shortReads atomic.Int64
}

func (d *Device) allocBuffers() {
	capFrames := int(d.bufferSize) * 4
	if capFrames < 8192 {
		capFrames = 8192
	}
	d.inputs = make([][]float32, captureChannels)
	for i := range d.inputs {
		d.inputs[i] = make([]float32, capFrames)
	}
	d.outputs = make([][]float32, playbackChannels)
	for i := range d.outputs {
		d.outputs[i] = make([]float32, capFrames)
	}
	d.inView = make([][]float32, captureChannels)
	d.outView = make([][]float32, playbackChannels)
}

// data is the miniaudio callback: de-interleave capture bytes into channel
// buffers, run the engine callback, re-interleave its output.
func (d *Device) data(out, in []byte, framecount uint32) {
	cbv := d.cb.Load()
	if cbv == nil || framecount == 0 {
		return
	}
	cb := cbv.(driver.ProcessFunc)
	if cb == nil {
		return
	}

	frames := int(framecount)
	if frames > len(d.inputs[0]) {
		// The backend delivered more than the scratch can take; count it
		// and truncate rather than allocate here.
		d.shortReads.Add(1)
		frames = len(d.inputs[0])
		framecount = uint32(frames)
	}

	inFrameSize := sampleBytes * captureChannels
	for f := 0; f < frames && (f+1)*inFrameSize <= len(in); f++ {
		base := f * inFrameSize
		for c := 0; c < captureChannels; c++ {
			bits := binary.LittleEndian.Uint32(in[base+c*sampleBytes:])
			d.inputs[c][f] = math.Float32frombits(bits)
		}
	}

	for c := range d.inView {
		d.inView[c] = d.inputs[c][:frames]
	}
	for c := range d.outView {
		d.outView[c] = d.outputs[c][:frames]
	}

	cb(d.inView, d.outView, framecount)

	outFrameSize := sampleBytes * playbackChannels
	for f := 0; f < frames && (f+1)*outFrameSize <= len(out); f++ {
		base := f * outFrameSize
		for c := 0; c < playbackChannels; c++ {
			bits := math.Float32bits(d.outputs[c][f])
			binary.LittleEndian.PutUint32(out[base+c*sampleBytes:], bits)
		}
	}
}

// Name implements driver.Device.
func (d *Device) Name() string { return d.name }

// InputChannelNames implements driver.Device.
func (d *Device) InputChannelNames() []string {
	return []string{"Capture 1", "Capture 2"}
}

// OutputChannelNames implements driver.Device.
func (d *Device) OutputChannelNames() []string {
	return []string{"Playback 1", "Playback 2"}
}

// BufferSize implements driver.Device.
func (d *Device) BufferSize() uint32 { return d.bufferSize }

// SampleRate implements driver.Device.
func (d *Device) SampleRate() float64 { return d.sampleRate }

// Start implements driver.Device.
func (d *Device) Start(cb driver.ProcessFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return fmt.Errorf("device %q is not open", d.name)
	}
	if d.playing {
		return fmt.Errorf("device %q is already playing", d.name)
	}
	d.cb.Store(cb)
	if err := d.dev.Start(); err != nil {
		d.cb.Store(driver.ProcessFunc(nil))
		return fmt.Errorf("starting device %q: %w", d.name, err)
	}
	d.playing = true
	return nil
}

// Stop implements driver.Device.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.playing {
		return nil
	}
	d.playing = false
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("stopping device %q: %w", d.name, err)
	}
	return nil
}

// Close implements driver.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil
	}
	d.playing = false
	d.open = false
	d.dev.Uninit()
	d.dev = nil
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

// XRunCount implements driver.Device. Miniaudio does not report xruns; the
// only proxy counted here is oversized periods that had to be truncated.
func (d *Device) XRunCount() int {
	return int(d.shortReads.Load())
}

// ShowControlPanel implements driver.Device. Miniaudio has no device UI.
func (d *Device) ShowControlPanel() bool { return false }
