// Package driver defines the contract between the engine core and the
// interchangeable hardware audio backends, plus the process-wide registry
// the backends register themselves with.
package driver

// Config carries the parameters a device is opened with. The device is free
// to negotiate different values; callers read the result back from the open
// Device.
type Config struct {
	SampleRate float64
	BufferSize uint32
}

// ProcessFunc is the realtime audio callback. It is invoked by the device on
// its own realtime thread with one block of de-interleaved float32 channel
// buffers. Implementations must not block or allocate.
type ProcessFunc func(inputs, outputs [][]float32, nframes uint32)

// DeviceInfo hints.
const (
	HintVariableBufferSize uint = 1 << iota
	HintVariableSampleRate
	HintHasControlPanel
)

// DeviceInfo describes the capabilities of a device before opening it.
type DeviceInfo struct {
	Hints       uint
	BufferSizes []uint32
	SampleRates []float64
}

// Fallback capability tables for backends that cannot report their own.
var (
	FallbackBufferSizes = []uint32{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}
	FallbackSampleRates = []float64{22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}
)

// Type is one audio backend: it enumerates devices and opens them. The
// analogue of an audio API (CoreAudio, ALSA, WASAPI, ...), selected at
// runtime by name through the registry.
type Type interface {
	// Name is the stable backend name used as the registry key.
	Name() string

	// DeviceNames rescans and lists the devices this backend can open.
	DeviceNames() ([]string, error)

	// DefaultDeviceName returns the backend's default device, or "" when
	// the backend has none.
	DefaultDeviceName() (string, error)

	// DeviceInfo reports capabilities for the named device.
	DeviceInfo(name string) (*DeviceInfo, error)

	// Open opens the named device with the requested configuration. The
	// returned device is open but not started.
	Open(name string, cfg Config) (Device, error)
}

// Device is an open hardware audio device. All methods except the callback
// passed to Start are control-thread only.
type Device interface {
	Name() string

	InputChannelNames() []string
	OutputChannelNames() []string

	// BufferSize and SampleRate report the negotiated values, which may
	// differ from the requested ones.
	BufferSize() uint32
	SampleRate() float64

	// Start begins realtime delivery to cb. Exactly one Start per open
	// device.
	Start(cb ProcessFunc) error
	Stop() error
	Close() error

	IsOpen() bool
	IsPlaying() bool

	// XRunCount reports the number of buffer under/overruns since open,
	// or 0 for backends that cannot count them.
	XRunCount() int

	// ShowControlPanel opens the backend's device settings UI if there is
	// one. Best effort.
	ShowControlPanel() bool
}
