// Package patchbay is the realtime audio/MIDI engine core of a plugin host:
// a backend-agnostic driver layer that opens a hardware audio device, runs
// the realtime audio callback, bridges MIDI device I/O into an internal
// event model, and maintains a patchable port/connection graph mirroring the
// live routing topology.
package patchbay

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/shaban/patchbay/driver"
)

// ProcessMode selects the external graph variant consuming the prepared
// buffers.
type ProcessMode int

const (
	ProcessModeNone ProcessMode = iota
	ProcessModeRack
	ProcessModePatchbay
)

// State tracks the engine lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpened
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// Processor is the external processing graph consuming the prepared buffers.
// The engine owns buffer preparation and MIDI device bridging; the processor
// owns mixing and plugin routing.
type Processor interface {
	// Create is called once per Open with the negotiated channel counts.
	Create(inputs, outputs, extraIns, extraOuts uint32) error

	// Destroy is called once per Close.
	Destroy()

	// Process runs one block on the realtime thread. It reads events.In,
	// writes events.Out and writes audio into out in place. It must not
	// block or allocate.
	Process(in, out [][]float32, events *EventBuffers, nframes uint32)

	// Refresh is called after the engine rebuilt its external port table.
	Refresh(sendHost, sendExternal, external bool, deviceLabel string)
}

// AudioRouter is optionally implemented by Processors that own external
// audio wiring. The engine delegates audio connect/disconnect to it; MIDI
// wiring never reaches the router.
type AudioRouter interface {
	ConnectAudioPort(connectionType uint, portID uint, portName string) bool
	DisconnectAudioPort(connectionType uint, portID uint, portName string) bool
}

// Config holds engine construction parameters.
type Config struct {
	// DriverName selects the audio backend from the registry. Empty picks
	// the first registered backend.
	DriverName string

	// DeviceName selects the hardware device. Empty resolves the
	// backend's default device at Open.
	DeviceName string

	SampleRate  float64
	BufferSize  uint32
	ProcessMode ProcessMode

	// Processor is the external graph. Required.
	Processor Processor

	// MidiDriver is the gomidi backend for MIDI device I/O. Required.
	MidiDriver drivers.Driver

	// Host and External are the observer sinks. Optional.
	Host     Notifier
	External Notifier

	// ErrorHandler receives failures from background loops. Defaults to
	// DefaultErrorHandler.
	ErrorHandler ErrorHandler

	// Logger defaults to the package default logger with a "patchbay"
	// prefix.
	Logger *log.Logger
}

// Engine owns the audio device session and everything hanging off it. All
// exported methods are control-thread operations; the realtime thread enters
// only through the device callback.
type Engine struct {
	id   uuid.UUID
	name string
	lg   *log.Logger

	mu      sync.Mutex
	state   State
	drvType driver.Type
	device  driver.Device

	deviceName string
	cfg        Config

	// Negotiated session parameters. Atomics so the realtime callback and
	// lock-free getters can read them while the control thread holds mu.
	bufferSize     atomic.Uint32
	sampleRateBits atomic.Uint64
	inputCount     atomic.Int32
	outputCount    atomic.Int32

	// frame is the engine block clock, advanced once per callback. MIDI
	// input events are stamped from it at receipt, so the input clock can
	// never drift from the audio clock.
	frame    atomic.Uint64
	xrunBase atomic.Int64

	lastErrMu sync.Mutex
	lastErr   string

	events EventBuffers
	queue  *midiInQueue
	pool   *MidiIOPool
	ports  PortTable
	conns  ConnectionLedger

	notify    *notifyDispatcher
	monitor   *DeviceMonitor
	processor Processor
	errors    ErrorHandler
}

// New creates an engine. The audio device is not touched until Open.
func New(cfg Config) (*Engine, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	} else if cfg.SampleRate < 8000 {
		return nil, fmt.Errorf("sample rate must be at least 8000 Hz, got %.0f", cfg.SampleRate)
	} else if cfg.SampleRate > 384000 {
		return nil, fmt.Errorf("sample rate cannot exceed 384000 Hz, got %.0f", cfg.SampleRate)
	}

	if cfg.BufferSize == 0 {
		cfg.BufferSize = 512
	} else if cfg.BufferSize < 16 {
		return nil, fmt.Errorf("buffer size must be at least 16 frames, got %d", cfg.BufferSize)
	} else if cfg.BufferSize > 8192 {
		return nil, fmt.Errorf("buffer size cannot exceed 8192 frames, got %d", cfg.BufferSize)
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("a Processor is required")
	}
	if cfg.MidiDriver == nil {
		return nil, fmt.Errorf("a MidiDriver is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("patchbay")
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = &DefaultErrorHandler{Logger: cfg.Logger}
	}

	var drvType driver.Type
	var ok bool
	if cfg.DriverName != "" {
		drvType, ok = driver.Get(cfg.DriverName)
		if !ok {
			return nil, fmt.Errorf("no audio driver registered as %q", cfg.DriverName)
		}
	} else {
		drvType, ok = driver.Default().First()
		if !ok {
			return nil, fmt.Errorf("no audio drivers registered")
		}
	}

	e := &Engine{
		id:        uuid.New(),
		name:      "patchbay engine",
		lg:        cfg.Logger,
		drvType:   drvType,
		cfg:       cfg,
		events:    newEventBuffers(),
		queue:     newMidiInQueue(),
		processor: cfg.Processor,
		errors:    cfg.ErrorHandler,
	}
	e.pool = newMidiIOPool(cfg.MidiDriver, e.frame.Load, e.queue, e.lg)
	e.notify = newNotifyDispatcher(cfg.Host, cfg.External, e.errors)
	e.monitor = NewDeviceMonitor(e)

	return e, nil
}

// ID returns the engine's UUID.
func (e *Engine) ID() uuid.UUID { return e.id }

// Name returns the engine name.
func (e *Engine) Name() string { return e.name }

// DriverName returns the selected audio backend name.
func (e *Engine) DriverName() string { return e.drvType.Name() }

// DeviceName returns the open device name, or "" before Open.
func (e *Engine) DeviceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceName
}

// ProcessMode returns the configured process mode.
func (e *Engine) ProcessMode() ProcessMode { return e.cfg.ProcessMode }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsRunning reports whether the device callback is live.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

// GetBufferSize returns the negotiated block size in frames.
func (e *Engine) GetBufferSize() uint32 { return e.bufferSize.Load() }

// GetSampleRate returns the negotiated sample rate.
func (e *Engine) GetSampleRate() float64 {
	return math.Float64frombits(e.sampleRateBits.Load())
}

// InputChannelCount returns the open device's input channel count.
func (e *Engine) InputChannelCount() int { return int(e.inputCount.Load()) }

// OutputChannelCount returns the open device's output channel count.
func (e *Engine) OutputChannelCount() int { return int(e.outputCount.Load()) }

// LastError returns the most recent control-thread failure message.
func (e *Engine) LastError() string {
	e.lastErrMu.Lock()
	defer e.lastErrMu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastError(msg string) {
	e.lastErrMu.Lock()
	e.lastErr = msg
	e.lastErrMu.Unlock()
}

// Pool returns the MIDI I/O pool.
func (e *Engine) Pool() *MidiIOPool { return e.pool }

// Monitor returns the hotplug monitor.
func (e *Engine) Monitor() *DeviceMonitor { return e.monitor }

// SetHostNotifier replaces the host observer sink.
func (e *Engine) SetHostNotifier(n Notifier) { e.notify.SetHost(n) }

// SetExternalNotifier replaces the external observer sink.
func (e *Engine) SetExternalNotifier(n Notifier) { e.notify.SetExternal(n) }

// emit queues an observer event. Callers may hold e.mu; Emit never blocks.
func (e *Engine) emit(sendHost, sendExternal bool, ev Event) {
	e.notify.Emit(sendHost, sendExternal, ev)
}

// Open resolves and opens the audio device and creates the processing graph.
// The device is opened but not started; no audio flows until Start.
func (e *Engine) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateClosed {
		return ErrAlreadyOpen
	}
	e.state = StateOpening

	fail := func(err error) error {
		e.setLastError(err.Error())
		e.state = StateClosed
		return err
	}

	if e.cfg.ProcessMode != ProcessModeRack && e.cfg.ProcessMode != ProcessModePatchbay {
		return fail(ErrInvalidProcessMode)
	}

	deviceName := e.cfg.DeviceName
	if deviceName == "" {
		def, err := e.drvType.DefaultDeviceName()
		if err != nil {
			return fail(fmt.Errorf("resolving default device: %w", err))
		}
		deviceName = def
	}
	if deviceName == "" {
		return fail(ErrNoDeviceAvailable)
	}

	dev, err := e.drvType.Open(deviceName, driver.Config{
		SampleRate: e.cfg.SampleRate,
		BufferSize: e.cfg.BufferSize,
	})
	if err != nil {
		return fail(fmt.Errorf("opening device %q: %w", deviceName, err))
	}

	inputs := dev.InputChannelNames()
	outputs := dev.OutputChannelNames()
	if len(outputs) == 0 {
		dev.Close()
		return fail(ErrDeviceHasNoOutputs)
	}

	if err := e.processor.Create(uint32(len(inputs)), uint32(len(outputs)), 0, 0); err != nil {
		dev.Close()
		return fail(fmt.Errorf("creating processing graph: %w", err))
	}

	e.device = dev
	e.deviceName = deviceName
	e.bufferSize.Store(dev.BufferSize())
	e.sampleRateBits.Store(math.Float64bits(dev.SampleRate()))
	e.inputCount.Store(int32(len(inputs)))
	e.outputCount.Store(int32(len(outputs)))
	e.frame.Store(0)
	e.xrunBase.Store(0)

	e.notify.Start()
	e.state = StateOpened

	e.lg.Info("device opened",
		"device", deviceName,
		"driver", e.drvType.Name(),
		"inputs", len(inputs),
		"outputs", len(outputs),
		"bufferSize", dev.BufferSize(),
		"sampleRate", dev.SampleRate())
	return nil
}

// Start begins realtime delivery. Must be called exactly once per open
// session before any audio flows.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateOpened:
	default:
		return ErrNotOpen
	}

	if err := e.device.Start(e.processBlock); err != nil {
		e.setLastError(err.Error())
		return fmt.Errorf("starting device: %w", err)
	}
	e.state = StateRunning

	if err := e.patchbayRefreshLocked(true, false); err != nil {
		e.errors.HandleError(fmt.Errorf("initial patchbay refresh: %w", err))
	}
	e.monitor.Start()

	e.emit(true, true, Event{
		Action: ActionEngineStarted,
		Value1: int(e.cfg.ProcessMode),
		Value2: int(e.bufferSize.Load()),
		ValueF: e.GetSampleRate(),
		Text:   e.drvType.Name(),
	})
	return nil
}

// SetBufferSizeAndSampleRate stops the stream if running, closes the device
// and reopens it with the new parameters. On failure it attempts one
// rollback reopen with the previous parameters; if that also fails the
// session closes for good and the failure is fatal for this session.
// Observers are notified only for parameters that actually changed.
func (e *Engine) SetBufferSizeAndSampleRate(bufferSize uint32, sampleRate float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil || (e.state != StateOpened && e.state != StateRunning) {
		return ErrNotOpen
	}
	wasRunning := e.state == StateRunning

	prevBuffer := e.bufferSize.Load()
	prevRate := e.GetSampleRate()

	if e.device.IsPlaying() {
		e.device.Stop()
	}
	if e.device.IsOpen() {
		e.device.Close()
	}

	dev, err := e.drvType.Open(e.deviceName, driver.Config{
		SampleRate: sampleRate,
		BufferSize: bufferSize,
	})
	if err == nil && len(dev.OutputChannelNames()) == 0 {
		// An output-less device is as unusable as a failed open; it takes
		// the same rollback path.
		dev.Close()
		err = ErrDeviceHasNoOutputs
	}
	if err != nil {
		e.setLastError(err.Error())

		// Try to roll back to the previous configuration.
		dev, rbErr := e.drvType.Open(e.deviceName, driver.Config{
			SampleRate: prevRate,
			BufferSize: prevBuffer,
		})
		if rbErr == nil && len(dev.OutputChannelNames()) == 0 {
			dev.Close()
			rbErr = ErrDeviceHasNoOutputs
		}
		if rbErr != nil {
			// Rollback failed too: the session is unrecoverable. The error
			// notification goes out before closeLocked stops the dispatcher.
			e.device = nil
			e.emit(true, true, Event{
				Action: ActionError,
				Text:   fmt.Sprintf("device reconfiguration failed and rollback failed, session closed: %v", rbErr),
			})
			e.closeLocked()
			return fmt.Errorf("reconfiguration failed (%w) and rollback failed (%v)", err, rbErr)
		}

		e.device = dev
		if wasRunning {
			if startErr := dev.Start(e.processBlock); startErr != nil {
				e.errors.HandleError(fmt.Errorf("restarting device after rollback: %w", startErr))
				e.state = StateOpened
			}
		}
		return fmt.Errorf("reconfiguration failed, previous configuration restored: %w", err)
	}

	e.device = dev

	newBuffer := dev.BufferSize()
	newRate := dev.SampleRate()

	if newRate != prevRate {
		e.sampleRateBits.Store(math.Float64bits(newRate))
		e.emit(true, true, Event{Action: ActionSampleRateChanged, ValueF: newRate})
	}
	if newBuffer != prevBuffer {
		e.bufferSize.Store(newBuffer)
		e.emit(true, true, Event{Action: ActionBufferSizeChanged, Value1: int(newBuffer)})
	}

	if wasRunning {
		if err := dev.Start(e.processBlock); err != nil {
			e.setLastError(err.Error())
			e.state = StateOpened
			return fmt.Errorf("restarting device: %w", err)
		}
		e.state = StateRunning
	} else {
		e.state = StateOpened
	}

	e.lg.Info("device reconfigured", "bufferSize", newBuffer, "sampleRate", newRate)
	return nil
}

// Close stops the stream, releases every MIDI handle and closes the device.
// Idempotent, and safe to call from a partially failed Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Engine) closeLocked() error {
	wasRunning := e.state == StateRunning

	e.monitor.Stop()

	if e.device != nil && e.device.IsPlaying() {
		e.device.Stop()
	}

	if e.state != StateClosed {
		e.processor.Destroy()
	}

	e.pool.Close()
	e.queue.Clear()
	e.ports.Clear()
	e.conns.Clear()

	if e.device != nil {
		if e.device.IsOpen() {
			e.device.Close()
		}
		e.device = nil
	}

	if wasRunning {
		e.emit(true, true, Event{Action: ActionEngineStopped})
	}
	e.notify.Stop()
	e.state = StateClosed
	return nil
}

// ShowControlPanel opens the device's settings UI. Best effort: any backend
// failure, panics included, reports as false.
func (e *Engine) ShowControlPanel() (shown bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			e.lg.Warn("device control panel panicked", "panic", r)
			shown = false
		}
	}()
	return e.device.ShowControlPanel()
}

// TotalXruns reports device xruns since the last ClearXruns.
func (e *Engine) TotalXruns() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		return 0
	}
	xruns := int64(e.device.XRunCount())
	if xruns <= 0 {
		return 0
	}
	base := e.xrunBase.Load()
	if xruns <= base {
		return 0
	}
	return uint32(xruns - base)
}

// ClearXruns resets the xrun baseline.
func (e *Engine) ClearXruns() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		return
	}
	xruns := int64(e.device.XRunCount())
	if xruns < 0 {
		xruns = 0
	}
	e.xrunBase.Store(xruns)
}

// DroppedInputEvents reports MIDI input events discarded on the realtime
// path (queue overflow or full event buffer).
func (e *Engine) DroppedInputEvents() uint64 { return e.queue.DroppedEvents() }

// InputAnomalies reports MIDI input events whose timestamp fell outside the
// block window they were delivered in.
func (e *Engine) InputAnomalies() uint64 { return e.queue.Anomalies() }
