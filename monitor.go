package patchbay

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DeviceMonitor watches the MIDI device lists for hotplug changes and
// triggers a patchbay refresh when they move, keeping the port table
// consistent with hardware that comes and goes behind the engine's back.
//
// Polling is adaptive: quiet periods stretch the interval toward maxInterval,
// a detected change snaps it back to baseInterval.
type DeviceMonitor struct {
	engine *Engine

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}

	baseInterval    time.Duration
	maxInterval     time.Duration
	currentInterval time.Duration
	noChangeCount   int

	lastInputCount  int
	lastOutputCount int
	checkCount      int64
}

// NewDeviceMonitor creates a monitor for the engine. It does not start
// polling until Start.
func NewDeviceMonitor(engine *Engine) *DeviceMonitor {
	return &DeviceMonitor{
		engine:          engine,
		baseInterval:    50 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 50 * time.Millisecond,
		lastInputCount:  -1,
		lastOutputCount: -1,
	}
}

// Start begins hotplug polling. Safe to call on a running monitor.
func (dm *DeviceMonitor) Start() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.isRunning {
		return
	}
	dm.stopChan = make(chan struct{})
	dm.isRunning = true
	dm.lastInputCount = -1
	dm.lastOutputCount = -1
	go dm.monitorLoop(dm.stopChan)
}

// Stop halts polling. Idempotent.
func (dm *DeviceMonitor) Stop() {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.isRunning {
		return
	}
	close(dm.stopChan)
	dm.isRunning = false
}

// IsRunning reports whether the monitor is polling.
func (dm *DeviceMonitor) IsRunning() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.isRunning
}

// CheckCount reports how many polls have run.
func (dm *DeviceMonitor) CheckCount() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkCount
}

func (dm *DeviceMonitor) monitorLoop(stop <-chan struct{}) {
	for {
		dm.mu.Lock()
		interval := dm.currentInterval
		dm.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(interval):
			dm.checkDevices()
		}
	}
}

// checkDevices compares the current MIDI device counts with the last poll
// and refreshes the patchbay when they differ.
func (dm *DeviceMonitor) checkDevices() {
	ins, err := dm.engine.pool.AvailableInputs()
	if err != nil {
		dm.engine.errors.HandleError(fmt.Errorf("MIDI input device check failed: %w", err))
		return
	}
	outs, err := dm.engine.pool.AvailableOutputs()
	if err != nil {
		dm.engine.errors.HandleError(fmt.Errorf("MIDI output device check failed: %w", err))
		return
	}

	dm.mu.Lock()
	dm.checkCount++
	first := dm.lastInputCount < 0
	changed := !first && (len(ins) != dm.lastInputCount || len(outs) != dm.lastOutputCount)
	dm.lastInputCount = len(ins)
	dm.lastOutputCount = len(outs)

	if changed {
		dm.noChangeCount = 0
		dm.currentInterval = dm.baseInterval
	} else {
		dm.noChangeCount++
		// Slow down gradually once things have been quiet for a while.
		if dm.noChangeCount > 10 {
			next := time.Duration(float64(dm.currentInterval) * 1.1)
			if next > dm.maxInterval {
				next = dm.maxInterval
			}
			dm.currentInterval = next
		}
	}
	dm.mu.Unlock()

	if !changed {
		return
	}

	// A poll can still be in flight when the engine closes; a refresh
	// against a closed session is not worth reporting.
	if err := dm.engine.PatchbayRefresh(true, true); err != nil && !errors.Is(err, ErrNotOpen) {
		dm.engine.errors.HandleError(fmt.Errorf("hotplug patchbay refresh failed: %w", err))
	}
}

// ForceCheck triggers an immediate device check (useful for testing).
func (dm *DeviceMonitor) ForceCheck() {
	if dm.IsRunning() {
		dm.checkDevices()
	}
}
