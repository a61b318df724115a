package patchbay

import (
	"testing"
	"time"
)

func startMonitoredEngine(t *testing.T, mdrv *fakeMidiDriver) *Engine {
	t.Helper()
	typ := registerTestDriver(t, stereoSpec("Scarlett 2i2"))
	e, _, _ := newTestEngine(t, typ, func(cfg *Config) {
		cfg.MidiDriver = mdrv
	})
	if err := e.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Start(); err != nil {
		e.Close()
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestMonitorRefreshesOnDeviceChange(t *testing.T) {
	keys := &fakeMidiIn{name: "Keystation 61", number: 0}
	mdrv := &fakeMidiDriver{ins: []*fakeMidiIn{keys}}
	e := startMonitoredEngine(t, mdrv)

	// Baseline poll: records counts without refreshing.
	e.Monitor().ForceCheck()
	if e.Monitor().CheckCount() == 0 {
		t.Fatal("forced check did not run")
	}

	// A new controller appears.
	mdrv.SetIns(keys, &fakeMidiIn{name: "nanoKONTROL2", number: 1})
	e.Monitor().ForceCheck()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.ports.MidiIns())
		e.mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("hotplug refresh never rebuilt the port table")
}

func TestMonitorStopsWithEngine(t *testing.T) {
	mdrv := &fakeMidiDriver{}
	e := startMonitoredEngine(t, mdrv)

	if !e.Monitor().IsRunning() {
		t.Fatal("monitor should run while the engine runs")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if e.Monitor().IsRunning() {
		t.Error("monitor still running after Close")
	}

	// ForceCheck on a stopped monitor is a no-op.
	before := e.Monitor().CheckCount()
	e.Monitor().ForceCheck()
	if e.Monitor().CheckCount() != before {
		t.Error("stopped monitor still checked devices")
	}
}

func TestMonitorPollAfterCloseStaysQuiet(t *testing.T) {
	keys := &fakeMidiIn{name: "Keystation 61", number: 0}
	mdrv := &fakeMidiDriver{ins: []*fakeMidiIn{keys}}
	typ := registerTestDriver(t, stereoSpec("Scarlett 2i2"))
	handler := &countingErrorHandler{}
	e, _, _ := newTestEngine(t, typ, func(cfg *Config) {
		cfg.MidiDriver = mdrv
		cfg.ErrorHandler = handler
	})
	if err := e.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Start(); err != nil {
		e.Close()
		t.Fatalf("Start failed: %v", err)
	}
	dm := e.Monitor()
	dm.ForceCheck() // baseline counts

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A poll that was already past the IsRunning gate when Close landed
	// sees a device change and tries to refresh a closed session. That is
	// routine shutdown ordering, not an error.
	mdrv.SetIns(keys, &fakeMidiIn{name: "nanoKONTROL2", number: 1})
	dm.checkDevices()

	if n := handler.Count(); n != 0 {
		t.Errorf("poll against closed session reported %d errors, want 0", n)
	}
}

func TestMonitorAdaptiveBackoff(t *testing.T) {
	mdrv := &fakeMidiDriver{}
	e := startMonitoredEngine(t, mdrv)
	dm := e.Monitor()

	// Quiet polls slow the interval down, a change snaps it back.
	for i := 0; i < 20; i++ {
		dm.ForceCheck()
	}
	dm.mu.Lock()
	slowed := dm.currentInterval
	dm.mu.Unlock()
	if slowed <= dm.baseInterval {
		t.Fatalf("interval %v never backed off from %v", slowed, dm.baseInterval)
	}
	if slowed > dm.maxInterval {
		t.Fatalf("interval %v exceeded max %v", slowed, dm.maxInterval)
	}

	mdrv.SetIns(&fakeMidiIn{name: "Keystation 61"})
	dm.ForceCheck()
	dm.mu.Lock()
	reset := dm.currentInterval
	dm.mu.Unlock()
	if reset != dm.baseInterval {
		t.Errorf("interval %v after change, want base %v", reset, dm.baseInterval)
	}
}
