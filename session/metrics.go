package session

import (
	"time"

	"github.com/shaban/patchbay"
)

// Stats is a point-in-time reading of a session's runtime counters.
type Stats struct {
	At            time.Time
	Running       bool
	Xruns         uint32
	DroppedEvents uint64
	Anomalies     uint64
	MidiInputs    int
	MidiOutputs   int
}

// Collect reads the current counters from a live engine.
func Collect(e *patchbay.Engine) Stats {
	return Stats{
		At:            time.Now(),
		Running:       e.IsRunning(),
		Xruns:         e.TotalXruns(),
		DroppedEvents: e.DroppedInputEvents(),
		Anomalies:     e.InputAnomalies(),
		MidiInputs:    e.Pool().InputCount(),
		MidiOutputs:   e.Pool().OutputCount(),
	}
}
