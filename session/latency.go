package session

import "github.com/shaban/patchbay"

// LatencyClass is a coarse latency preference for users who think in terms
// of "responsive" versus "safe" rather than frame counts.
type LatencyClass int

const (
	LatencyMedium LatencyClass = iota
	LatencyLow
	LatencyHigh
)

// MapLatencyToBuffer maps a LatencyClass to a suggested buffer size in
// frames. Opinionated defaults for 44.1/48 kHz class hardware.
func MapLatencyToBuffer(c LatencyClass) uint32 {
	switch c {
	case LatencyLow:
		return 128
	case LatencyHigh:
		return 1024
	case LatencyMedium:
		fallthrough
	default:
		return 256
	}
}

// Spec is the user-facing stream preference: either an explicit buffer size
// or a latency class, plus an optional preferred sample rate.
type Spec struct {
	PreferredSampleRate float64      `yaml:"preferred_sample_rate,omitempty"`
	BufferSize          uint32       `yaml:"buffer_size,omitempty"`
	LatencyHint         LatencyClass `yaml:"latency_hint,omitempty"`
}

// Apply resolves the spec into an engine config. An explicit BufferSize
// overrides the LatencyHint mapping; unset values keep the config's own
// defaults.
func (s Spec) Apply(cfg *patchbay.Config) {
	if s.PreferredSampleRate > 0 {
		cfg.SampleRate = s.PreferredSampleRate
	}
	if s.BufferSize > 0 {
		cfg.BufferSize = s.BufferSize
	} else {
		cfg.BufferSize = MapLatencyToBuffer(s.LatencyHint)
	}
}
