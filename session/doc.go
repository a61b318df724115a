// Package session persists and restores engine session state: the selected
// driver and device, negotiated stream parameters and the set of connected
// MIDI ports. It also maps coarse latency preferences to concrete buffer
// sizes and collects runtime statistics from a live engine.
package session
