package patchbay

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
)

// Control-thread failure taxonomy. Realtime anomalies (lock contention,
// out-of-window timestamps, buffer overflow) never surface through these;
// they are absorbed on the realtime path and only visible through counters.
var (
	// Configuration errors.
	ErrInvalidProcessMode = errors.New("invalid process mode")
	ErrNoDeviceAvailable  = errors.New("audio device has not been selected yet and a default one is not available")
	ErrDeviceHasNoOutputs = errors.New("selected device does not have any outputs")

	// Lifecycle errors.
	ErrNotOpen        = errors.New("engine is not open")
	ErrAlreadyOpen    = errors.New("engine is already open")
	ErrAlreadyRunning = errors.New("engine is already running")

	// Resource errors.
	ErrPortNotFound = errors.New("no MIDI device with that name is currently available")
)

// ErrorHandler defines the interface for handling engine errors that occur
// outside a call path that can return them (monitor loop, notify dispatch).
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through the given logger, falling back to
// the package default logger.
type DefaultErrorHandler struct {
	Logger *log.Logger
}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	if h.Logger != nil {
		h.Logger.Error("engine error", "err", err)
		return
	}
	log.Error("engine error", "err", err)
}

// PanicErrorHandler panics on any error (useful for development).
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler by panicking.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("engine error: %v", err))
}
