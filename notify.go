package patchbay

import "sync"

// Action enumerates the discrete observer notifications.
type Action int

const (
	ActionEngineStarted Action = iota
	ActionEngineStopped
	ActionBufferSizeChanged
	ActionSampleRateChanged
	ActionError
	ActionPatchbayPortAdded
	ActionPatchbayPortRemoved
	ActionPatchbayConnectionAdded
	ActionPatchbayConnectionRemoved
)

// Event is one observer notification. It carries enough structured data for
// an external UI or network layer to mirror the patchbay graph without
// querying engine state: numeric ids plus the formatted connection token in
// Text for connection events.
type Event struct {
	Action Action
	ID     uint
	Value1 int
	Value2 int
	ValueF float64
	Text   string
}

// Notifier is the single outward notification sink.
type Notifier interface {
	Notify(Event)
}

// queuedEvent pairs an event with its delivery targets.
type queuedEvent struct {
	sendHost     bool
	sendExternal bool
	ev           Event
}

// notifyDispatcher serializes observer delivery on its own goroutine so that
// sinks never run under engine locks. Events are dropped (and counted via
// the error handler) if the queue backs up; observers mirror state, they do
// not own it.
type notifyDispatcher struct {
	mu        sync.RWMutex
	isRunning bool
	events    chan queuedEvent
	stopChan  chan struct{}

	host     Notifier
	external Notifier

	errorHandler ErrorHandler
}

func newNotifyDispatcher(host, external Notifier, eh ErrorHandler) *notifyDispatcher {
	return &notifyDispatcher{
		events:       make(chan queuedEvent, 256),
		host:         host,
		external:     external,
		errorHandler: eh,
	}
}

// Start begins the dispatch loop.
func (d *notifyDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return
	}
	d.stopChan = make(chan struct{})
	d.isRunning = true
	go d.dispatchLoop(d.stopChan)
}

// Stop halts the dispatch loop after it has flushed the queue, so a final
// stop notification emitted just before Stop still reaches the sinks.
func (d *notifyDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return
	}
	close(d.stopChan)
	d.isRunning = false
}

// IsRunning reports whether the dispatch loop is active.
func (d *notifyDispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// SetHost replaces the host sink.
func (d *notifyDispatcher) SetHost(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.host = n
}

// SetExternal replaces the external sink.
func (d *notifyDispatcher) SetExternal(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.external = n
}

// Emit queues an event for the selected sinks. Never blocks: the control
// thread may hold engine locks while emitting.
func (d *notifyDispatcher) Emit(sendHost, sendExternal bool, ev Event) {
	if !sendHost && !sendExternal {
		return
	}

	select {
	case d.events <- queuedEvent{sendHost: sendHost, sendExternal: sendExternal, ev: ev}:
	default:
		if d.errorHandler != nil {
			d.errorHandler.HandleError(errNotifyQueueFull)
		}
	}
}

func (d *notifyDispatcher) dispatchLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			// Flush whatever was queued before the stop.
			for {
				select {
				case q := <-d.events:
					d.deliver(q)
				default:
					return
				}
			}
		case q := <-d.events:
			d.deliver(q)
		}
	}
}

func (d *notifyDispatcher) deliver(q queuedEvent) {
	d.mu.RLock()
	host, external := d.host, d.external
	d.mu.RUnlock()

	if q.sendHost && host != nil {
		host.Notify(q.ev)
	}
	if q.sendExternal && external != nil {
		external.Notify(q.ev)
	}
}

var errNotifyQueueFull = &notifyQueueFullError{}

type notifyQueueFullError struct{}

func (*notifyQueueFullError) Error() string {
	return "notification queue is full, event dropped"
}
