package patchbay

import (
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// maxPendingEvents is the fixed capacity of the pending and active MIDI
// input queues. Storage is allocated once; appending beyond capacity drops
// the event and bumps the dropped counter.
const maxPendingEvents = 512

// rtMidiEvent is one MIDI message as captured by an input callback, stamped
// with the engine frame clock at receipt.
type rtMidiEvent struct {
	time uint64
	size uint8
	data [MidiDataSize]byte
}

// midiInQueue is the non-realtime-to-realtime handoff for MIDI input.
//
// Input callbacks append to pending under a blocking lock. Once per block the
// realtime thread calls Drain, which acquires the same lock with a
// non-blocking attempt: on contention the block simply sees no MIDI input.
// Dropped input costs less than a blocked audio callback.
type midiInQueue struct {
	mu      sync.Mutex
	pending []rtMidiEvent
	active  []rtMidiEvent

	dropped   atomic.Uint64
	anomalies atomic.Uint64
}

func newMidiInQueue() *midiInQueue {
	return &midiInQueue{
		pending: make([]rtMidiEvent, 0, maxPendingEvents),
		active:  make([]rtMidiEvent, 0, maxPendingEvents),
	}
}

// Append records one incoming MIDI message. Called from whatever thread the
// MIDI backend delivers on, never the realtime thread. Messages that are
// empty or larger than the inline capacity are dropped, as is anything that
// arrives while the queue is full.
func (q *midiInQueue) Append(frame uint64, data []byte) {
	if len(data) == 0 || len(data) > MidiDataSize {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == cap(q.pending) {
		q.dropped.Add(1)
		return
	}

	ev := rtMidiEvent{time: frame, size: uint8(len(data))}
	copy(ev.data[:], data)
	q.pending = append(q.pending, ev)
}

// Clear empties both queues. Control thread only.
func (q *midiInQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[:0]
	q.active = q.active[:0]
}

// Drain moves pending events into the active list and converts them into dst
// with block-relative frame offsets. It returns the number of events written.
//
// The lock is taken with TryLock: if an input callback holds it right now the
// block gets zero events and the pending entries stay queued for the next
// block. Events stamped before blockStart clamp to offset 0; events stamped
// at or past the block end are counted as anomalous and clamp to the last
// frame. Conversion stops once dst is full; the excess is discarded.
func (q *midiInQueue) Drain(dst []EngineEvent, blockStart uint64, nframes uint32, lg *log.Logger) int {
	if nframes == 0 || len(dst) == 0 {
		return 0
	}

	if !q.mu.TryLock() {
		return 0
	}
	q.active = q.active[:0]
	q.active = append(q.active, q.pending...)
	q.pending = q.pending[:0]
	q.mu.Unlock()

	blockEnd := blockStart + uint64(nframes)
	n := 0
	for i := range q.active {
		ev := &q.active[i]
		if ev.size == 0 {
			continue
		}
		if n >= len(dst) {
			q.dropped.Add(uint64(len(q.active) - i))
			break
		}

		out := &dst[n]
		n++

		switch {
		case ev.time < blockStart:
			out.Time = 0
		case ev.time >= blockEnd:
			q.anomalies.Add(1)
			if lg != nil {
				lg.Warn("MIDI event in the future", "event", ev.time, "block", blockStart)
			}
			out.Time = nframes - 1
		default:
			out.Time = uint32(ev.time - blockStart)
		}

		out.FillFromMidiData(ev.data[:ev.size])
	}

	return n
}

// DroppedEvents reports how many input events were discarded because a queue
// or buffer was full.
func (q *midiInQueue) DroppedEvents() uint64 { return q.dropped.Load() }

// Anomalies reports how many input events carried a timestamp past the block
// window they were delivered in.
func (q *midiInQueue) Anomalies() uint64 { return q.anomalies.Load() }
