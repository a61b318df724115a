package patchbay

import (
	"sync"
	"testing"
)

func TestDrainStampsBlockRelativeOffsets(t *testing.T) {
	q := newMidiInQueue()
	const blockStart = 1000
	const nframes = 256

	q.Append(blockStart+3, []byte{0x90, 0x40, 0x7F})
	q.Append(blockStart+200, []byte{0x80, 0x40, 0x00})

	dst := make([]EngineEvent, MaxEventCount)
	n := q.Drain(dst, blockStart, nframes, nil)
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
	if dst[0].Time != 3 {
		t.Errorf("first event at offset %d, want 3", dst[0].Time)
	}
	if dst[1].Time != 200 {
		t.Errorf("second event at offset %d, want 200", dst[1].Time)
	}
	if q.Anomalies() != 0 {
		t.Errorf("in-window events counted %d anomalies", q.Anomalies())
	}
}

func TestDrainClampsLateEventToBlockStart(t *testing.T) {
	q := newMidiInQueue()

	// Stamped before the block being drained: delivery raced the block
	// boundary. Clamps to the first frame, not an anomaly.
	q.Append(995, []byte{0x90, 0x40, 0x7F})

	dst := make([]EngineEvent, MaxEventCount)
	n := q.Drain(dst, 1000, 256, nil)
	if n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
	if dst[0].Time != 0 {
		t.Errorf("pre-block event at offset %d, want 0", dst[0].Time)
	}
	if q.Anomalies() != 0 {
		t.Errorf("pre-block clamp counted %d anomalies", q.Anomalies())
	}
}

func TestDrainClampsFutureEventToLastFrame(t *testing.T) {
	q := newMidiInQueue()
	const blockStart = 1000
	const nframes = 256

	q.Append(blockStart+nframes+10, []byte{0x90, 0x40, 0x7F})

	dst := make([]EngineEvent, MaxEventCount)
	n := q.Drain(dst, blockStart, nframes, nil)
	if n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
	if dst[0].Time != nframes-1 {
		t.Errorf("future event at offset %d, want %d", dst[0].Time, nframes-1)
	}
	if q.Anomalies() != 1 {
		t.Errorf("expected 1 anomaly, got %d", q.Anomalies())
	}
}

func TestDrainUnderContentionSkipsBlock(t *testing.T) {
	q := newMidiInQueue()
	q.Append(5, []byte{0x90, 0x40, 0x7F})

	// Simulate an input callback holding the lock while the realtime
	// thread drains.
	q.mu.Lock()
	dst := make([]EngineEvent, MaxEventCount)
	if n := q.Drain(dst, 0, 256, nil); n != 0 {
		t.Fatalf("contended drain returned %d events, want 0", n)
	}
	q.mu.Unlock()

	// The event stayed queued and arrives with the next block.
	if n := q.Drain(dst, 0, 256, nil); n != 1 {
		t.Fatalf("post-contention drain returned %d events, want 1", n)
	}
	if dst[0].Time != 5 {
		t.Errorf("event at offset %d, want 5", dst[0].Time)
	}
}

func TestAppendDropsWhenQueueFull(t *testing.T) {
	q := newMidiInQueue()
	for i := 0; i < maxPendingEvents+20; i++ {
		q.Append(uint64(i), []byte{0x90, 0x40, 0x7F})
	}
	if q.DroppedEvents() != 20 {
		t.Errorf("expected 20 dropped events, got %d", q.DroppedEvents())
	}

	dst := make([]EngineEvent, MaxEventCount)
	if n := q.Drain(dst, 0, 8192, nil); n != maxPendingEvents {
		t.Errorf("drained %d events, want %d", n, maxPendingEvents)
	}
}

func TestAppendRejectsOversizedAndEmptyPayloads(t *testing.T) {
	q := newMidiInQueue()
	q.Append(0, nil)
	q.Append(0, []byte{0xF0, 0x7E, 0x00, 0x06, 0x01, 0xF7})

	dst := make([]EngineEvent, MaxEventCount)
	if n := q.Drain(dst, 0, 256, nil); n != 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func TestDrainStopsAtDestinationCapacity(t *testing.T) {
	q := newMidiInQueue()
	for i := 0; i < 10; i++ {
		q.Append(uint64(i), []byte{0x90, 0x40, 0x7F})
	}

	dst := make([]EngineEvent, 4)
	if n := q.Drain(dst, 0, 256, nil); n != 4 {
		t.Fatalf("expected 4 events, got %d", n)
	}
	if q.DroppedEvents() != 6 {
		t.Errorf("expected 6 dropped events, got %d", q.DroppedEvents())
	}
}

func TestQueueConcurrentAppendAndDrain(t *testing.T) {
	q := newMidiInQueue()
	done := make(chan struct{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-done:
					return
				default:
				}
				q.Append(uint64(i), []byte{0x90, byte(i & 0x7F), 0x40})
			}
		}()
	}

	dst := make([]EngineEvent, MaxEventCount)
	total := 0
	for block := 0; block < 200; block++ {
		total += q.Drain(dst, uint64(block*256), 256, nil)
	}
	close(done)
	wg.Wait()

	if total == 0 {
		t.Error("expected at least some events to survive concurrent traffic")
	}
}
