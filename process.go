package patchbay

// processBlock is the realtime audio callback: one invocation per hardware
// block. Nothing here may allocate, block on a control-thread lock for
// unbounded time, or panic; malformed preconditions skip the affected step
// and leave the output silent.
func (e *Engine) processBlock(in, out [][]float32, nframes uint32) {
	if nframes == 0 {
		return
	}
	blockStart := e.frame.Load()
	defer e.frame.Add(uint64(nframes))

	if len(out) == 0 {
		return
	}

	// Silence first so any early return below leaves clean output.
	for i := range out {
		zeroFloats(out[i])
	}

	clearEvents(e.events.In)
	clearEvents(e.events.Out)

	// A frame count that disagrees with the negotiated buffer size is a
	// driver fault; skip the block rather than feed the graph a lie.
	if nframes != e.bufferSize.Load() {
		return
	}

	e.queue.Drain(e.events.In, blockStart, nframes, e.lg)

	e.processor.Process(in, out, &e.events, nframes)

	e.pool.dispatchOutput(e.events.Out, nframes)
}

func zeroFloats(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
