package policy

// FrameGate throttles frame analysis under low power by admitting one frame
// out of every three. Outside low power every frame passes and the cycle
// resets, so throttling always restarts at an admitted frame.
//
// FrameGate is not safe for concurrent use; the engine calls it from its
// single processing goroutine.
type FrameGate struct {
	skip int
}

// Admit reports whether the next frame should be analyzed.
func (g *FrameGate) Admit(lowPower bool) bool {
	if !lowPower {
		g.skip = 0
		return true
	}

	admit := g.skip == 0
	g.skip++
	if g.skip == 3 {
		g.skip = 0
	}
	return admit
}

// Reset clears the skip cycle.
func (g *FrameGate) Reset() {
	g.skip = 0
}
