package capture

import "math"

// Sample is a position or length on the timeline, in frames
type Sample = int64

// MaxSample marks an open-ended window
const MaxSample Sample = math.MaxInt64

// Window is the half-open range [First, Last) during which a take may capture
type Window struct {
	First Sample
	Last  Sample
}

// Empty reports whether the window can never contain a frame
func (w Window) Empty() bool {
	return w.Last <= w.First
}

// OverlapType classifies how a cycle relates to the recordable window
type OverlapType int

const (
	// OverlapNone: the cycle and the window share no frame.
	OverlapNone OverlapType = iota
	// OverlapInternal: the cycle lies entirely inside the window.
	OverlapInternal
	// OverlapStart: the cycle starts before the window and ends inside it.
	OverlapStart
	// OverlapEnd: the cycle starts inside the window and ends after it.
	OverlapEnd
	// OverlapExternal: the window lies entirely inside the cycle.
	OverlapExternal
)

func (o OverlapType) String() string {
	switch o {
	case OverlapInternal:
		return "internal"
	case OverlapStart:
		return "start"
	case OverlapEnd:
		return "end"
	case OverlapExternal:
		return "external"
	default:
		return "none"
	}
}

// ClassifyOverlap compares the cycle [pos, pos+nframes) with the window
func ClassifyOverlap(w Window, pos Sample, nframes int) OverlapType {
	end := pos + Sample(nframes)
	if nframes <= 0 || w.Empty() || end <= w.First || pos >= w.Last {
		return OverlapNone
	}

	startsBefore := pos < w.First
	endsAfter := end > w.Last

	switch {
	case startsBefore && endsAfter:
		return OverlapExternal
	case startsBefore:
		return OverlapStart
	case endsAfter:
		return OverlapEnd
	default:
		return OverlapInternal
	}
}

// CalculateRecordRange returns how many frames of the cycle fall inside the
// window and the offset into the cycle buffer at which they begin. Capture is
// only defined for forward motion; any other speed yields nothing.
func CalculateRecordRange(w Window, pos Sample, nframes int, speed float64) (recNframes, recOffset int) {
	if speed <= 0 {
		return 0, 0
	}

	end := pos + Sample(nframes)
	switch ClassifyOverlap(w, pos, nframes) {
	case OverlapInternal:
		return nframes, 0
	case OverlapStart:
		return int(end - w.First), int(w.First - pos)
	case OverlapEnd:
		return int(w.Last - pos), 0
	case OverlapExternal:
		return int(w.Last - w.First), int(w.First - pos)
	}
	return 0, 0
}

// SplitAtLoop divides a cycle that crosses loopEnd into the frames before the
// wrap and the frames after it. A cycle that does not cross returns (nframes, 0).
func SplitAtLoop(pos Sample, nframes int, loopEnd Sample) (pre, post int) {
	end := pos + Sample(nframes)
	if pos >= loopEnd || end <= loopEnd {
		return nframes, 0
	}
	pre = int(loopEnd - pos)
	return pre, nframes - pre
}
