package capture

import "sync/atomic"

// RecordState is the externally visible state of the record machinery
type RecordState int

const (
	StateDisabled RecordState = iota
	StatePendingEnable
	StateRecording
	StateSafe
)

func (s RecordState) String() string {
	switch s {
	case StatePendingEnable:
		return "PENDING"
	case StateRecording:
		return "RECORDING"
	case StateSafe:
		return "SAFE"
	default:
		return "DISABLED"
	}
}

// recordFlags holds the flags shared between the control thread and the
// realtime path. Go atomics are sequentially consistent, which covers the
// acquire-on-load / release-on-store contract the realtime path relies on.
type recordFlags struct {
	enabled atomic.Bool
	safe    atomic.Bool
	// wasRecording is written by the realtime path only
	wasRecording atomic.Bool
}

func (f *recordFlags) state() RecordState {
	switch {
	case f.safe.Load():
		return StateSafe
	case !f.enabled.Load():
		return StateDisabled
	case f.wasRecording.Load():
		return StateRecording
	default:
		return StatePendingEnable
	}
}

// engage sets the enabled flag unless safe is set
func (f *recordFlags) engage() bool {
	if f.safe.Load() {
		return false
	}
	return f.enabled.CompareAndSwap(false, true)
}

func (f *recordFlags) disengage() bool {
	return f.enabled.CompareAndSwap(true, false)
}

// capturing is the realtime test: enabled and not safe
func (f *recordFlags) capturing() bool {
	return f.enabled.Load() && !f.safe.Load()
}
