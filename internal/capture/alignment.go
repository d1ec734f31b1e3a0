package capture

import (
	"fmt"
	"strings"
)

// AlignStyle decides where a take lands on the timeline
type AlignStyle int

const (
	// AlignExistingMaterial shifts takes earlier by the capture offset so they
	// line up with the material the performer was hearing.
	AlignExistingMaterial AlignStyle = iota
	// AlignCaptureTime places takes where the frames arrived.
	AlignCaptureTime
)

func (a AlignStyle) String() string {
	if a == AlignCaptureTime {
		return "capture_time"
	}
	return "existing_material"
}

// ParseAlignStyle converts a persisted value into an AlignStyle
func ParseAlignStyle(s string) (AlignStyle, error) {
	switch strings.ToLower(s) {
	case "existing_material":
		return AlignExistingMaterial, nil
	case "capture_time":
		return AlignCaptureTime, nil
	}
	return AlignExistingMaterial, fmt.Errorf("unknown alignment style: %s", s)
}

// AlignChoice is the user's alignment preference
type AlignChoice int

const (
	UseExistingMaterial AlignChoice = iota
	UseCaptureTime
	// Automatic derives the style from the inputs: all-physical inputs
	// align to existing material, anything else to capture time.
	Automatic
)

func (a AlignChoice) String() string {
	switch a {
	case UseCaptureTime:
		return "capture_time"
	case Automatic:
		return "automatic"
	default:
		return "existing_material"
	}
}

// ParseAlignChoice converts a configuration value into an AlignChoice
func ParseAlignChoice(s string) (AlignChoice, error) {
	switch strings.ToLower(s) {
	case "existing_material":
		return UseExistingMaterial, nil
	case "capture_time":
		return UseCaptureTime, nil
	case "", "automatic":
		return Automatic, nil
	}
	return Automatic, fmt.Errorf("unknown alignment choice: %s", s)
}

// AlignmentStyle returns the current alignment style
func (e *Engine) AlignmentStyle() AlignStyle {
	return AlignStyle(e.alignStyle.Load())
}

// AlignmentChoice returns the current alignment choice
func (e *Engine) AlignmentChoice() AlignChoice {
	return AlignChoice(e.alignChoice.Load())
}

// SetAlignStyle changes the style. Without force, a style that contradicts
// an explicit choice is ignored.
func (e *Engine) SetAlignStyle(style AlignStyle, force bool) {
	if !force {
		switch e.AlignmentChoice() {
		case UseExistingMaterial:
			if style != AlignExistingMaterial {
				return
			}
		case UseCaptureTime:
			if style != AlignCaptureTime {
				return
			}
		}
	}

	if AlignStyle(e.alignStyle.Swap(int32(style))) != style {
		e.post(Event{Type: EventAlignmentStyleChanged, Align: style})
	}
}

// SetAlignChoice records the preference and applies the matching style
func (e *Engine) SetAlignChoice(choice AlignChoice, force bool) {
	if AlignChoice(e.alignChoice.Swap(int32(choice))) == choice && !force {
		return
	}

	switch choice {
	case UseExistingMaterial:
		e.SetAlignStyle(AlignExistingMaterial, true)
	case UseCaptureTime:
		e.SetAlignStyle(AlignCaptureTime, true)
	case Automatic:
		e.setAlignStyleFromIO()
	}
}

func (e *Engine) setAlignStyleFromIO() {
	set := e.chans.Load()
	physical := set != nil && len(set.list) > 0
	if set != nil {
		for _, ch := range set.list {
			if !ch.cfg.Physical {
				physical = false
				break
			}
		}
	}

	if physical {
		e.SetAlignStyle(AlignExistingMaterial, true)
	} else {
		e.SetAlignStyle(AlignCaptureTime, true)
	}
}

// CaptureOffset returns the input latency compensation applied to takes
func (e *Engine) CaptureOffset() Sample {
	return e.captureOffset.Load()
}

// SetCaptureOffset sets the input latency or manual offset, in frames
func (e *Engine) SetCaptureOffset(n Sample) {
	if n < 0 {
		n = 0
	}
	e.captureOffset.Store(n)
}

// alignOffset is how far a take is shifted back when placed on the timeline
func (e *Engine) alignOffset() Sample {
	if e.AlignmentStyle() == AlignExistingMaterial {
		return e.captureOffset.Load()
	}
	return 0
}
