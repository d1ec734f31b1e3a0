package capture

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/audiolibrelab/takecapture/internal/source"
)

func (e *Engine) request(ch *channelState) source.Request {
	req := source.Request{
		Base:    e.writeSourceName,
		Channel: ch.cfg.Name,
		Kind:    ch.cfg.Kind,
		Mode:    source.NewFile,
		Take:    e.takeNum,
	}
	if e.destructive.Load() {
		req.Mode = source.Destructive
		req.Name = ch.savedName
	}
	return req
}

func (e *Engine) openSourceLocked(ch *channelState) (source.WriteSource, error) {
	src, err := e.opener.Open(e.request(ch))
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", ErrStorageOpen, ch.cfg.Name, err)
	}
	return src, nil
}

// openSourcesLocked gives every channel without a source a fresh one. On
// failure the sources opened by this call are discarded again.
func (e *Engine) openSourcesLocked(set *channelSet) error {
	if set == nil {
		return fmt.Errorf("%w: no input channels", ErrConfiguration)
	}

	var opened []*channelState
	for _, ch := range set.list {
		if ch.src != nil {
			continue
		}
		src, err := e.openSourceLocked(ch)
		if err != nil {
			for _, o := range opened {
				e.discardSourceLocked(o)
			}
			return err
		}
		ch.src = src
		ch.wrote = false
		ch.srcOffset = 0
		if e.destructive.Load() {
			ch.savedName = src.Name()
		}
		opened = append(opened, ch)
	}

	if len(opened) > 0 {
		e.logger.Debug("Opened write sources", "count", len(opened), "take", e.takeNum)
	}
	return nil
}

// discardSourceLocked closes a source and deletes it when it never received data
func (e *Engine) discardSourceLocked(ch *channelState) error {
	if ch.src == nil {
		return nil
	}
	name := ch.src.Name()
	err := ch.src.Close()
	if !ch.wrote && !e.destructive.Load() {
		err = multierr.Append(err, e.opener.Remove(name))
	}
	ch.src = nil
	ch.wrote = false
	return err
}

// closeSourcesLocked closes every open source. With markOld the sources are
// kept and listed in LastCaptureSources, otherwise unused ones are deleted.
func (e *Engine) closeSourcesLocked(set *channelSet, markOld bool) error {
	var err error
	for _, ch := range set.list {
		if ch.src == nil {
			continue
		}
		if markOld {
			e.lastCapture = append(e.lastCapture, ch.src.Name())
			err = multierr.Append(err, ch.src.Close())
			ch.src = nil
			ch.wrote = false
			continue
		}
		err = multierr.Append(err, e.discardSourceLocked(ch))
	}
	return err
}

func (e *Engine) anySourceOpen(set *channelSet) bool {
	for _, ch := range set.list {
		if ch.src != nil {
			return true
		}
	}
	return false
}

// UseNewWriteSource replaces the source of channel n. When the new source
// cannot be created the current one is left untouched.
func (e *Engine) UseNewWriteSource(n int) error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	ch := e.channel(n)
	if ch == nil {
		return fmt.Errorf("%w: no channel %d", ErrConfiguration, n)
	}
	if e.flags.wasRecording.Load() || ch.segActive {
		return fmt.Errorf("%w: channel %d is capturing", ErrInvalidTransition, n)
	}
	if e.destructive.Load() && ch.src != nil {
		return nil
	}

	src, err := e.openSourceLocked(ch)
	if err != nil {
		return err
	}

	var cerr error
	if ch.src != nil {
		cerr = e.discardSourceLocked(ch)
	}
	ch.src = src
	ch.wrote = false
	ch.srcOffset = 0
	if e.destructive.Load() {
		ch.savedName = src.Name()
	}
	return cerr
}

// ResetWriteSources closes the current sources and opens new ones. It does
// nothing unless force is set or no source is open.
func (e *Engine) ResetWriteSources(markOld, force bool) error {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	set := e.chans.Load()
	if set == nil {
		return fmt.Errorf("%w: no input channels", ErrConfiguration)
	}
	if e.flags.wasRecording.Load() {
		return fmt.Errorf("%w: cannot reset sources while recording", ErrInvalidTransition)
	}
	if e.anySourceOpen(set) && !force {
		return nil
	}

	err := e.closeSourcesLocked(set, markOld)
	e.takeNum++
	return multierr.Append(err, e.openSourcesLocked(set))
}

// StealWriteSourceName hands the name of the current, still unused source to
// the caller and retires the sources so the next take gets fresh names. It
// returns "" when there is nothing to hand over.
func (e *Engine) StealWriteSourceName() (string, error) {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	set := e.chans.Load()
	if set == nil || e.flags.wasRecording.Load() {
		return "", nil
	}

	var stolen *channelState
	for _, ch := range set.list {
		if ch.src != nil {
			stolen = ch
			break
		}
	}
	if stolen == nil || stolen.wrote {
		return "", nil
	}

	name := stolen.src.Name()
	err := stolen.src.Close()
	stolen.src = nil
	for _, ch := range set.list {
		if ch != stolen {
			err = multierr.Append(err, e.discardSourceLocked(ch))
		}
	}
	e.takeNum++

	if e.flags.enabled.Load() {
		err = multierr.Append(err, e.openSourcesLocked(set))
	}
	return name, err
}

// WriteSourceName returns the base name used for new sources
func (e *Engine) WriteSourceName() string {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()
	return e.writeSourceName
}

// SetWriteSourceName changes the base name. Open sources that have not
// received data are replaced so they pick up the new name.
func (e *Engine) SetWriteSourceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty write source name", ErrConfiguration)
	}

	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	if e.flags.wasRecording.Load() {
		return fmt.Errorf("%w: cannot rename sources while recording", ErrInvalidTransition)
	}
	if name == e.writeSourceName {
		return nil
	}
	e.writeSourceName = name

	set := e.chans.Load()
	if set == nil || !e.anySourceOpen(set) {
		return nil
	}
	err := e.closeSourcesLocked(set, false)
	return multierr.Append(err, e.openSourcesLocked(set))
}

// Destructive reports whether takes are written in place
func (e *Engine) Destructive() bool {
	return e.destructive.Load()
}

// CanBecomeDestructive reports whether destructive mode is possible with the
// current channels. MIDI takes cannot be written in place.
func (e *Engine) CanBecomeDestructive() bool {
	set := e.chans.Load()
	return set == nil || set.nMIDI == 0
}

// SetDestructive switches between per-take files and in-place writes,
// reopening every open source in the new mode
func (e *Engine) SetDestructive(yn bool) error {
	e.ctlMu.Lock()
	defer e.ctlMu.Unlock()

	if e.flags.wasRecording.Load() {
		return fmt.Errorf("%w: cannot change destructive mode while recording", ErrInvalidTransition)
	}
	if yn && !e.CanBecomeDestructive() {
		return fmt.Errorf("%w: midi channels cannot record destructively", ErrInvalidTransition)
	}
	if e.destructive.Load() == yn {
		return nil
	}

	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	set := e.chans.Load()
	reopen := set != nil && e.anySourceOpen(set)

	var err error
	if set != nil {
		err = e.closeSourcesLocked(set, false)
		for _, ch := range set.list {
			ch.savedName = ""
		}
	}
	e.destructive.Store(yn)
	if reopen {
		err = multierr.Append(err, e.openSourcesLocked(set))
	}
	return err
}

// WriteSources returns the names of the currently open sources by channel.
// Channels without a source report "".
func (e *Engine) WriteSources() []string {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()

	set := e.chans.Load()
	if set == nil {
		return nil
	}
	out := make([]string, len(set.list))
	for i, ch := range set.list {
		if ch.src != nil {
			out[i] = ch.src.Name()
		}
	}
	return out
}

// LastCaptureSources returns the sources that hold finalized captures
func (e *Engine) LastCaptureSources() []string {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()
	return append([]string(nil), e.lastCapture...)
}

// ClearLastCaptureSources forgets the finalized sources, typically after
// regions have been built from them
func (e *Engine) ClearLastCaptureSources() {
	e.ioMu.Lock()
	e.lastCapture = nil
	e.ioMu.Unlock()
}

// Takes returns the finalized takes
func (e *Engine) Takes() []Take {
	e.ioMu.Lock()
	defer e.ioMu.Unlock()
	return append([]Take(nil), e.takes...)
}
