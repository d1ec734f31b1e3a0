package capture

import (
	"sync"
	"time"
)

// CaptureInfo is one contiguous recorded segment in timeline coordinates
type CaptureInfo struct {
	Start  Sample `json:"start" yaml:"start"`
	Length Sample `json:"length" yaml:"length"`
	// Loop is the number of loop wraps that preceded the segment within its take
	Loop int `json:"loop" yaml:"loop"`
}

// End returns the first sample after the segment
func (c CaptureInfo) End() Sample {
	return c.Start + c.Length
}

// Take groups the segments and sources of one finalized take
type Take struct {
	ID       string        `json:"id"`
	Segments []CaptureInfo `json:"segments"`
	Sources  []string      `json:"sources"`
	// StoppedAt is stamped when the transport stop is processed
	StoppedAt time.Time `json:"stopped_at"`
}

// Ledger is the ordered record of finalized segments. It is appended by the
// flush path and read by region-building consumers.
type Ledger struct {
	mu      sync.Mutex
	entries []CaptureInfo
}

func (l *Ledger) append(info CaptureInfo) {
	l.mu.Lock()
	l.entries = append(l.entries, info)
	l.mu.Unlock()
}

// Entries returns a snapshot of the ledger
func (l *Ledger) Entries() []CaptureInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]CaptureInfo, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear drops all entries, typically after regions have been built from them
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// dropLast removes the n most recent entries
func (l *Ledger) dropLast(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	l.entries = l.entries[:len(l.entries)-n]
}
