package capture

import "testing"

func TestClassifyOverlap(t *testing.T) {
	w := Window{First: 1000, Last: 2000}

	tests := []struct {
		name    string
		pos     Sample
		nframes int
		want    OverlapType
	}{
		{"before window", 0, 256, OverlapNone},
		{"ends at window start", 744, 256, OverlapNone},
		{"after window", 2000, 256, OverlapNone},
		{"inside", 1200, 256, OverlapInternal},
		{"exactly the window", 1000, 1000, OverlapInternal},
		{"crosses start", 900, 256, OverlapStart},
		{"crosses end", 1900, 256, OverlapEnd},
		{"covers window", 900, 1200, OverlapExternal},
		{"empty cycle", 1200, 0, OverlapNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyOverlap(w, tt.pos, tt.nframes); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCalculateRecordRange(t *testing.T) {
	w := Window{First: 1100, Last: 2000}

	tests := []struct {
		name       string
		pos        Sample
		nframes    int
		wantFrames int
		wantOffset int
	}{
		{"window starts mid cycle", 1000, 256, 156, 100},
		{"inside", 1200, 256, 256, 0},
		{"window ends mid cycle", 1900, 256, 100, 0},
		{"window inside cycle", 1000, 1200, 900, 100},
		{"no overlap", 0, 256, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, off := CalculateRecordRange(w, tt.pos, tt.nframes, 1.0)
			if n != tt.wantFrames || off != tt.wantOffset {
				t.Errorf("Expected (%d, %d), got (%d, %d)", tt.wantFrames, tt.wantOffset, n, off)
			}
		})
	}
}

func TestCalculateRecordRange_OpenEnded(t *testing.T) {
	w := Window{First: 0, Last: MaxSample}
	n, off := CalculateRecordRange(w, 1<<40, 512, 1.0)
	if n != 512 || off != 0 {
		t.Errorf("Expected (512, 0), got (%d, %d)", n, off)
	}
}

func TestCalculateRecordRange_NoForwardMotion(t *testing.T) {
	w := Window{First: 0, Last: MaxSample}
	for _, speed := range []float64{0, -1, -0.5} {
		if n, off := CalculateRecordRange(w, 1000, 256, speed); n != 0 || off != 0 {
			t.Errorf("Speed %v: expected (0, 0), got (%d, %d)", speed, n, off)
		}
	}
}

func TestSplitAtLoop(t *testing.T) {
	pre, post := SplitAtLoop(768, 256, 1000)
	if pre != 232 || post != 24 {
		t.Errorf("Expected (232, 24), got (%d, %d)", pre, post)
	}

	pre, post = SplitAtLoop(0, 256, 1000)
	if pre != 256 || post != 0 {
		t.Errorf("Expected (256, 0) for a cycle before the loop end, got (%d, %d)", pre, post)
	}

	pre, post = SplitAtLoop(744, 256, 1000)
	if pre != 256 || post != 0 {
		t.Errorf("Expected (256, 0) for a cycle ending on the loop end, got (%d, %d)", pre, post)
	}
}
