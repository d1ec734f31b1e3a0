package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/spf13/afero"
)

const (
	wavHeaderSize  = 44
	bytesPerSample = 4
)

// AudioFile is a mono 32-bit float WAV file
type AudioFile struct {
	file        afero.File
	name        string
	sampleRate  int
	destructive bool

	// frames is the length of the data chunk in frames
	frames int64
	// origin is the timeline sample of the first frame (new-file mode)
	origin  int64
	started bool
	buf     []byte
}

func openAudioFile(fs afero.Fs, path, name string, sampleRate int, destructive bool) (*AudioFile, error) {
	flags := os.O_CREATE | os.O_RDWR
	if !destructive {
		flags |= os.O_TRUNC
	}

	f, err := fs.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file %s: %w", path, err)
	}

	a := &AudioFile{
		file:        f,
		name:        name,
		sampleRate:  sampleRate,
		destructive: destructive,
	}

	// A destructive file survives across takes; keep what it already holds
	if destructive {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat audio file %s: %w", path, err)
		}
		if info.Size() >= wavHeaderSize {
			a.frames = (info.Size() - wavHeaderSize) / bytesPerSample
			return a, nil
		}
	}

	if err := a.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// Name returns the file name of the source
func (a *AudioFile) Name() string {
	return a.name
}

// Frames returns the number of frames the data chunk holds
func (a *AudioFile) Frames() int64 {
	return a.frames
}

// Origin returns the timeline position of the first frame written
func (a *AudioFile) Origin() int64 {
	return a.origin
}

// Append encodes the chunk immediately; the caller may reuse c.Frames.
func (a *AudioFile) Append(c Chunk) error {
	if c.Kind != Audio {
		return fmt.Errorf("audio source %s cannot store %s data", a.name, c.Kind)
	}
	if len(c.Frames) == 0 {
		return nil
	}

	need := len(c.Frames) * bytesPerSample
	if cap(a.buf) < need {
		a.buf = make([]byte, need)
	}
	buf := a.buf[:need]
	for i, s := range c.Frames {
		binary.LittleEndian.PutUint32(buf[i*bytesPerSample:], math.Float32bits(s))
	}

	var at int64
	if a.destructive {
		if c.Start < 0 {
			return fmt.Errorf("destructive write before timeline origin: %d", c.Start)
		}
		at = c.Start
	} else {
		if !a.started {
			a.origin = c.Start
			a.started = true
		}
		at = a.frames
	}

	if _, err := a.file.WriteAt(buf, wavHeaderSize+at*bytesPerSample); err != nil {
		return fmt.Errorf("failed to write %d frames to %s: %w", len(c.Frames), a.name, err)
	}

	if end := at + int64(len(c.Frames)); end > a.frames {
		a.frames = end
	}
	return nil
}

// Close patches the header sizes and closes the file
func (a *AudioFile) Close() error {
	if a.file == nil {
		return nil
	}
	err := a.writeHeader()
	if cerr := a.file.Close(); err == nil {
		err = cerr
	}
	a.file = nil
	return err
}

// writeHeader writes a 44-byte RIFF/WAVE header for IEEE float mono data
func (a *AudioFile) writeHeader() error {
	const (
		numChannels   = 1
		bitsPerSample = 32
		audioFormat   = 3 // IEEE float
	)

	dataSize := uint32(a.frames * bytesPerSample)
	h := struct {
		RiffID        [4]byte
		RiffSize      uint32
		WaveID        [4]byte
		FmtID         [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		DataID        [4]byte
		DataSize      uint32
	}{
		RiffID:        [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:      36 + dataSize,
		WaveID:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   audioFormat,
		NumChannels:   numChannels,
		SampleRate:    uint32(a.sampleRate),
		ByteRate:      uint32(a.sampleRate) * numChannels * bitsPerSample / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := a.file.WriteAt(b.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", a.name, err)
	}
	return nil
}
