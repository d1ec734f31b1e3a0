package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/audiolibrelab/takecapture/internal/capture"
)

// PortAudio reads interleaved float32 input from a PortAudio stream and
// hands it to the processor one period at a time
type PortAudio struct {
	cfg    DriverConfig
	device *portaudio.DeviceInfo
	stream *portaudio.Stream
	buffer []float32
	in     *capture.CycleInput

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPortAudio initializes PortAudio and resolves the input device
func NewPortAudio(cfg DriverConfig) (*PortAudio, error) {
	if cfg.AudioChannels < 1 {
		return nil, fmt.Errorf("portaudio needs at least one audio channel")
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	device, err := findDevice(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if device.MaxInputChannels < cfg.AudioChannels {
		portaudio.Terminate()
		return nil, fmt.Errorf("device %s has %d input channels, %d configured", device.Name, device.MaxInputChannels, cfg.AudioChannels)
	}

	return &PortAudio{
		cfg:    cfg,
		device: device,
		buffer: make([]float32, cfg.PeriodFrames*cfg.AudioChannels),
		in:     newCycleInput(cfg.AudioChannels, cfg.MIDIChannels, cfg.PeriodFrames),
	}, nil
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device not found: %s", name)
}

// Type returns the backend type
func (p *PortAudio) Type() BackendType { return BackendTypePortAudio }

// SampleRate returns the stream sample rate
func (p *PortAudio) SampleRate() int { return p.cfg.SampleRate }

// PeriodFrames returns the frames per cycle
func (p *PortAudio) PeriodFrames() int { return p.cfg.PeriodFrames }

// InputLatency returns the device's reported input latency in frames
func (p *PortAudio) InputLatency() capture.Sample {
	return capture.Sample(p.device.DefaultLowInputLatency.Seconds() * float64(p.cfg.SampleRate))
}

// Start opens the stream and runs the read loop
func (p *PortAudio) Start(ctx context.Context, proc Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}

	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   p.device,
			Channels: p.cfg.AudioChannels,
			Latency:  p.device.DefaultLowInputLatency,
		},
		SampleRate:      float64(p.cfg.SampleRate),
		FramesPerBuffer: p.cfg.PeriodFrames,
	}, p.buffer)
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	p.stream = stream

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		defer stream.Close()
		for {
			select {
			case <-ctx.Done():
				stream.Stop()
				return
			default:
			}
			// Overflow is reported but the period is still usable
			if err := stream.Read(); err != nil && err != portaudio.InputOverflowed {
				return
			}
			p.deinterleave()
			proc.Process(p.in, p.cfg.PeriodFrames)
		}
	}()
	return nil
}

func (p *PortAudio) deinterleave() {
	nch := p.cfg.AudioChannels
	for ch, buf := range p.in.Audio {
		for i := range buf {
			buf[i] = p.buffer[i*nch+ch]
		}
	}
}

// Stop ends the read loop and closes the stream
func (p *PortAudio) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.stream = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Close stops the stream and terminates PortAudio
func (p *PortAudio) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// ListDevices returns the input devices PortAudio can see
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defaultDevice, _ := portaudio.DefaultInputDevice()

	result := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, Device{
				Name:              d.Name,
				MaxInputChannels:  d.MaxInputChannels,
				DefaultSampleRate: d.DefaultSampleRate,
				Default:           d == defaultDevice,
			})
		}
	}
	return result, nil
}
