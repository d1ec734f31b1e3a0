package cmd

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/audiolibrelab/takecapture/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:     "sources",
	Aliases: []string{"devices"},
	Short:   "List available audio input devices",
	Long: `List the input devices PortAudio can open. With --config the configured
audio channel sources are checked against the device list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := audio.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to get audio devices: %w", err)
		}

		fmt.Printf("Audio Devices (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("INPUT DEVICES (%d found):\n", len(devices))
		for i, d := range devices {
			marker := ""
			if d.Default {
				marker = " (default)"
			}
			fmt.Printf("  %d. %s: %d channels @ %.0f Hz%s\n", i+1, d.Name, d.MaxInputChannels, d.DefaultSampleRate, marker)
		}

		backends := make([]string, 0, 2)
		for _, b := range audio.GetAvailableBackends() {
			backends = append(backends, string(b))
		}
		fmt.Printf("\nBackends: %s\n", strings.Join(backends, ", "))

		fmt.Printf("\nUsage:\n")
		fmt.Printf("  • Format: \"Device:port\" where port is the input channel index\n")
		fmt.Printf("  • Example: \"Scarlett 2i2 USB: Audio (hw:1,0):0\"\n")
		fmt.Printf("  • Configure in definitions.channels[].source\n\n")

		// cfg is only loaded when --config was given
		if cfg == nil {
			return nil
		}
		return checkConfiguredSources(devices)
	},
}

// checkConfiguredSources validates every audio channel source against devices
func checkConfiguredSources(devices []audio.Device) error {
	fmt.Printf("CONFIGURED CHANNELS:\n")

	failed := 0
	var sources []string
	for _, ch := range cfg.Channels {
		if strings.EqualFold(ch.Kind, "midi") {
			continue
		}
		sources = append(sources, ch.Source)
		if err := audio.ValidateSource(ch.Source, devices); err != nil {
			failed++
			fmt.Printf("  ✗ %s (%s): %v\n", ch.Name, ch.Source, err)
			continue
		}
		fmt.Printf("  ✓ %s (%s)\n", ch.Name, ch.Source)
	}

	for _, dup := range audio.DuplicateSources(sources) {
		slog.Warn("Source is used by more than one channel", "source", dup)
	}

	if failed > 0 {
		return fmt.Errorf("%d channel source(s) not available", failed)
	}
	return nil
}
