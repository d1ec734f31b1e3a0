package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/takecapture/internal/source"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [take-name]",
	Short: "Show resolved configuration and file naming for a take",
	Long:  `Display the resolved configuration with inheritance indicators and the file names a take would be written under. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		takeName := "take"
		if len(args) == 1 {
			takeName = args[0]
		}
		cleanName := source.CleanName(takeName)

		fmt.Printf("=== FILE PATHS ===\n")
		for _, ch := range cfg.Channels {
			fmt.Printf("%s: %s\n", ch.Name, takeFilePattern(cleanName, ch.Name, ch.Kind))
		}
		fmt.Printf("state_file: %s\n", cfg.StatePath())
		fmt.Printf("clean_name: %s\n", cleanName)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		inh := cfg.Inheritance
		indicator := func(get func() string) string {
			if inh == nil {
				return getInheritanceIndicator("")
			}
			return getInheritanceIndicator(get())
		}

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, indicator(func() string { return inh.Audio.SampleRate }))
		fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, indicator(func() string { return inh.Audio.Backend }))
		fmt.Printf("period_frames: %d %s\n", cfg.Audio.PeriodFrames, indicator(func() string { return inh.Audio.PeriodFrames }))
		if cfg.Audio.Device != "" {
			fmt.Printf("device: %s\n", cfg.Audio.Device)
		}
		fmt.Printf("latency: in=%d out=%d\n", cfg.Audio.InputLatency, cfg.Audio.OutputLatency)

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("buffer: %.2fs (%d frames)\n", cfg.Capture.BufferSeconds, cfg.BufferFrames())
		fmt.Printf("align_choice: %s %s\n", cfg.Capture.AlignChoice, indicator(func() string { return inh.Capture.AlignChoice }))
		fmt.Printf("destructive: %t %s\n", cfg.IsDestructive(), indicator(func() string { return inh.Capture.Destructive }))
		fmt.Printf("manual_offset: %d\n", cfg.Capture.ManualOffset)

		fmt.Printf("\n[Channels]\n")
		for i, ch := range cfg.Channels {
			var src, kind, physical string
			if inh != nil {
				chInh := inh.Channels[ch.Name]
				src, kind, physical = chInh.Source, chInh.Kind, chInh.Physical
			}
			fmt.Printf("%d. name: %s\n", i, ch.Name)
			fmt.Printf("   source: %s %s\n", ch.Source, getInheritanceIndicator(src))
			fmt.Printf("   kind: %s %s\n", ch.Kind, getInheritanceIndicator(kind))
			fmt.Printf("   physical: %t %s\n", ch.Physical, getInheritanceIndicator(physical))
		}

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, indicator(func() string { return inh.Output.Directory }))

		return nil
	},
}

// takeFilePattern shows the name a channel's take file is created under
func takeFilePattern(take, channel, kind string) string {
	ext := ".wav"
	if strings.EqualFold(kind, "midi") {
		ext = ".mid"
	}
	if cfg.IsDestructive() {
		return filepath.Join(cfg.Output.Directory, fmt.Sprintf("%s-%s%s", take, source.CleanName(channel), ext))
	}
	return filepath.Join(cfg.Output.Directory, fmt.Sprintf("%s-%s-<n>-<id>%s", take, source.CleanName(channel), ext))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
