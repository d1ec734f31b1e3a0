package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/audiolibrelab/takecapture/internal/capture"
	"github.com/audiolibrelab/takecapture/internal/service"

	"github.com/spf13/cobra"
)

// takeWait bounds how long record waits for the final flush after stopping
const takeWait = 5 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record [take-name]",
	Short: "Record the configured channels into a new take",
	Long: `Arm every configured channel and roll the transport. Recording runs until
Ctrl+C (or --duration elapses), then the transport stops and the take is written
to the output directory with one file per channel.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		takeName := "take"
		if len(args) == 1 {
			takeName = args[0]
		}
		if output, _ := cmd.Flags().GetString("output"); output != "" {
			cfg.Output.Directory = output
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		slog.Info("Record command started", "take_name", takeName, "directory", cfg.Output.Directory)

		svc, err := service.New(cfg, cfgFile, service.Options{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		if err := svc.ArmRecording(takeName); err != nil {
			return fmt.Errorf("failed to arm recording: %w", err)
		}
		if err := svc.Play(); err != nil {
			return fmt.Errorf("failed to start transport: %w", err)
		}

		if duration > 0 {
			slog.Info("Recording", "duration", duration)
			select {
			case <-ctx.Done():
			case <-time.After(duration):
			}
		} else {
			slog.Info("Recording... Press Ctrl+C to stop")
			<-ctx.Done()
		}

		slog.Info("Stopping recording...")
		before := len(svc.Takes())
		if err := svc.Stop(); err != nil {
			return fmt.Errorf("failed to stop transport: %w", err)
		}

		takes := waitForTake(svc, before)
		if err := svc.Close(); err != nil {
			slog.Warn("Engine did not shut down cleanly", "error", err)
		}
		if msg := svc.GetLastError(); msg != "" {
			return fmt.Errorf("recording failed: %s", msg)
		}
		if len(takes) == before {
			return fmt.Errorf("no take was written to %s", cfg.Output.Directory)
		}

		printTake(takes[len(takes)-1], cfg.Output.Directory, cfg.Audio.SampleRate)
		return nil
	},
}

// waitForTake polls until the stopped take shows up or takeWait elapses
func waitForTake(svc service.Service, before int) []capture.Take {
	deadline := time.Now().Add(takeWait)
	for {
		takes := svc.Takes()
		if len(takes) > before || time.Now().After(deadline) {
			return takes
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func printTake(take capture.Take, dir string, sampleRate int) {
	var frames capture.Sample
	for _, seg := range take.Segments {
		frames += seg.Length
	}

	fmt.Printf("Take %s: %d segment(s), %.2fs\n", take.ID, len(take.Segments), float64(frames)/float64(sampleRate))
	for _, name := range take.Sources {
		fmt.Printf("  %s\n", filepath.Join(dir, name))
	}
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().DurationP("duration", "d", 0, "stop automatically after this long")
}
