// cmd/listen.go
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ColonelBlimp/beatsync/internal/audio"
	"github.com/ColonelBlimp/beatsync/internal/config"
	"github.com/ColonelBlimp/beatsync/internal/logger"
	"github.com/ColonelBlimp/beatsync/internal/onset"
	"github.com/ColonelBlimp/beatsync/internal/rhythm"
	"github.com/ColonelBlimp/beatsync/internal/store"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Analyze live audio from a capture device",
	Long: `Captures audio, runs the rhythm engine on every hop and logs the tempo and
rhythm strength once per status interval. Edits to the config file are
applied at the next hop; SIGUSR1 resets the engine.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().Duration("status", time.Second, "interval between status lines")
	listenCmd.Flags().BoolP("record", "r", false, "store the session in the database")
}

func runListen(cmd *cobra.Command, _ []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	interval, _ := cmd.Flags().GetDuration("status")
	record, _ := cmd.Flags().GetBool("record")

	eng, err := rhythm.NewEngine(settings.Engine())
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	eng.SetCallback(func(ev onset.Event) {
		logger.Debug("onset t=%d strength=%.2f conf=%.2f [%s]", ev.Timestamp, ev.Strength, ev.Confidence, ev.Detectors)
	})

	capture := audio.New(audio.Config{
		DeviceIndex: settings.DeviceIndex,
		SampleRate:  uint32(settings.SampleRate),
		Channels:    uint32(settings.Channels),
		BufferSize:  uint32(settings.BufferSize),
		FrameSize:   settings.FrameSize,
		RingFrames:  settings.RingFrames,
	})
	if err := capture.Init(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	defer capture.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchConfig(eng)
	go resetOnSignal(ctx, eng)

	if err := capture.Start(ctx); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	logger.Info("listening at %d Hz, %d-sample hops", settings.SampleRate, settings.FrameSize)

	handlers := []HopHandler{statusLogger(eng, interval)}
	var rec *recorder
	if record {
		db, err := store.Open(settings.Database)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer db.Close()
		rec, err = newRecorder(db, "live", eng.Config())
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		handlers = append(handlers, rec.hop)
	}

	err = process(ctx, capture, eng, handlers...)
	if dropped := capture.Dropped(); dropped > 0 {
		logger.Warn("%d frames dropped while the engine fell behind", dropped)
	}
	if rec != nil {
		if ferr := rec.finish(eng); ferr != nil {
			logger.Error("store: %v", ferr)
		}
	}
	printSummary(cmd.OutOrStdout(), eng)
	return err
}

// statusLogger logs the engine state every interval of stream time.
func statusLogger(eng *rhythm.Engine, interval time.Duration) HopHandler {
	sr := eng.Config().SampleRate
	every := uint64(interval.Seconds() * float64(sr))
	if every == 0 {
		every = uint64(sr)
	}
	var next uint64
	return func(out rhythm.Output) {
		if out.Timestamp < next {
			return
		}
		next = out.Timestamp + every
		if out.HasTempo {
			logger.Info("%.1f bpm phase=%.2f rhythm=%.2f", out.BPM, out.Phase, out.RhythmStrength)
		} else {
			logger.Info("no tempo rhythm=%.2f", out.RhythmStrength)
		}
		logger.Debug("%s", eng.Diagnostics())
	}
}

// watchConfig pushes edited engine tunables into the running engine.
func watchConfig(eng *rhythm.Engine) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		settings, err := config.Get()
		if err != nil {
			logger.Warn("ignoring config change in %s: %v", e.Name, err)
			return
		}
		logger.SetLevel(settings.Level())
		eng.UpdateConfig(settings.Engine())
		logger.Info("config reloaded from %s", e.Name)
	})
	viper.WatchConfig()
}
