// Command scanrecorder is the distance-triggered capture child process
// spawned by the daemon's orchestrator once per sweep (twice for a
// multi-sweep). It owns its own probe session — the vendor DLL tolerates a
// second binding, unlike the serial port — and asks the daemon's
// control-plane HTTP route for position instead of opening a second serial
// connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/flags"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/probe"
	"github.com/threesonic/scancore/internal/recorder"
	"github.com/threesonic/scancore/internal/transport"
)

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:   "scanrecorder",
		Short: "distance-triggered ultrasound capture child process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, ""); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			return run()
		},
	}
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	filePlan, havePlan := flags.ReadScanPlan(cfg.ScanPlanPath())
	plan, err := recorder.ResolvePlan(cfg, filePlan, havePlan, envOverride())
	if err != nil {
		return fmt.Errorf("resolve scan plan: %w", err)
	}

	// A termination signal stops the capture loop; the deferred teardown
	// below still runs so the probe is closed cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The recorder grabs frames synchronously, one per distance step; the
	// session's continuous preview loop is never started here so the two
	// never race on the device.
	session := probe.New(cfg)
	defer session.Close()

	client := transport.NewClient(cfg.SocketPath)

	rec := recorder.New(cfg, session, client, onComplete(cfg))

	startedAt := time.Now()
	opts := recorder.Options{
		Plan:           plan,
		MeasurementDir: cfg.NewMeasurementDir(startedAt),
		PositionString: os.Getenv("REC_POSITION_STR"),
		StartedAt:      startedAt,
		ScanSpeed:      cfg.ScanFeedForSync(),
	}

	result, err := rec.Run(ctx, opts)
	if err != nil {
		logger.Log.Error("recorder run failed", "error", err, "frames_saved", result.FramesSaved)
		return err
	}
	logger.Log.Info("recorder run finished", "frames_saved", result.FramesSaved, "normal", result.Normal)
	return nil
}

// envOverride reads the optional scan-range environment variables the
// daemon passes at spawn: SCAN_X0/SCAN_X1 (with SCAN_START_X/SCAN_END_X as
// aliases) and SCAN_MODE.
func envOverride() recorder.EnvOverride {
	var ov recorder.EnvOverride
	if f, ok := envFloat("SCAN_X0"); ok {
		ov.X0 = &f
	} else if f, ok := envFloat("SCAN_START_X"); ok {
		ov.X0 = &f
	}
	if f, ok := envFloat("SCAN_X1"); ok {
		ov.X1 = &f
	} else if f, ok := envFloat("SCAN_END_X"); ok {
		ov.X1 = &f
	}
	ov.Mode = os.Getenv("SCAN_MODE")
	return ov
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// onComplete spawns the external DICOM/PNG converter for a finished
// measurement directory, fire-and-forget — the recorder process exits right
// after this returns, so the converter is detached rather than waited on.
func onComplete(cfg *config.Config) func(config.MeasurementLayout) error {
	return func(layout config.MeasurementLayout) error {
		cmd := exec.Command(cfg.ConvertPath, layout.Root)
		cmd.Dir = cfg.DataDir
		cmd.Env = append(os.Environ(), "SCAN_DICOM_TEMPLATE="+cfg.DicomTmpl)
		return cmd.Start()
	}
}
