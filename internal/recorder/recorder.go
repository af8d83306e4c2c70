// Package recorder implements the distance-triggered capture child process:
// it owns its own ultrasound probe session (the vendor DLL permits more
// than one process to bind it, unlike the serial port) and saves one raw
// frame every time the gantry has advanced roughly one elevation-resolution
// step, independent of motion jitter or scan speed.
package recorder

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/flags"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/scanerr"
)

// PositionProvider reports the gantry's current X position. The recorder
// runs as a separate process from the one that owns the serial handle, so
// it can never read position directly off the wire; a real implementation
// asks the daemon's control-plane HTTP route instead.
type PositionProvider interface {
	Position(ctx context.Context) (float64, error)
}

// FrameSource produces one grayscale frame at a time, plus the device's
// reported mm/pixel resolution once known. *probe.Session satisfies this.
type FrameSource interface {
	EnsureReady(ctx context.Context) bool
	GrabRaw() ([]byte, error)
	Resolution() (rx, ry float64, ok bool)
}

// Plan is the resolved, clamped scan range the recorder executes.
type Plan struct {
	X0, X1 float64
	Mode   string
}

// EnvOverride captures the optional environment variables (and aliases)
// that can narrow the scan range passed to a recorder invocation. Pointers
// are nil when the corresponding variable was unset.
type EnvOverride struct {
	X0   *float64
	X1   *float64
	Mode string
}

// ResolvePlan resolves the scan range from {scanplan file, environment
// vars, default 0→Xmax}, clamps to axis limits, and enforces x0<x1. It is
// pure so it can be tested without any filesystem or process state.
func ResolvePlan(cfg *config.Config, filePlan flags.ScanPlan, havePlan bool, override EnvOverride) (Plan, error) {
	plan := Plan{X0: 0, X1: cfg.XMax, Mode: "long"}
	if havePlan {
		plan = Plan{X0: filePlan.X0, X1: filePlan.X1, Mode: filePlan.Mode}
	}
	if override.X0 != nil {
		plan.X0 = *override.X0
	}
	if override.X1 != nil {
		plan.X1 = *override.X1
	}
	if override.Mode != "" {
		plan.Mode = override.Mode
	}

	plan.X0 = clamp(plan.X0, 0, cfg.XMax)
	plan.X1 = clamp(plan.X1, 0, cfg.XMax)
	if plan.X1 <= plan.X0 {
		return Plan{}, fmt.Errorf("%w: scan range x1 (%.3f) must be greater than x0 (%.3f)", scanerr.ErrInvalidArgument, plan.X1, plan.X0)
	}
	return plan, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Options bundles everything one recorder run needs beyond the plan itself.
type Options struct {
	Plan           Plan
	MeasurementDir config.MeasurementLayout
	PositionString string // first line of an M114 response captured before spawn
	StartedAt      time.Time
	ScanSpeed      float64 // mm/min, the feed the scanner was told to use
}

// Recorder executes the distance-triggered capture loop: one raw frame per
// elevation-resolution step of X travel, bracketed by the cross-process
// scanning flag.
type Recorder struct {
	cfg    *config.Config
	frames FrameSource
	pos    PositionProvider

	// onComplete is spawned only after the loop exits normally; an abnormal
	// exit skips downstream conversion. Swappable for tests.
	onComplete func(layout config.MeasurementLayout) error
}

// New constructs a Recorder. onComplete may be nil, in which case no
// downstream conversion is spawned (used by tests and by callers that run
// conversion out of band).
func New(cfg *config.Config, frames FrameSource, pos PositionProvider, onComplete func(config.MeasurementLayout) error) *Recorder {
	return &Recorder{cfg: cfg, frames: frames, pos: pos, onComplete: onComplete}
}

// Result reports what a completed (or aborted) run produced. Partial runs
// still leave their measurement folder behind so operators can inspect
// whatever was captured.
type Result struct {
	FramesSaved int
	Normal      bool
}

// Run executes one capture run against an already-resolved Plan and
// MeasurementDir (ResolvePlan runs in the process entrypoint before Run so
// a bad range fails fast without touching the probe). The scanning-flag and
// recdir files are written on entry and the scanning-flag is always cleared
// on the way out, even on error.
func (r *Recorder) Run(ctx context.Context, opts Options) (Result, error) {
	if err := os.MkdirAll(opts.MeasurementDir.Root, 0o755); err != nil {
		return Result{}, fmt.Errorf("create measurement dir: %w", err)
	}
	if err := os.MkdirAll(opts.MeasurementDir.Raws, 0o755); err != nil {
		return Result{}, fmt.Errorf("create raws dir: %w", err)
	}

	scanningFlag := r.cfg.FlagPath("scanning")
	recdirFlag := r.cfg.FlagPath("recdir")
	if err := flags.WriteBool(scanningFlag, true); err != nil {
		return Result{}, fmt.Errorf("set scanning flag: %w", err)
	}
	if err := flags.WriteString(recdirFlag, opts.MeasurementDir.Root); err != nil {
		return Result{}, fmt.Errorf("write recdir: %w", err)
	}
	defer flags.WriteBool(scanningFlag, false)

	dx := math.Abs(opts.Plan.X1 - opts.Plan.X0)
	eREffective := r.cfg.ElevationResolutionEffective()
	nFrames := int(math.Ceil(dx / eREffective))

	hostName, _ := os.Hostname()
	cfgWriter, err := openConfigWriter(filepath.Join(opts.MeasurementDir.Root, "config.txt"))
	if err != nil {
		return Result{}, fmt.Errorf("open config.txt: %w", err)
	}
	defer cfgWriter.Close()

	id := filepath.Base(opts.MeasurementDir.Root)
	if err := cfgWriter.writePreAcquisitionFields(fieldSet{
		Width:               r.cfg.FrameWidth,
		Height:              r.cfg.FrameHeight,
		ElevationResolution: eREffective,
		Dx:                  dx,
		TotalSamples:        nFrames,
		FrameRateAim:        r.cfg.TargetFPS,
		DelayAtSS:           r.cfg.DelayBeforeRecord,
		ScanSpeed:           opts.ScanSpeed,
		ID:                  id,
		PositionString:      firstLine(opts.PositionString),
		ComputerID:          hostName,
		StartedAt:           opts.StartedAt,
	}); err != nil {
		return Result{}, fmt.Errorf("write config.txt: %w", err)
	}

	if !r.frames.EnsureReady(ctx) {
		return Result{}, fmt.Errorf("%w: probe never became ready", scanerr.ErrProbeUnavailable)
	}
	if rx, ry, ok := r.frames.Resolution(); ok {
		if err := cfgWriter.writeResolution(rx, ry); err != nil {
			return Result{}, fmt.Errorf("write resolution: %w", err)
		}
	} else {
		if err := cfgWriter.writeResolution(0, 0); err != nil {
			return Result{}, fmt.Errorf("write resolution: %w", err)
		}
	}

	saved, normal, loopErr := r.captureLoop(ctx, opts, eREffective, nFrames, scanningFlag)

	elapsed := time.Since(opts.StartedAt)
	if annErr := cfgWriter.writeAnnotations(opts.Plan.Mode, opts.Plan.X0, opts.Plan.X1, elapsed); annErr != nil {
		logger.Log.Warn("failed to write config.txt annotations", "error", annErr)
	}

	result := Result{FramesSaved: saved, Normal: normal}
	if loopErr != nil {
		return result, loopErr
	}
	if normal && r.onComplete != nil {
		if err := r.onComplete(opts.MeasurementDir); err != nil {
			logger.Log.Warn("failed to spawn downstream conversion", "error", err)
		}
	}
	return result, nil
}

// maxPositionFailures bounds how many consecutive failed position polls the
// loop rides out before concluding the device genuinely does not report X.
// Individual failures are expected — the daemon's request queue can be busy
// with a barrier or a reconnect for a poll or two.
const maxPositionFailures = 50

// captureLoop polls X and saves a frame every eREffective of travel (within
// a 10% tolerance), stopping at x1, on a cleared scanning flag, or on ctx
// cancellation.
func (r *Recorder) captureLoop(ctx context.Context, opts Options, eREffective float64, nFrames int, scanningFlag string) (saved int, normal bool, err error) {
	tolerance := 0.1 * eREffective
	lastSaved := opts.Plan.X0
	posFailures := 0

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for saved < nFrames {
		select {
		case <-ctx.Done():
			return saved, false, ctx.Err()
		case <-ticker.C:
		}

		if !flags.ReadBool(scanningFlag) {
			return saved, false, nil
		}

		pos, posErr := r.pos.Position(ctx)
		if posErr != nil {
			posFailures++
			if posFailures >= maxPositionFailures {
				return saved, false, fmt.Errorf("%w: device does not report X: %v", scanerr.ErrInvalidArgument, posErr)
			}
			continue
		}
		posFailures = 0

		traveled := pos - lastSaved
		for traveled >= eREffective-tolerance && saved < nFrames {
			ok, err := r.saveFrame(opts, saved)
			if err != nil {
				return saved, false, err
			}
			if !ok {
				break // grab failed; retry this step on the next poll
			}
			saved++
			lastSaved += eREffective
			traveled -= eREffective
		}

		if pos >= opts.Plan.X1-tolerance {
			// The last e_r_effective step is often a fraction short of a full
			// threshold crossing (dx/e_r_effective rarely divides evenly); the
			// endpoint itself still counts as the final sample.
			if saved < nFrames {
				ok, err := r.saveFrame(opts, saved)
				if err != nil {
					return saved, false, err
				}
				if ok {
					saved++
				}
			}
			return saved, true, nil
		}
	}
	return saved, true, nil
}

// saveFrame grabs and persists one frame at index. ok is false (with no
// error) when the grab itself failed transiently — the caller decides
// whether to retry the same index later.
func (r *Recorder) saveFrame(opts Options, index int) (ok bool, err error) {
	gray, grabErr := r.frames.GrabRaw()
	if grabErr != nil {
		logger.Log.Warn("frame grab failed, skipping step", "error", grabErr, "index", index)
		return false, nil
	}
	path := filepath.Join(opts.MeasurementDir.Raws, strconv.Itoa(index)+".npy")
	if writeErr := writeNPY(path, gray, r.cfg.FrameHeight, r.cfg.FrameWidth); writeErr != nil {
		return false, fmt.Errorf("write frame %d: %w", index, writeErr)
	}
	return true, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
