package recorder

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/flags"
)

// fakeFrames reports ready immediately and hands back a fixed-size buffer
// on every grab; it never fails, so tests isolate the distance-trigger math.
type fakeFrames struct {
	width, height int
	grabs         int
}

func (f *fakeFrames) EnsureReady(ctx context.Context) bool { return true }

func (f *fakeFrames) GrabRaw() ([]byte, error) {
	f.grabs++
	return make([]byte, f.width*f.height), nil
}

func (f *fakeFrames) Resolution() (float64, float64, bool) { return 0.1, 0.1, true }

// monotonicPosition reports X advancing by step on every poll, starting
// from start, and never exceeding stop.
type monotonicPosition struct {
	pos, step, stop float64
}

func (p *monotonicPosition) Position(ctx context.Context) (float64, error) {
	p.pos += p.step
	if p.pos > p.stop {
		p.pos = p.stop
	}
	return p.pos, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCAN_DATA_DIR", dir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.FrameWidth = 4
	cfg.FrameHeight = 4
	cfg.PollInterval = time.Millisecond
	return cfg
}

func TestLongSweepSavesExpectedFrameCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.XMax = 118
	cfg.ElevationResolution = 0.06
	cfg.TargetFPS = 25

	frames := &fakeFrames{width: cfg.FrameWidth, height: cfg.FrameHeight}
	pos := &monotonicPosition{pos: 0, step: 2, stop: 118}
	rec := New(cfg, frames, pos, nil)

	layout := cfg.NewMeasurementDir(time.Unix(1700000000, 0))
	result, err := rec.Run(context.Background(), Options{
		Plan:           Plan{X0: 0, X1: 118, Mode: "long"},
		MeasurementDir: layout,
		StartedAt:      time.Unix(1700000000, 0),
		ScanSpeed:      90,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FramesSaved != 1967 {
		t.Fatalf("expected 1967 frames, got %d", result.FramesSaved)
	}
	if !result.Normal {
		t.Fatalf("expected a normal completion")
	}

	entries, err := os.ReadDir(layout.Raws)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1967 {
		t.Fatalf("expected 1967 raw files on disk, got %d", len(entries))
	}
}

func TestShortCustomRangeSavesExpectedFrameCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.XMax = 118
	cfg.ElevationResolution = 0.1

	frames := &fakeFrames{width: cfg.FrameWidth, height: cfg.FrameHeight}
	pos := &monotonicPosition{pos: 20, step: 0.02, stop: 80}
	rec := New(cfg, frames, pos, nil)

	layout := cfg.NewMeasurementDir(time.Unix(1700000001, 0))
	result, err := rec.Run(context.Background(), Options{
		Plan:           Plan{X0: 20, X1: 80, Mode: "custom"},
		MeasurementDir: layout,
		StartedAt:      time.Unix(1700000001, 0),
		ScanSpeed:      120,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FramesSaved != 600 {
		t.Fatalf("expected 600 frames, got %d", result.FramesSaved)
	}
}

func TestRunStopsWhenScanningFlagCleared(t *testing.T) {
	cfg := testConfig(t)
	cfg.XMax = 118
	cfg.ElevationResolution = 0.06

	frames := &fakeFrames{width: cfg.FrameWidth, height: cfg.FrameHeight}
	pos := &monotonicPosition{pos: 0, step: 0.06, stop: 118}
	rec := New(cfg, frames, pos, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		flags.WriteBool(cfg.FlagPath("scanning"), false)
	}()

	layout := cfg.NewMeasurementDir(time.Unix(1700000002, 0))
	result, err := rec.Run(context.Background(), Options{
		Plan:           Plan{X0: 0, X1: 118, Mode: "long"},
		MeasurementDir: layout,
		StartedAt:      time.Unix(1700000002, 0),
		ScanSpeed:      90,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Normal {
		t.Fatalf("expected a non-normal stop when the scanning flag clears early")
	}
	if result.FramesSaved >= 1967 {
		t.Fatalf("expected fewer than the full frame count, got %d", result.FramesSaved)
	}
}

func TestRunAbortsWhenPositionUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.XMax = 118
	cfg.ElevationResolution = 0.06

	frames := &fakeFrames{width: cfg.FrameWidth, height: cfg.FrameHeight}
	pos := failingPosition{}
	rec := New(cfg, frames, pos, nil)

	layout := cfg.NewMeasurementDir(time.Unix(1700000003, 0))
	_, err := rec.Run(context.Background(), Options{
		Plan:           Plan{X0: 0, X1: 118, Mode: "long"},
		MeasurementDir: layout,
		StartedAt:      time.Unix(1700000003, 0),
		ScanSpeed:      90,
	})
	if err == nil {
		t.Fatalf("expected an error when the device never reports X")
	}
}

type failingPosition struct{}

func (failingPosition) Position(ctx context.Context) (float64, error) {
	return 0, context.DeadlineExceeded
}

func TestConfigTxtKeyOrderMatchesSpec(t *testing.T) {
	cfg := testConfig(t)
	cfg.XMax = 118
	cfg.ElevationResolution = 0.06

	frames := &fakeFrames{width: cfg.FrameWidth, height: cfg.FrameHeight}
	pos := &monotonicPosition{pos: 0, step: 1, stop: 118}
	rec := New(cfg, frames, pos, nil)

	layout := cfg.NewMeasurementDir(time.Unix(1700000004, 0))
	if _, err := rec.Run(context.Background(), Options{
		Plan:           Plan{X0: 0, X1: 118, Mode: "long"},
		MeasurementDir: layout,
		StartedAt:      time.Unix(1700000004, 0),
		ScanSpeed:      90,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(layout.Root, "config.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	wantOrder := []string{
		"W:", "H:", "e_r setpoint:", "dx:", "total_samples:", "frame_rate_aim:",
		"delay at SS:", "scan speed:", "ID:", "POSTIONS:", "COMPUTER ID:",
		"Start Time:", "Xres:", "Yres:", "SCAN_MODE:", "X0_mm:", "X1_mm:", "Total Time [s]:",
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != len(wantOrder) {
		t.Fatalf("expected %d config.txt lines, got %d:\n%s", len(wantOrder), len(lines), data)
	}
	for i, prefix := range wantOrder {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Fatalf("line %d: expected prefix %q, got %q", i, prefix, lines[i])
		}
	}
}

func TestNPYHeaderLengthIsMultipleOf64(t *testing.T) {
	header := npyHeader(16, 16)
	if len(header)%64 != 0 {
		t.Fatalf("expected header length to be a multiple of 64, got %d", len(header))
	}
	if string(header[:6]) != "\x93NUMPY" {
		t.Fatalf("expected NUMPY magic prefix, got %q", header[:6])
	}
	declaredLen := binary.LittleEndian.Uint16(header[8:10])
	if int(declaredLen) != len(header)-10 {
		t.Fatalf("declared header length %d does not match actual %d", declaredLen, len(header)-10)
	}
}

func TestResolvePlanDefaultsAndClamps(t *testing.T) {
	cfg := testConfig(t)
	cfg.XMax = 118

	plan, err := ResolvePlan(cfg, flags.ScanPlan{}, false, EnvOverride{})
	if err != nil {
		t.Fatalf("ResolvePlan: %v", err)
	}
	if plan.X0 != 0 || plan.X1 != 118 {
		t.Fatalf("expected default (0, 118), got (%v, %v)", plan.X0, plan.X1)
	}

	over1 := 200.0
	_, err = ResolvePlan(cfg, flags.ScanPlan{}, false, EnvOverride{X1: &over1})
	if err != nil {
		t.Fatalf("ResolvePlan with out-of-range override: %v", err)
	}

	badX0 := 50.0
	badX1 := 10.0
	_, err = ResolvePlan(cfg, flags.ScanPlan{}, false, EnvOverride{X0: &badX0, X1: &badX1})
	if err == nil {
		t.Fatalf("expected an error for x1 < x0")
	}
}
