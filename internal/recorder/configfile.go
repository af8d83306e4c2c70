package recorder

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// configWriter appends "Key:Value;\n" lines to a scan's config.txt in the
// fixed key order every downstream tool that parses config.txt expects.
type configWriter struct {
	f *os.File
}

func openConfigWriter(path string) (*configWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &configWriter{f: f}, nil
}

func (w *configWriter) line(key, value string) error {
	_, err := fmt.Fprintf(w.f, "%s:%s;\n", key, value)
	return err
}

func (w *configWriter) Close() error {
	return w.f.Close()
}

// writePreAcquisitionFields writes the keys known before the probe reports a
// resolution: W, H, e_r setpoint, dx, total_samples, frame_rate_aim,
// delay at SS, scan speed, ID, POSTIONS, COMPUTER ID, Start Time.
func (w *configWriter) writePreAcquisitionFields(p fieldSet) error {
	fields := []struct{ key, value string }{
		{"W", strconv.Itoa(p.Width)},
		{"H", strconv.Itoa(p.Height)},
		{"e_r setpoint", strconv.FormatFloat(p.ElevationResolution, 'f', -1, 64)},
		{"dx", strconv.FormatFloat(p.Dx, 'f', -1, 64)},
		{"total_samples", strconv.Itoa(p.TotalSamples)},
		{"frame_rate_aim", strconv.FormatFloat(p.FrameRateAim, 'f', -1, 64)},
		{"delay at SS", strconv.FormatFloat(p.DelayAtSS.Seconds(), 'f', -1, 64)},
		{"scan speed", strconv.FormatFloat(p.ScanSpeed, 'f', -1, 64)},
		{"ID", p.ID},
		{"POSTIONS", p.PositionString},
		{"COMPUTER ID", p.ComputerID},
		{"Start Time", strconv.FormatFloat(float64(p.StartedAt.UnixNano())/1e9, 'f', 6, 64)},
	}
	for _, kv := range fields {
		if err := w.line(kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// writeResolution writes Xres/Yres once the probe session reports them.
func (w *configWriter) writeResolution(rx, ry float64) error {
	if err := w.line("Xres", strconv.FormatFloat(rx, 'f', -1, 64)); err != nil {
		return err
	}
	return w.line("Yres", strconv.FormatFloat(ry, 'f', -1, 64))
}

// writeAnnotations appends the optional trailing keys describing the plan
// actually executed and how long it took.
func (w *configWriter) writeAnnotations(mode string, x0, x1 float64, elapsed time.Duration) error {
	if err := w.line("SCAN_MODE", mode); err != nil {
		return err
	}
	if err := w.line("X0_mm", strconv.FormatFloat(x0, 'f', -1, 64)); err != nil {
		return err
	}
	if err := w.line("X1_mm", strconv.FormatFloat(x1, 'f', -1, 64)); err != nil {
		return err
	}
	return w.line("Total Time [s]", strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64))
}

// fieldSet bundles everything writePreAcquisitionFields needs so the caller
// doesn't have to pass a dozen positional args.
type fieldSet struct {
	Width, Height       int
	ElevationResolution float64
	Dx                  float64
	TotalSamples        int
	FrameRateAim        float64
	DelayAtSS           time.Duration
	ScanSpeed           float64
	ID                  string
	PositionString      string
	ComputerID          string
	StartedAt           time.Time
}
