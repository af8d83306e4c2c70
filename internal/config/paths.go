package config

import (
	"path/filepath"
	"time"
)

// MeasurementLayout names the fixed subdirectories created for every scan.
type MeasurementLayout struct {
	Root        string
	Frames      string
	Raws        string
	DicomSeries string
}

// NewMeasurementDir returns the layout for a freshly timestamped measurement
// directory under DataDir. It does not create anything on disk; callers
// (the recorder) do that at the moment they actually start capturing.
func (c *Config) NewMeasurementDir(now time.Time) MeasurementLayout {
	root := filepath.Join(c.DataDir, now.Format("20060102_150405"))
	return MeasurementLayout{
		Root:        root,
		Frames:      filepath.Join(root, "frames"),
		Raws:        filepath.Join(root, "raws"),
		DicomSeries: filepath.Join(root, "dicom_series"),
	}
}

// FlagPath returns the path of a named cross-process flag file under StateDir.
func (c *Config) FlagPath(name string) string {
	return filepath.Join(c.StateDir, name)
}

// EAxisPositionPath is the file the Scanner Controller persists the E axis
// absolute position to, shared across the daemon and recorder processes.
func (c *Config) EAxisPositionPath() string {
	return c.FlagPath("e_axis_position.txt")
}

// ScanPlanPath is the JSON scan-plan file shared with the recorder process.
func (c *Config) ScanPlanPath() string {
	return c.FlagPath("scanplan.json")
}

// DBPath is the sqlite audit ledger's location under StateDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "scanstore.db")
}
