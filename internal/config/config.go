// Package config centralizes the immutable, environment-overridable values
// every core component reads: axis limits, offsets, feeds, frame geometry,
// timing windows, and scan path presets. Construct once at process start
// with Load and pass the result down; nothing in this package mutates a
// Config after construction.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ScanPose is a named XYZ position, e.g. the pose the plate is lowered to
// before an operator loads a specimen.
type ScanPose struct {
	X, Y, Z float64
}

// Config is the scanner's central, immutable configuration. It is built once
// by Load and handed to every component as a capability; no component may
// write to it.
type Config struct {
	// Paths
	DataDir      string // measurement directory root
	StateDir     string // flag files, scanplan.json, e_axis_position.txt
	DLLPath      string // vendor ultrasound wrapper DLL
	DicomTmpl    string // DICOM template used by the downstream converter
	SocketPath   string // unix socket the control-plane HTTP server listens on
	RecorderPath string // distance-triggered capture child process binary
	MergerPath   string // external two-sweep merger binary
	ConvertPath  string // external DICOM/PNG converter binary

	// Axis limits (mm)
	XMax, YMax, ZMax float64

	// Offsets between probe and nozzle (mm)
	OffsetX, OffsetY, OffsetZ float64

	// Feeds (mm/min)
	ScanFeed float64
	FastFeed float64
	JogFeed  float64
	JogZFeed float64

	// E axis
	RotationStep  float64
	ColdExtrusion bool

	// Ultrasound frame geometry
	FrameWidth  int
	FrameHeight int
	TargetFPS   float64

	// Elevation resolution: target distance between saved frames (mm). Zero
	// means "derive from travel speed / fps" (see ElevationResolutionEffective).
	ElevationResolution float64
	TravelSpeedXMMPerS  float64
	SyncFeedToFPS       bool

	// Serial
	SerialPort         string
	SerialBaud         int
	SerialDescriptions []string
	ReconnectPeriod    time.Duration
	ResponseSettle     time.Duration
	ReadWindow         time.Duration
	SerialOpenSettle   time.Duration

	// Scan path presets
	LongStart, LongEnd   float64
	ShortStart, ShortEnd float64

	// Scan pose / lower-plate pose used by operator prep endpoints
	ScanPose  ScanPose
	LowerZ    float64
	XYZFeed   float64
	LowerFeed float64

	// INIT sequence tolerances
	PosTolerance float64
	PollInterval time.Duration
	PollTimeout  time.Duration

	// UI limits
	MaxUIFeed           float64
	HoldThreshold       time.Duration
	ClickStepCap        float64
	RotationMaxDuration time.Duration
	ContinuousTickMin   time.Duration

	// Recorder warm-up before ScanPath is issued
	DelayBeforeRecord time.Duration

	// Multi-sweep Y offsets (mm, relative moves)
	MultisweepFirstOffsetY  float64
	MultisweepSecondOffsetY float64
	MultisweepWaitTimeout   time.Duration
}

// Load builds a Config from built-in defaults overridden by environment
// variables.
func Load() (*Config, error) {
	dataDir := envString("SCAN_DATA_DIR", defaultDataDir())
	stateDir := envString("SCAN_STATE_DIR", filepath.Join(dataDir, "state"))

	cfg := &Config{
		DataDir:      dataDir,
		StateDir:     stateDir,
		DLLPath:      envString("SCAN_DLL_PATH", "usgfw2wrapper.dll"),
		DicomTmpl:    envString("SCAN_DICOM_TEMPLATE", "dcmimage.dcm"),
		SocketPath:   envString("SCAN_SOCKET", filepath.Join(stateDir, "scanctld.sock")),
		RecorderPath: envString("SCAN_RECORDER_PATH", "scanrecorder"),
		MergerPath:   envString("SCAN_MERGER_PATH", "scanmerge"),
		ConvertPath:  envString("SCAN_CONVERT_PATH", "scanconvert"),

		XMax: envFloat("X_MAX", 118),
		YMax: envFloat("Y_MAX", 118),
		ZMax: envFloat("Z_MAX", 160),

		OffsetX: envFloat("OFFSET_X", -5.5),
		OffsetY: envFloat("OFFSET_Y", -5.5),
		OffsetZ: envFloat("OFFSET_Z", -70.0),

		ScanFeed: envFloat("SCAN_SPEED", 90),
		FastFeed: envFloat("FAST_FEED", 20*60),
		JogFeed:  envFloat("JOG_FEED", 2400),
		JogZFeed: envFloat("JOG_Z_FEED", 600),

		RotationStep:  envFloat("E_AXIS_STEP", 0.1),
		ColdExtrusion: envBool("E_AXIS_COLD", true),

		FrameWidth:  envInt("ULTRASOUND_WIDTH", 1024),
		FrameHeight: envInt("ULTRASOUND_HEIGHT", 1024),
		TargetFPS:   envFloat("TARGET_FPS", 25),

		ElevationResolution: envFloat("ELEV_RESOLUTION", 0.06),
		TravelSpeedXMMPerS:  envFloat("TRAVEL_SPEED_X", 5.0),
		SyncFeedToFPS:       envBool("SCAN_SYNC_FEED", true),

		SerialPort:         envString("SERIAL_PORT", ""),
		SerialBaud:         envInt("SERIAL_BAUD", 115200),
		SerialDescriptions: []string{"USB-SERIAL", "CH340", "CH341", "USB-SERIAL CH340", "USB SERIAL"},
		ReconnectPeriod:    envDuration("SERIAL_RECONNECT_PERIOD", 3*time.Second),
		ResponseSettle:     envDuration("SERIAL_RESPONSE_SETTLE", 50*time.Millisecond),
		ReadWindow:         envDuration("SERIAL_READ_WINDOW", 500*time.Millisecond),
		SerialOpenSettle:   envDuration("SERIAL_OPEN_SETTLE", 2*time.Second),

		LongStart: 0, LongEnd: envFloat("X_MAX", 118),
		ShortStart: 15, ShortEnd: 90,

		ScanPose:  ScanPose{X: 53.5, Y: 53.5, Z: 10.0},
		LowerZ:    envFloat("TARGET_Z_MM", 100.0),
		XYZFeed:   envFloat("XYZ_FEED_MM_PER_MIN", 2000),
		LowerFeed: envFloat("Z_FEED_MM_PER_MIN", 1500),

		PosTolerance: envFloat("POS_TOL_MM", 0.02),
		PollInterval: envDuration("POLL_INTERVAL_S", 100*time.Millisecond),
		PollTimeout:  envDuration("POLL_TIMEOUT_S", 5*time.Second),

		MaxUIFeed:           envFloat("UI_MAX_FEED", 3000),
		HoldThreshold:       envDuration("UI_HOLD_THRESHOLD", 250*time.Millisecond),
		ClickStepCap:        envFloat("UI_CLICK_STEP_CAP", 10),
		RotationMaxDuration: envDuration("UI_ROTATION_MAX_DURATION", 10*time.Second),
		ContinuousTickMin:   envDuration("UI_CONTINUOUS_TICK_MIN", 50*time.Millisecond),

		DelayBeforeRecord: envDuration("DELAY_BEFORE_RECORD", 9*time.Second),

		MultisweepFirstOffsetY:  envFloat("MULTISWEEP_OFFSET_1", -10),
		MultisweepSecondOffsetY: envFloat("MULTISWEEP_OFFSET_2", 20),
		MultisweepWaitTimeout:   envDuration("MULTISWEEP_WAIT_TIMEOUT", 600*time.Second),
	}

	// Short preset is clamped to the configured XMax at use time too, but
	// seed it sanely here in case XMax < 90.
	if cfg.ShortEnd > cfg.XMax {
		cfg.ShortEnd = cfg.XMax
	}

	for _, dir := range []string{cfg.DataDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ElevationResolutionEffective returns the distance between saved frames:
// the configured setpoint if positive, else travel-speed/fps (mm/frame).
func (c *Config) ElevationResolutionEffective() float64 {
	if c.ElevationResolution > 0 {
		return c.ElevationResolution
	}
	return c.TravelSpeedXMMPerS / c.TargetFPS
}

// ScanFeedForSync returns the scan feedrate (mm/min): fixed ScanFeed, or
// 60*e_r*fps when sync mode is enabled so one frame lands roughly every e_r.
func (c *Config) ScanFeedForSync() float64 {
	if !c.SyncFeedToFPS {
		return c.ScanFeed
	}
	return 60 * c.TargetFPS * c.ElevationResolutionEffective()
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "scancore", "data")
	}
	return filepath.Join(home, ".scancore", "data")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}
