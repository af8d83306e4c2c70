// Package scanner is the disciplined layer above serialmgr: it enforces
// units, coordinate mode, axis bounds, and the high-level homing/scan
// sequences.
package scanner

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/flags"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/scanerr"
	"github.com/threesonic/scancore/internal/serialmgr"
)

// Serial is the subset of serialmgr.Manager this controller depends on.
type Serial interface {
	SendRequest(text string, timeout time.Duration) ([]string, error)
	SendBarrier(text string, timeout time.Duration) ([]string, error)
	SendNow(text string) error
	WaitMotionComplete(timeout time.Duration) bool
	QueryPosition(timeout time.Duration) ([]string, error)
}

// Axis names the three linear travel axes plus the rotational E axis.
type Axis string

const (
	AxisX Axis = "X"
	AxisY Axis = "Y"
	AxisZ Axis = "Z"
	AxisE Axis = "E"
)

// Controller is the Scanner Controller: unit/mode discipline, bounded moves,
// homing, E-axis persistence, and scan-path execution, all layered over a
// Serial handle it never owns directly.
type Controller struct {
	cfg    *config.Config
	serial Serial

	// modeLock serializes every code path that enters relative mode or
	// issues an absolute E move, so G90/G91 can never be concurrently
	// flipped by two callers.
	modeLock sync.Mutex
}

// New builds a Controller bound to serial and cfg.
func New(cfg *config.Config, serial Serial) *Controller {
	return &Controller{cfg: cfg, serial: serial}
}

// EnsureUnitsAndAbsolute sends mm and absolute-mode commands. Idempotent:
// calling it twice has the same observable effect as once, modulo the two
// wire writes.
func (c *Controller) EnsureUnitsAndAbsolute() bool {
	okMM := c.serial.SendNow("G21") == nil
	okAbs := c.serial.SendNow("G90") == nil
	return okMM && okAbs
}

// SetFeedrate issues a bare feedrate-only move command and reports success
// iff the firmware acknowledges with "ok".
func (c *Controller) SetFeedrate(mmPerMin float64) bool {
	lines, err := c.serial.SendRequest(fmt.Sprintf("G1 F%.3f", mmPerMin), 2*time.Second)
	if err != nil {
		return false
	}
	return containsOK(lines)
}

// Home issues G28 for a single axis. The firmware acknowledges homing only
// once the axis has hit its endstop, so this goes through the barrier read
// rather than the silence-bounded request window.
func (c *Controller) Home(axis Axis) bool {
	lines, err := c.serial.SendBarrier(fmt.Sprintf("G28 %s", axis), 30*time.Second)
	if err != nil {
		return false
	}
	return containsOK(lines)
}

// HomeAll issues a bare G28 (all axes).
func (c *Controller) HomeAll() bool {
	lines, err := c.serial.SendBarrier("G28", 60*time.Second)
	if err != nil {
		return false
	}
	return containsOK(lines)
}

func (c *Controller) clamp(axis Axis, value float64) float64 {
	var max float64
	switch axis {
	case AxisX:
		max = c.cfg.XMax
	case AxisY:
		max = c.cfg.YMax
	case AxisZ:
		max = c.cfg.ZMax
	default:
		return value // E is unbounded
	}
	if value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return value
}

// MoveAbsolute clamps XYZ targets to configured axis limits (E passes
// through unchanged) and issues an absolute move.
func (c *Controller) MoveAbsolute(axis Axis, value float64) bool {
	target := c.clamp(axis, value)
	lines, err := c.serial.SendRequest(fmt.Sprintf("G1 %s%.4f", axis, target), 10*time.Second)
	if err != nil {
		return false
	}
	return containsOK(lines)
}

// DeltaMove is a pure-relative jog: enter relative mode, issue one G1 at the
// jog feedrate, restore absolute mode — all under modeLock so no other path
// observes relative mode mid-flight. Never polls position (no read
// contention with the jog cadence). Uses SendNow (fire-and-forget) so rapid
// repeated jogs don't queue up behind the request pipeline.
func (c *Controller) DeltaMove(axis Axis, delta float64) {
	if axis == AxisE {
		return
	}
	feed := c.cfg.JogFeed
	if axis == AxisZ {
		feed = c.cfg.JogZFeed
	}
	c.modeLock.Lock()
	defer c.modeLock.Unlock()
	c.serial.SendNow("G91")
	c.serial.SendNow(fmt.Sprintf("G1 %s%.4f F%.3f", axis, delta, feed))
	c.serial.SendNow("G90")
}

// currentE reads the persisted absolute E position, defaulting to 0 if the
// file is missing or unparseable.
func (c *Controller) currentE() float64 {
	v, ok := flags.ReadFloat(c.cfg.EAxisPositionPath())
	if !ok {
		return 0
	}
	return v
}

// Rotate moves the E axis by ±step from its persisted position, within
// modeLock so it never interleaves with a relative-mode jog. step == 0 is a
// no-op that returns ok without touching the persisted value.
func (c *Controller) Rotate(step float64, clockwise bool) (bool, string) {
	if step == 0 {
		return true, "no-op"
	}
	c.modeLock.Lock()
	defer c.modeLock.Unlock()

	if c.cfg.ColdExtrusion {
		c.serial.SendNow("M302 P1")
	}

	delta := step
	if !clockwise {
		delta = -step
	}
	newE := c.currentE() + delta

	lines, err := c.serial.SendRequest(fmt.Sprintf("G1 E%.4f", newE), 5*time.Second)
	if err != nil || !containsOK(lines) {
		return false, "rotate move not acknowledged"
	}
	if err := flags.WriteFloat(c.cfg.EAxisPositionPath(), newE); err != nil {
		logger.Log.Warn("failed to persist E axis position", "error", err)
		return false, "move ok but failed to persist E position"
	}
	return true, "ok"
}

// GetPosition returns the raw M114 response lines.
func (c *Controller) GetPosition() ([]string, error) {
	return c.serial.QueryPosition(2 * time.Second)
}

// GetPositionAxis returns the parsed value for one axis, if present in the
// latest M114 response.
func (c *Controller) GetPositionAxis(axis Axis) (float64, bool) {
	lines, err := c.GetPosition()
	if err != nil {
		return 0, false
	}
	return serialmgr.ParseAxis(string(axis), lines)
}

func (c *Controller) waitUntilAxis(axis Axis, target float64) bool {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	for time.Now().Before(deadline) {
		if v, ok := c.GetPositionAxis(axis); ok && math.Abs(v-target) <= c.cfg.PosTolerance {
			return true
		}
		time.Sleep(c.cfg.PollInterval)
	}
	return false
}

// GoToInit runs the startup sequence: home with three bounded fallbacks,
// lift to a safe Z, then center over the specimen, each step verified
// before the next begins.
func (c *Controller) GoToInit() (bool, string) {
	if !c.EnsureUnitsAndAbsolute() {
		return false, "failed to set units/absolute mode"
	}

	if !c.homeWithFallbacks() {
		return false, "homing failed"
	}

	// Safe lift: fast move to (0,0,10), verified by polling.
	if ok := c.moveFastTo(0, 0, 10); !ok {
		return false, "timeout waiting for safe lift position"
	}

	centerX := c.cfg.OffsetX + c.cfg.XMax/2
	centerY := c.cfg.OffsetY + c.cfg.YMax/2
	centerZ := c.cfg.OffsetZ + c.cfg.ZMax/2
	if ok := c.moveFastTo(centerX, centerY, centerZ); !ok {
		return false, "timeout waiting for center position"
	}
	return true, "centered"
}

func (c *Controller) homeWithFallbacks() bool {
	if c.HomeAll() && c.serial.WaitMotionComplete(60*time.Second) {
		return true
	}
	xy := c.serial.SendNow("G28 X Y") == nil
	z := c.serial.SendNow("G28 Z") == nil
	if xy && z && c.serial.WaitMotionComplete(60*time.Second) {
		return true
	}
	for _, axis := range []Axis{AxisX, AxisY, AxisZ} {
		if !c.Home(axis) || !c.serial.WaitMotionComplete(30*time.Second) {
			return false
		}
	}
	return true
}

func (c *Controller) moveFastTo(x, y, z float64) bool {
	if !c.SetFeedrate(c.cfg.FastFeed) {
		return false
	}
	lines, err := c.serial.SendRequest(
		fmt.Sprintf("G1 X%.4f Y%.4f Z%.4f F%.3f", c.clamp(AxisX, x), c.clamp(AxisY, y), c.clamp(AxisZ, z), c.cfg.FastFeed),
		10*time.Second,
	)
	if err != nil || !containsOK(lines) {
		return false
	}
	ok := c.waitUntilAxis(AxisX, x) && c.waitUntilAxis(AxisY, y) && c.waitUntilAxis(AxisZ, z)
	return ok
}

// GoToScanStart ensures modes, selects the fast feed, and moves to the scan
// start X, waiting for the motion barrier.
func (c *Controller) GoToScanStart(x float64) bool {
	c.EnsureUnitsAndAbsolute()
	if !c.SetFeedrate(c.cfg.FastFeed) {
		return false
	}
	if !c.MoveAbsolute(AxisX, x) {
		return false
	}
	return c.serial.WaitMotionComplete(30 * time.Second)
}

// ScanPath moves from x0 to x1 at the scan feed (fixed, or synchronized to
// fps*e_r, per Config.ScanFeedForSync). x0 == x1 completes immediately;
// x1 < x0 is rejected as an invalid argument.
func (c *Controller) ScanPath(x0, x1 float64) error {
	if x1 < x0 {
		return fmt.Errorf("%w: scan_path x1 (%v) < x0 (%v)", scanerr.ErrInvalidArgument, x1, x0)
	}
	if x0 == x1 {
		return nil
	}
	c.EnsureUnitsAndAbsolute()
	feed := c.cfg.ScanFeedForSync()
	if !c.SetFeedrate(feed) {
		return scanerr.ErrNotConnected
	}
	if !c.MoveAbsolute(AxisX, x0) {
		return scanerr.ErrNotConnected
	}
	if !c.serial.WaitMotionComplete(30 * time.Second) {
		return scanerr.ErrTimeout
	}
	if !c.MoveAbsolute(AxisX, x1) {
		return scanerr.ErrNotConnected
	}
	// Generous completion timeout proportional to distance/feed.
	distance := x1 - x0
	timeout := time.Duration(distance/feed*60*float64(time.Second)) + 30*time.Second
	if !c.waitScanTravel(x1, timeout) {
		return scanerr.ErrTimeout
	}
	return nil
}

// waitScanTravel waits for the sweep to reach x1 by polling M114 rather than
// holding an M400 barrier: the recorder's distance trigger needs the request
// queue flowing with position reports for the whole travel, and a pending
// M400 would block the firmware from answering them. Devices that never
// report X fall back to the barrier. A short settle barrier runs once the
// target is reached.
func (c *Controller) waitScanTravel(x1 float64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	sawX := false
	for time.Now().Before(deadline) {
		v, ok := c.GetPositionAxis(AxisX)
		if ok {
			sawX = true
			if v >= x1-c.cfg.PosTolerance {
				return c.serial.WaitMotionComplete(30 * time.Second)
			}
		} else if !sawX {
			return c.serial.WaitMotionComplete(timeout)
		}
		time.Sleep(c.cfg.PollInterval)
	}
	return false
}

// LowerPlate moves Z to the configured bath-loading height so the operator
// can place a specimen, verified by polling.
func (c *Controller) LowerPlate() (bool, string) {
	c.serial.SendNow("G90")
	c.serial.SendNow(fmt.Sprintf("G1 Z%.3f F%.0f", c.cfg.LowerZ, c.cfg.LowerFeed))
	c.serial.WaitMotionComplete(10 * time.Second)
	if !c.waitUntilAxis(AxisZ, c.cfg.LowerZ) {
		return false, fmt.Sprintf("timeout: Z did not reach %.1f mm", c.cfg.LowerZ)
	}
	return true, "plate lowered"
}

// GoToScanPose moves to the configured pre-scan pose, verified by polling
// all three axes.
func (c *Controller) GoToScanPose() (bool, string) {
	p := c.cfg.ScanPose
	c.serial.SendNow("G90")
	c.serial.SendNow(fmt.Sprintf("G1 X%.3f Y%.3f Z%.3f F%.0f", p.X, p.Y, p.Z, c.cfg.XYZFeed))
	c.serial.WaitMotionComplete(15 * time.Second)
	if !(c.waitUntilAxis(AxisX, p.X) && c.waitUntilAxis(AxisY, p.Y) && c.waitUntilAxis(AxisZ, p.Z)) {
		return false, "timeout: scanner did not reach scan pose"
	}
	return true, "positioned for scan"
}

// EmergencyStop fires M112 on the immediate-write path, bypassing whatever
// the request queue is doing.
func (c *Controller) EmergencyStop() error {
	return c.serial.SendNow("M112")
}

func containsOK(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), "ok") {
			return true
		}
	}
	return false
}
