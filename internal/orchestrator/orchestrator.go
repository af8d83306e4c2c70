// Package orchestrator is the top-level coordination layer: it turns UI
// actions (hold-to-jog, scan plans, shutdown) into calls against the
// Scanner Controller and the probe session, manages the cooperative
// continuous-move workers and the jog queue's single consumer, and spawns
// the recorder/merger child processes that do the actual acquisition and
// post-processing.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/flags"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/scanerr"
	"github.com/threesonic/scancore/internal/scanner"
	"github.com/threesonic/scancore/internal/scanstore"
)

// AuditStore is the subset of scanstore.Store a sweep brackets its
// start/finish around. A nil AuditStore (e.g. in orchestrator-only tests)
// disables auditing entirely rather than panicking.
type AuditStore interface {
	Start(plan flags.ScanPlan, startedAt time.Time) (string, error)
	Finish(scanID string, endedAt time.Time, frameCount int, outcome scanstore.Outcome, detail, folder string) error
}

// Controller is the subset of scanner.Controller the orchestrator drives.
type Controller interface {
	DeltaMove(axis scanner.Axis, delta float64)
	Rotate(step float64, clockwise bool) (bool, string)
	GoToScanStart(x float64) bool
	ScanPath(x0, x1 float64) error
	GetPosition() ([]string, error)
	HomeAll() bool
	GoToInit() (bool, string)
	LowerPlate() (bool, string)
	GoToScanPose() (bool, string)
	EmergencyStop() error
}

// Probe is the subset of probe.Session the orchestrator tears down on
// shutdown. Freeze/stop have no separate state in this session (unlike the
// original SDK's four-entry-point lifecycle): Close covers all three.
type Probe interface {
	Close() error
}

// Direction names a single jog/continuous-move action as the UI sends it.
// It already encodes both axis and sign, so it doubles as the
// continuous-worker registry key.
type Direction string

const (
	DirXPlus     Direction = "Xplus"
	DirXMinus    Direction = "Xminus"
	DirYPlus     Direction = "Yplus"
	DirYMinus    Direction = "Yminus"
	DirZPlus     Direction = "Zplus"
	DirZMinus    Direction = "Zminus"
	DirRotateCW  Direction = "rotateClockwise"
	DirRotateCCW Direction = "rotateCounterclockwise"
)

const (
	jogQueueSize         = 8
	rotateDebounceWindow = 200 * time.Millisecond
	shutdownGrace        = 3 * time.Second
)

type jogJob struct {
	isRotate  bool
	axis      scanner.Axis
	delta     float64
	clockwise bool
	step      float64
}

func buildJogJob(direction Direction, step float64) (jogJob, error) {
	switch direction {
	case DirXPlus:
		return jogJob{axis: scanner.AxisX, delta: step}, nil
	case DirXMinus:
		return jogJob{axis: scanner.AxisX, delta: -step}, nil
	case DirYPlus:
		return jogJob{axis: scanner.AxisY, delta: step}, nil
	case DirYMinus:
		return jogJob{axis: scanner.AxisY, delta: -step}, nil
	case DirZPlus:
		return jogJob{axis: scanner.AxisZ, delta: step}, nil
	case DirZMinus:
		return jogJob{axis: scanner.AxisZ, delta: -step}, nil
	case DirRotateCW:
		return jogJob{isRotate: true, clockwise: true, step: step}, nil
	case DirRotateCCW:
		return jogJob{isRotate: true, clockwise: false, step: step}, nil
	default:
		return jogJob{}, fmt.Errorf("%w: unknown jog direction %q", scanerr.ErrInvalidArgument, direction)
	}
}

type continuousWorker struct {
	stop chan struct{}
	done chan struct{}
}

// Orchestrator is the Scan Orchestrator: jog queue, continuous-move worker
// registry, scan-plan/sweep execution, and child-process supervision.
type Orchestrator struct {
	cfg     *config.Config
	ctrl    Controller
	probe   Probe
	spawner ProcessSpawner
	store   AuditStore

	jobs      chan jogJob
	startOnce sync.Once

	debounceMu    sync.Mutex
	lastRotateAt  time.Time
	lastRotateDir bool

	continuousMu sync.Mutex
	continuous   map[Direction]*continuousWorker

	childMu  sync.Mutex
	children []Process

	shuttingDown atomic.Bool
}

// New builds an Orchestrator. Start must be called once to launch the jog
// worker before JogOnce has anywhere to deliver its jobs. store may be nil,
// which disables sweep auditing (used by callers that don't care, e.g. some
// tests); production callers pass a real *scanstore.Store.
func New(cfg *config.Config, ctrl Controller, probe Probe, spawner ProcessSpawner, store AuditStore) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		ctrl:       ctrl,
		probe:      probe,
		spawner:    spawner,
		store:      store,
		jobs:       make(chan jogJob, jogQueueSize),
		continuous: make(map[Direction]*continuousWorker),
	}
}

// Start launches the single jog-queue consumer. Idempotent.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		go o.jogWorker()
	})
}

func (o *Orchestrator) jogWorker() {
	for job := range o.jobs {
		o.runJog(job)
	}
}

func (o *Orchestrator) runJog(job jogJob) {
	if job.isRotate {
		o.ctrl.Rotate(job.step, job.clockwise)
		return
	}
	o.ctrl.DeltaMove(job.axis, job.delta)
}

// JogOnce enqueues a single jog for the worker to execute, collapsing a
// rotate request that duplicates the immediately preceding one within
// rotateDebounceWindow (double-click debounce on the UI's rotate button).
// The queue is bounded; a full queue drops the request rather than
// blocking the caller.
func (o *Orchestrator) JogOnce(direction Direction, step float64) error {
	if o.shuttingDown.Load() {
		return scanerr.ErrShuttingDown
	}
	if step > o.cfg.ClickStepCap {
		step = o.cfg.ClickStepCap
	}
	job, err := buildJogJob(direction, step)
	if err != nil {
		return err
	}

	if job.isRotate {
		if job.step == 0 {
			job.step = o.cfg.RotationStep
		}
		o.debounceMu.Lock()
		now := time.Now()
		duplicate := job.clockwise == o.lastRotateDir && now.Sub(o.lastRotateAt) < rotateDebounceWindow
		o.lastRotateDir = job.clockwise
		o.lastRotateAt = now
		o.debounceMu.Unlock()
		if duplicate {
			return nil
		}
	}

	select {
	case o.jobs <- job:
		return nil
	default:
		return fmt.Errorf("jog queue full, dropping %s", direction)
	}
}

// ContinuousMove starts a cooperative worker issuing small relative (or
// absolute-E) moves at cadence tick until stopped, bounded for rotate
// actions by the configured maximum duration. Starting a second worker for
// a direction already active is rejected with ErrAlreadyActive.
func (o *Orchestrator) ContinuousMove(direction Direction, feed float64, tick time.Duration) error {
	if o.shuttingDown.Load() {
		return scanerr.ErrShuttingDown
	}
	if _, err := buildJogJob(direction, 0); err != nil {
		return err
	}
	if feed > o.cfg.MaxUIFeed {
		feed = o.cfg.MaxUIFeed
	}
	if tick < o.cfg.ContinuousTickMin {
		tick = o.cfg.ContinuousTickMin
	}

	o.continuousMu.Lock()
	if _, active := o.continuous[direction]; active {
		o.continuousMu.Unlock()
		return scanerr.ErrAlreadyActive
	}
	w := &continuousWorker{stop: make(chan struct{}), done: make(chan struct{})}
	o.continuous[direction] = w
	o.continuousMu.Unlock()

	go o.runContinuous(direction, feed, tick, w)
	return nil
}

func (o *Orchestrator) runContinuous(direction Direction, feed float64, tick time.Duration, w *continuousWorker) {
	defer close(w.done)
	defer func() {
		o.continuousMu.Lock()
		delete(o.continuous, direction)
		o.continuousMu.Unlock()
	}()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if direction == DirRotateCW || direction == DirRotateCCW {
		deadline = time.After(o.cfg.RotationMaxDuration)
	}

	stepPerTick := feed / 60 * tick.Seconds()

	for {
		select {
		case <-w.stop:
			return
		case <-deadline:
			return
		case <-ticker.C:
			job, err := buildJogJob(direction, stepPerTick)
			if err != nil {
				return
			}
			o.runJog(job)
		}
	}
}

// StopContinuous signals the worker for direction to stop and waits for it
// to exit (restoring absolute mode on its way out via DeltaMove/Rotate's own
// critical sections). A no-op if no worker is active for direction.
func (o *Orchestrator) StopContinuous(direction Direction) {
	o.continuousMu.Lock()
	w, ok := o.continuous[direction]
	o.continuousMu.Unlock()
	if !ok {
		return
	}
	close(w.stop)
	<-w.done
}

// StopAllContinuous stops every active continuous-move worker.
func (o *Orchestrator) StopAllContinuous() {
	o.continuousMu.Lock()
	workers := make([]*continuousWorker, 0, len(o.continuous))
	for _, w := range o.continuous {
		workers = append(workers, w)
	}
	o.continuousMu.Unlock()

	for _, w := range workers {
		close(w.stop)
		<-w.done
	}
}

// Home issues a bare homing sequence (all axes to their limit switches),
// rejecting the request while a shutdown is in progress like every other
// motion operation.
func (o *Orchestrator) Home() error {
	if o.shuttingDown.Load() {
		return scanerr.ErrShuttingDown
	}
	if !o.ctrl.HomeAll() {
		return fmt.Errorf("%w: homing sequence failed", scanerr.ErrNotConnected)
	}
	return nil
}

// GoToInitPose runs the full startup sequence: units/mode, home with
// fallbacks, safe lift, then center the gantry over the plate.
func (o *Orchestrator) GoToInitPose() error {
	if o.shuttingDown.Load() {
		return scanerr.ErrShuttingDown
	}
	ok, detail := o.ctrl.GoToInit()
	if !ok {
		return fmt.Errorf("%w: %s", scanerr.ErrNotConnected, detail)
	}
	return nil
}

// LowerPlate drops the bath plate to the specimen-loading height.
func (o *Orchestrator) LowerPlate() error {
	if o.shuttingDown.Load() {
		return scanerr.ErrShuttingDown
	}
	ok, detail := o.ctrl.LowerPlate()
	if !ok {
		return fmt.Errorf("%w: %s", scanerr.ErrNotConnected, detail)
	}
	return nil
}

// PositionForScan moves the gantry to the configured pre-scan pose.
func (o *Orchestrator) PositionForScan() error {
	if o.shuttingDown.Load() {
		return scanerr.ErrShuttingDown
	}
	ok, detail := o.ctrl.GoToScanPose()
	if !ok {
		return fmt.Errorf("%w: %s", scanerr.ErrNotConnected, detail)
	}
	return nil
}

// EmergencyStop fires M112. Deliberately not gated on shuttingDown: an
// operator reaching for the stop always gets through.
func (o *Orchestrator) EmergencyStop() error {
	return o.ctrl.EmergencyStop()
}

// ScanPlanRequest is the raw input to PlanScan: an explicit range overrides
// whatever the named mode would otherwise produce; mode "" infers "custom"
// when a range is given, else "long".
type ScanPlanRequest struct {
	X0, X1 *float64
	Mode   string
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PlanScan clamps the requested range to [0, Xmax], infers a mode when none
// is given, persists the result to scanplan.json, and returns it. Calling
// PlanScan again with the resolved plan's own fields is a no-op (idempotent)
// since clamping an already-clamped range returns it unchanged.
func (o *Orchestrator) PlanScan(req ScanPlanRequest) (flags.ScanPlan, error) {
	mode := req.Mode
	if mode == "" {
		if req.X0 != nil || req.X1 != nil {
			mode = "custom"
		} else {
			mode = "long"
		}
	}

	var plan flags.ScanPlan
	switch mode {
	case "long":
		plan = flags.ScanPlan{X0: o.cfg.LongStart, X1: o.cfg.LongEnd, Mode: "long"}
	case "short":
		plan = flags.ScanPlan{X0: o.cfg.ShortStart, X1: o.cfg.ShortEnd, Mode: "short"}
		if plan.X1 > o.cfg.XMax {
			plan.X1 = o.cfg.XMax
		}
	case "custom":
		plan = flags.ScanPlan{X0: 0, X1: o.cfg.XMax, Mode: "custom"}
	default:
		return flags.ScanPlan{}, fmt.Errorf("%w: unknown scan mode %q", scanerr.ErrInvalidArgument, mode)
	}

	if req.X0 != nil {
		plan.X0 = *req.X0
	}
	if req.X1 != nil {
		plan.X1 = *req.X1
	}
	plan.X0 = clampf(plan.X0, 0, o.cfg.XMax)
	plan.X1 = clampf(plan.X1, 0, o.cfg.XMax)
	if plan.X1 <= plan.X0 {
		return flags.ScanPlan{}, fmt.Errorf("%w: scan range x1 (%.3f) must exceed x0 (%.3f)", scanerr.ErrInvalidArgument, plan.X1, plan.X0)
	}

	if err := flags.WriteScanPlan(o.cfg.ScanPlanPath(), plan); err != nil {
		return flags.ScanPlan{}, fmt.Errorf("persist scan plan: %w", err)
	}
	return plan, nil
}

// SweepResult reports the measurement folder a sweep produced, even when
// the sweep did not complete normally, so operators can inspect partial
// data.
type SweepResult struct {
	Folder string
}

func recorderEnv(plan flags.ScanPlan, posLine string) []string {
	return []string{
		fmt.Sprintf("SCAN_X0=%.6f", plan.X0),
		fmt.Sprintf("SCAN_X1=%.6f", plan.X1),
		fmt.Sprintf("SCAN_MODE=%s", plan.Mode),
		fmt.Sprintf("REC_POSITION_STR=%s", posLine),
	}
}

// RunSingleSweep executes protocol steps around a single recorder
// invocation: raises the scanning flag, moves to the sweep start, captures
// a position snapshot, spawns the recorder with the plan in its
// environment, waits the configured warm-up, then drives the motion
// itself via ScanPath while the recorder captures frames off the wire's
// position feedback.
func (o *Orchestrator) RunSingleSweep(ctx context.Context, plan flags.ScanPlan) (SweepResult, error) {
	if o.shuttingDown.Load() {
		return SweepResult{}, scanerr.ErrShuttingDown
	}

	startedAt := time.Now()
	scanID := o.startAudit(plan, startedAt)

	scanningFlag := o.cfg.FlagPath("scanning")
	multisweepFlag := o.cfg.FlagPath("multisweep")
	if err := flags.WriteBool(scanningFlag, true); err != nil {
		err = fmt.Errorf("set scanning flag: %w", err)
		o.finishAudit(scanID, "", scanstore.OutcomeError, err.Error())
		return SweepResult{}, err
	}
	if err := flags.WriteBool(multisweepFlag, false); err != nil {
		err = fmt.Errorf("set multisweep flag: %w", err)
		o.finishAudit(scanID, "", scanstore.OutcomeError, err.Error())
		return SweepResult{}, err
	}

	if !o.ctrl.GoToScanStart(plan.X0) {
		err := fmt.Errorf("%w: failed to reach scan start x=%.3f", scanerr.ErrNotConnected, plan.X0)
		o.finishAudit(scanID, "", scanstore.OutcomeError, err.Error())
		return SweepResult{}, err
	}

	posLines, _ := o.ctrl.GetPosition()
	posLine := ""
	if len(posLines) > 0 {
		posLine = posLines[0]
	}

	proc, err := o.spawner.SpawnRecorder(ctx, recorderEnv(plan, posLine))
	if err != nil {
		err = fmt.Errorf("spawn recorder: %w", err)
		o.finishAudit(scanID, "", scanstore.OutcomeError, err.Error())
		return SweepResult{}, err
	}
	o.trackChild(proc)
	defer o.untrackChild(proc)

	select {
	case <-ctx.Done():
		o.finishAudit(scanID, "", scanstore.OutcomeAborted, ctx.Err().Error())
		return SweepResult{}, ctx.Err()
	case <-time.After(o.cfg.DelayBeforeRecord):
	}

	folder := ""
	if recdir := flags.ReadString(o.cfg.FlagPath("recdir")); recdir != "" {
		folder = filepath.Base(recdir)
	}

	if err := o.ctrl.ScanPath(plan.X0, plan.X1); err != nil {
		o.finishAudit(scanID, folder, scanstore.OutcomeError, err.Error())
		return SweepResult{Folder: folder}, err
	}
	o.finishAudit(scanID, folder, scanstore.OutcomeOK, "")
	return SweepResult{Folder: folder}, nil
}

// startAudit opens an audit_records row for plan, logging (not failing) the
// sweep if the ledger itself is unavailable. Returns "" when store is nil or
// the insert failed, which finishAudit treats as "nothing to close".
func (o *Orchestrator) startAudit(plan flags.ScanPlan, startedAt time.Time) string {
	if o.store == nil {
		return ""
	}
	id, err := o.store.Start(plan, startedAt)
	if err != nil {
		logger.Log.Warn("failed to open audit record", "error", err)
		return ""
	}
	return id
}

// finishAudit closes the audit_records row scanID opened, if any. Frame
// counts are tracked by the recorder child process, not this process, so
// they are not yet reported here (see DESIGN.md).
func (o *Orchestrator) finishAudit(scanID, folder string, outcome scanstore.Outcome, detail string) {
	if o.store == nil || scanID == "" {
		return
	}
	if err := o.store.Finish(scanID, time.Now(), 0, outcome, detail, folder); err != nil {
		logger.Log.Warn("failed to close audit record", "error", err, "scan_id", scanID)
	}
}

// MultiSweepResult reports the two sweeps' folders; the first (older) is
// the directory downstream merging treats as the merge root.
type MultiSweepResult struct {
	FirstFolder  string
	SecondFolder string
}

// RunMultiSweep performs the two-sweep orchestration: offset Y, sweep, wait
// for the recorder to finish, offset Y again (relative to the first
// offset), sweep again, then spawn the external merger. The first (older)
// sweep's folder is reported as the merge root the merger writes into.
func (o *Orchestrator) RunMultiSweep(ctx context.Context, plan flags.ScanPlan) (MultiSweepResult, error) {
	if o.shuttingDown.Load() {
		return MultiSweepResult{}, scanerr.ErrShuttingDown
	}

	multisweepFlag := o.cfg.FlagPath("multisweep")
	scanningFlag := o.cfg.FlagPath("scanning")
	if err := flags.WriteBool(multisweepFlag, true); err != nil {
		return MultiSweepResult{}, fmt.Errorf("set multisweep flag: %w", err)
	}
	defer flags.WriteBool(multisweepFlag, false)

	o.ctrl.DeltaMove(scanner.AxisY, o.cfg.MultisweepFirstOffsetY)
	first, err := o.RunSingleSweep(ctx, plan)
	if err != nil {
		return MultiSweepResult{FirstFolder: first.Folder}, err
	}
	if !o.waitForFlagClear(ctx, scanningFlag, o.cfg.MultisweepWaitTimeout) {
		return MultiSweepResult{FirstFolder: first.Folder}, fmt.Errorf("%w: sweep 1 did not finish within the wait timeout", scanerr.ErrTimeout)
	}

	o.ctrl.DeltaMove(scanner.AxisY, o.cfg.MultisweepSecondOffsetY)
	second, err := o.RunSingleSweep(ctx, plan)
	if err != nil {
		return MultiSweepResult{FirstFolder: first.Folder, SecondFolder: second.Folder}, err
	}
	if !o.waitForFlagClear(ctx, scanningFlag, o.cfg.MultisweepWaitTimeout) {
		return MultiSweepResult{FirstFolder: first.Folder, SecondFolder: second.Folder}, fmt.Errorf("%w: sweep 2 did not finish within the wait timeout", scanerr.ErrTimeout)
	}

	proc, err := o.spawner.SpawnMerger(ctx, nil)
	if err != nil {
		return MultiSweepResult{FirstFolder: first.Folder, SecondFolder: second.Folder}, fmt.Errorf("spawn merger: %w", err)
	}
	o.trackChild(proc)
	defer o.untrackChild(proc)

	return MultiSweepResult{FirstFolder: first.Folder, SecondFolder: second.Folder}, nil
}

func (o *Orchestrator) trackChild(p Process) {
	o.childMu.Lock()
	o.children = append(o.children, p)
	o.childMu.Unlock()
}

func (o *Orchestrator) untrackChild(p Process) {
	o.childMu.Lock()
	defer o.childMu.Unlock()
	for i, c := range o.children {
		if c == p {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
}

// Shutdown stops every worker, tears down the probe session, terminates
// (grace then kill) every still-running child process, and refuses further
// operations. It does not terminate the process itself; the caller's
// entrypoint does that once Shutdown returns.
func (o *Orchestrator) Shutdown() {
	o.shuttingDown.Store(true)
	if err := flags.WriteBool(o.cfg.FlagPath("scanning"), false); err != nil {
		logger.Log.Warn("failed to clear scanning flag during shutdown", "error", err)
	}
	o.StopAllContinuous()

	if o.probe != nil {
		if err := o.probe.Close(); err != nil {
			logger.Log.Warn("failed to close probe session during shutdown", "error", err)
		}
	}

	o.childMu.Lock()
	children := append([]Process(nil), o.children...)
	o.childMu.Unlock()
	for _, c := range children {
		if err := c.Terminate(shutdownGrace); err != nil {
			logger.Log.Warn("failed to terminate child process during shutdown", "error", err)
		}
	}
}
