package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/flags"
	"github.com/threesonic/scancore/internal/scanerr"
	"github.com/threesonic/scancore/internal/scanner"
)

type deltaCall struct {
	axis  scanner.Axis
	delta float64
}

type fakeController struct {
	mu         sync.Mutex
	deltas     []deltaCall
	rotates    []float64
	scanStartX float64
	scanPathed [2]float64
	posLines   []string
	estops     int

	goToScanStartOK bool
	scanPathErr     error
}

func (f *fakeController) DeltaMove(axis scanner.Axis, delta float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, deltaCall{axis, delta})
}

func (f *fakeController) Rotate(step float64, clockwise bool) (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	signed := step
	if !clockwise {
		signed = -step
	}
	f.rotates = append(f.rotates, signed)
	return true, "ok"
}

func (f *fakeController) GoToScanStart(x float64) bool {
	f.scanStartX = x
	return f.goToScanStartOK
}

func (f *fakeController) ScanPath(x0, x1 float64) error {
	f.scanPathed = [2]float64{x0, x1}
	return f.scanPathErr
}

func (f *fakeController) GetPosition() ([]string, error) {
	return f.posLines, nil
}

func (f *fakeController) HomeAll() bool { return true }

func (f *fakeController) GoToInit() (bool, string) { return true, "centered" }

func (f *fakeController) LowerPlate() (bool, string) { return true, "plate lowered" }

func (f *fakeController) GoToScanPose() (bool, string) { return true, "positioned for scan" }

func (f *fakeController) EmergencyStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estops++
	return nil
}

func (f *fakeController) deltaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deltas)
}

func (f *fakeController) rotateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rotates)
}

type fakeProbe struct {
	closed bool
}

func (f *fakeProbe) Close() error {
	f.closed = true
	return nil
}

type fakeProcess struct {
	mu          sync.Mutex
	terminated  bool
	terminateAt time.Time
}

func (p *fakeProcess) Wait() error { return nil }

func (p *fakeProcess) Terminate(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	p.terminateAt = time.Now()
	return nil
}

type fakeSpawner struct {
	mu           sync.Mutex
	recorderEnvs [][]string
	mergerCalled int
	recorders    []*fakeProcess
}

func (s *fakeSpawner) SpawnRecorder(ctx context.Context, env []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorderEnvs = append(s.recorderEnvs, env)
	p := &fakeProcess{}
	s.recorders = append(s.recorders, p)
	return p, nil
}

func (s *fakeSpawner) SpawnMerger(ctx context.Context, env []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergerCalled++
	return &fakeProcess{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCAN_DATA_DIR", dir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.ContinuousTickMin = time.Millisecond
	cfg.RotationMaxDuration = 20 * time.Millisecond
	cfg.DelayBeforeRecord = time.Millisecond
	cfg.MultisweepWaitTimeout = 200 * time.Millisecond
	return cfg
}

func TestJogOnceDeltaMove(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{}
	o := New(cfg, ctrl, &fakeProbe{}, &fakeSpawner{}, nil)
	o.Start()

	if err := o.JogOnce(DirXPlus, 2.5); err != nil {
		t.Fatalf("JogOnce: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for ctrl.deltaCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ctrl.deltaCount() != 1 {
		t.Fatalf("expected exactly one delta move, got %d", ctrl.deltaCount())
	}
}

func TestJogOnceRejectsUnknownDirection(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)
	o.Start()

	if err := o.JogOnce(Direction("sideways"), 1); err == nil {
		t.Fatalf("expected an error for an unknown direction")
	}
}

func TestHomeAndGoToInitPose(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)
	o.Start()

	if err := o.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if err := o.GoToInitPose(); err != nil {
		t.Fatalf("GoToInitPose: %v", err)
	}
}

func TestHomeFailsAfterShutdown(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)
	o.Start()
	o.Shutdown()

	if err := o.Home(); err == nil {
		t.Fatalf("expected an error after shutdown")
	}
	if err := o.GoToInitPose(); err == nil {
		t.Fatalf("expected an error after shutdown")
	}
}

func TestEmergencyStopBypassesShutdownGate(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{}
	o := New(cfg, ctrl, &fakeProbe{}, &fakeSpawner{}, nil)
	o.Start()
	o.Shutdown()

	if err := o.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	ctrl.mu.Lock()
	estops := ctrl.estops
	ctrl.mu.Unlock()
	if estops != 1 {
		t.Fatalf("expected the stop to reach the controller even mid-shutdown, got %d calls", estops)
	}
}

func TestLowerPlateAndPositionForScan(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)

	if err := o.LowerPlate(); err != nil {
		t.Fatalf("LowerPlate: %v", err)
	}
	if err := o.PositionForScan(); err != nil {
		t.Fatalf("PositionForScan: %v", err)
	}
}

func TestJogOnceDebouncesDuplicateRotate(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{}
	o := New(cfg, ctrl, &fakeProbe{}, &fakeSpawner{}, nil)
	o.Start()

	if err := o.JogOnce(DirRotateCW, 1); err != nil {
		t.Fatalf("JogOnce: %v", err)
	}
	if err := o.JogOnce(DirRotateCW, 1); err != nil {
		t.Fatalf("JogOnce (duplicate): %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for ctrl.rotateCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond) // let any erroneous second job land
	if got := ctrl.rotateCount(); got != 1 {
		t.Fatalf("expected the duplicate rotate to collapse, got %d rotate calls", got)
	}
}

func TestContinuousMoveRejectsDuplicateDirection(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)

	if err := o.ContinuousMove(DirXPlus, 600, 5*time.Millisecond); err != nil {
		t.Fatalf("first ContinuousMove: %v", err)
	}
	err := o.ContinuousMove(DirXPlus, 600, 5*time.Millisecond)
	if err != scanerr.ErrAlreadyActive {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	o.StopContinuous(DirXPlus)
}

func TestContinuousMoveStopsOnSignal(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{}
	o := New(cfg, ctrl, &fakeProbe{}, &fakeSpawner{}, nil)

	if err := o.ContinuousMove(DirYPlus, 600, 2*time.Millisecond); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	o.StopContinuous(DirYPlus)
	countAtStop := ctrl.deltaCount()
	time.Sleep(20 * time.Millisecond)
	if ctrl.deltaCount() != countAtStop {
		t.Fatalf("expected no further moves after StopContinuous, went from %d to %d", countAtStop, ctrl.deltaCount())
	}
	if countAtStop == 0 {
		t.Fatalf("expected at least one delta move before stop")
	}
}

func TestContinuousRotateStopsAtMaxDuration(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{}
	o := New(cfg, ctrl, &fakeProbe{}, &fakeSpawner{}, nil)

	if err := o.ContinuousMove(DirRotateCW, 36, time.Millisecond); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	time.Sleep(cfg.RotationMaxDuration + 50*time.Millisecond)
	countAfterDeadline := ctrl.rotateCount()
	time.Sleep(30 * time.Millisecond)
	if ctrl.rotateCount() != countAfterDeadline {
		t.Fatalf("expected the rotate worker to self-stop at the max duration")
	}

	// A fresh request for the same direction should succeed now that the
	// worker has removed itself from the registry.
	if err := o.ContinuousMove(DirRotateCW, 36, time.Millisecond); err != nil {
		t.Fatalf("expected the direction to be free again: %v", err)
	}
	o.StopContinuous(DirRotateCW)
}

func TestPlanScanPresetsAndIdempotence(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)

	long, err := o.PlanScan(ScanPlanRequest{Mode: "long"})
	if err != nil {
		t.Fatalf("PlanScan(long): %v", err)
	}
	if long.X0 != 0 || long.X1 != cfg.XMax || long.Mode != "long" {
		t.Fatalf("unexpected long preset: %+v", long)
	}

	short, err := o.PlanScan(ScanPlanRequest{Mode: "short"})
	if err != nil {
		t.Fatalf("PlanScan(short): %v", err)
	}
	wantShortEnd := cfg.ShortEnd
	if wantShortEnd > cfg.XMax {
		wantShortEnd = cfg.XMax
	}
	if short.X0 != cfg.ShortStart || short.X1 != wantShortEnd || short.Mode != "short" {
		t.Fatalf("unexpected short preset: %+v", short)
	}

	again, err := o.PlanScan(ScanPlanRequest{X0: &long.X0, X1: &long.X1, Mode: long.Mode})
	if err != nil {
		t.Fatalf("PlanScan (idempotence check): %v", err)
	}
	if again != long {
		t.Fatalf("expected re-planning an already-resolved plan to be a no-op, got %+v vs %+v", again, long)
	}
}

func TestPlanScanRejectsInvertedRange(t *testing.T) {
	cfg := testConfig(t)
	o := New(cfg, &fakeController{}, &fakeProbe{}, &fakeSpawner{}, nil)

	x0, x1 := 80.0, 20.0
	_, err := o.PlanScan(ScanPlanRequest{X0: &x0, X1: &x1})
	if err == nil {
		t.Fatalf("expected an error for x1 < x0")
	}
}

func TestRunSingleSweepSpawnsRecorderAndScansPath(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{goToScanStartOK: true, posLines: []string{"X:10.000 Y:0.000 Z:0.000"}}
	spawner := &fakeSpawner{}
	o := New(cfg, ctrl, &fakeProbe{}, spawner, nil)

	plan := flags.ScanPlan{X0: 10, X1: 50, Mode: "custom"}
	result, err := o.RunSingleSweep(context.Background(), plan)
	if err != nil {
		t.Fatalf("RunSingleSweep: %v", err)
	}
	if ctrl.scanStartX != plan.X0 {
		t.Fatalf("expected GoToScanStart(%v), got %v", plan.X0, ctrl.scanStartX)
	}
	if ctrl.scanPathed != [2]float64{plan.X0, plan.X1} {
		t.Fatalf("expected ScanPath(%v, %v), got %v", plan.X0, plan.X1, ctrl.scanPathed)
	}
	if len(spawner.recorderEnvs) != 1 {
		t.Fatalf("expected exactly one recorder spawn, got %d", len(spawner.recorderEnvs))
	}
	env := spawner.recorderEnvs[0]
	joined := ""
	for _, e := range env {
		joined += e + ";"
	}
	for _, want := range []string{"SCAN_X0=10.000000", "SCAN_X1=50.000000", "SCAN_MODE=custom", "REC_POSITION_STR=X:10.000"} {
		if !containsSubstr(joined, want) {
			t.Fatalf("expected recorder env to contain %q, got %q", want, joined)
		}
	}
	_ = result
}

func TestRunSingleSweepFailsWhenScanStartUnreachable(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{goToScanStartOK: false}
	o := New(cfg, ctrl, &fakeProbe{}, &fakeSpawner{}, nil)

	_, err := o.RunSingleSweep(context.Background(), flags.ScanPlan{X0: 0, X1: 10})
	if err == nil {
		t.Fatalf("expected an error when GoToScanStart fails")
	}
}

func TestRunMultiSweepOffsetsAndSpawnsMerger(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{goToScanStartOK: true}
	spawner := &fakeSpawner{}
	o := New(cfg, ctrl, &fakeProbe{}, spawner, nil)

	// Play the recorder's part: it is what clears the scanning flag when a
	// sweep finishes, and the fake spawner never starts a real one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				flags.WriteBool(cfg.FlagPath("scanning"), false)
			}
		}
	}()

	plan := flags.ScanPlan{X0: 0, X1: 118, Mode: "long"}
	result, err := o.RunMultiSweep(context.Background(), plan)
	if err != nil {
		t.Fatalf("RunMultiSweep: %v", err)
	}
	if ctrl.deltaCount() != 2 {
		t.Fatalf("expected exactly two Y offsets, got %d", ctrl.deltaCount())
	}
	ctrl.mu.Lock()
	firstOffset := ctrl.deltas[0]
	secondOffset := ctrl.deltas[1]
	ctrl.mu.Unlock()
	if firstOffset.axis != scanner.AxisY || firstOffset.delta != cfg.MultisweepFirstOffsetY {
		t.Fatalf("unexpected first offset: %+v", firstOffset)
	}
	if secondOffset.axis != scanner.AxisY || secondOffset.delta != cfg.MultisweepSecondOffsetY {
		t.Fatalf("unexpected second offset: %+v", secondOffset)
	}
	if spawner.mergerCalled != 1 {
		t.Fatalf("expected exactly one merger spawn, got %d", spawner.mergerCalled)
	}
	if result.FirstFolder == "" && result.SecondFolder == "" {
		// both empty is fine here since no recdir flag was ever written by a
		// real recorder process in this fake-spawner test
	}
}

func TestShutdownClosesProbeAndRefusesFurtherJogs(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &fakeController{goToScanStartOK: true}
	probe := &fakeProbe{}
	spawner := &fakeSpawner{}
	o := New(cfg, ctrl, probe, spawner, nil)
	o.Start()

	if _, err := o.RunSingleSweep(context.Background(), flags.ScanPlan{X0: 0, X1: 10}); err != nil {
		t.Fatalf("RunSingleSweep: %v", err)
	}

	o.Shutdown()

	if !probe.closed {
		t.Fatalf("expected Shutdown to close the probe session")
	}
	if err := o.JogOnce(DirXPlus, 1); err != scanerr.ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown after Shutdown, got %v", err)
	}
	if flags.ReadBool(cfg.FlagPath("scanning")) {
		t.Fatalf("expected scanning flag to be cleared by Shutdown")
	}
}

func containsSubstr(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
