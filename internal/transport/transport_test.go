package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/mjpeg"
	"github.com/threesonic/scancore/internal/orchestrator"
	"github.com/threesonic/scancore/internal/scanner"
	"github.com/threesonic/scancore/internal/scanstore"
)

type fakeController struct {
	posLines []string
}

func (f *fakeController) DeltaMove(axis scanner.Axis, delta float64) {}
func (f *fakeController) Rotate(step float64, clockwise bool) (bool, string) {
	return true, "ok"
}
func (f *fakeController) GoToScanStart(x float64) bool  { return true }
func (f *fakeController) ScanPath(x0, x1 float64) error { return nil }
func (f *fakeController) GetPosition() ([]string, error) {
	return f.posLines, nil
}

func (f *fakeController) HomeAll() bool { return true }

func (f *fakeController) GoToInit() (bool, string) { return true, "centered" }

func (f *fakeController) LowerPlate() (bool, string) { return true, "plate lowered" }

func (f *fakeController) GoToScanPose() (bool, string) { return true, "positioned for scan" }

func (f *fakeController) EmergencyStop() error { return nil }

type fakeProbe struct{}

func (fakeProbe) Close() error { return nil }

type fakeProcess struct{}

func (fakeProcess) Wait() error                         { return nil }
func (fakeProcess) Terminate(grace time.Duration) error { return nil }

type fakeSpawner struct{}

func (fakeSpawner) SpawnRecorder(ctx context.Context, env []string) (orchestrator.Process, error) {
	return fakeProcess{}, nil
}
func (fakeSpawner) SpawnMerger(ctx context.Context, env []string) (orchestrator.Process, error) {
	return fakeProcess{}, nil
}

func newTestServer(t *testing.T) (*Client, func()) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCAN_DATA_DIR", dir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.DelayBeforeRecord = time.Millisecond

	ctrl := &fakeController{posLines: []string{"X:5.000 Y:0.000 Z:0.000"}}

	store, err := scanstore.Open(":memory:")
	if err != nil {
		t.Fatalf("scanstore.Open: %v", err)
	}

	orch := orchestrator.New(cfg, ctrl, fakeProbe{}, fakeSpawner{}, store)
	orch.Start()

	socketPath := filepath.Join(dir, "test.sock")
	srv := NewServer(orch, ctrl, store, mjpeg.NewHub(), socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.ListenAndServe(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond) // let the listener bind before the first request

	cleanup := func() {
		cancel()
		<-done
		store.Close()
	}
	return NewClient(socketPath), cleanup
}

func TestJogAndStatus(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	if err := client.Jog("Xplus", 2); err != nil {
		t.Fatalf("Jog: %v", err)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Position) == 0 {
		t.Fatal("expected a non-empty position")
	}
}

func TestJogRejectsUnknownDirection(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	if err := client.Jog("sideways", 1); err == nil {
		t.Fatal("expected an error for an unknown direction")
	}
}

func TestContinuousStartStopAndDuplicateConflict(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	if err := client.ContinuousStart("Yplus", 600, 5); err != nil {
		t.Fatalf("ContinuousStart: %v", err)
	}
	if err := client.ContinuousStart("Yplus", 600, 5); err == nil {
		t.Fatal("expected a conflict on duplicate direction")
	}
	if err := client.ContinuousStop("Yplus"); err != nil {
		t.Fatalf("ContinuousStop: %v", err)
	}
}

func TestScanPlanAndRun(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	plan, err := client.ScanPlan(nil, nil, "long")
	if err != nil {
		t.Fatalf("ScanPlan: %v", err)
	}
	if plan.Mode != "long" {
		t.Fatalf("mode = %q, want long", plan.Mode)
	}

	if _, err := client.ScanRun(nil, nil, "custom"); err != nil {
		t.Fatalf("ScanRun: %v", err)
	}

	entries, err := client.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d history entries after one sweep, want 1", len(entries))
	}
	if entries[0].Outcome != "ok" {
		t.Fatalf("outcome = %q, want ok", entries[0].Outcome)
	}
}

func TestScanPlanRejectsInvertedRange(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	x0, x1 := 80.0, 10.0
	if _, err := client.ScanPlan(&x0, &x1, ""); err == nil {
		t.Fatal("expected an error for an inverted range")
	}
}

func TestHistoryRouteReturnsEmptyLedgerWhenNothingRecorded(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	entries, err := client.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d history entries, want 0 (no /scan/run was issued in this test)", len(entries))
	}
}

func TestHomeAndInit(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	if err := client.Home(); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if err := client.InitPose(); err != nil {
		t.Fatalf("InitPose: %v", err)
	}
}

func TestPoseAndEmergencyStopRoutes(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	if err := client.LowerPlate(); err != nil {
		t.Fatalf("LowerPlate: %v", err)
	}
	if err := client.PositionForScan(); err != nil {
		t.Fatalf("PositionForScan: %v", err)
	}
	if err := client.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
}

func TestShutdownStopsServer(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPositionRoute(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	x, err := client.Position(context.Background())
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if x != 5.0 {
		t.Fatalf("x = %v, want 5.0", x)
	}
}
