package flags

import (
	"path/filepath"
	"testing"
)

func TestBoolRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "scanning")
	if ReadBool(p) != false {
		t.Fatalf("missing file should read false")
	}
	if err := WriteBool(p, true); err != nil {
		t.Fatalf("WriteBool: %v", err)
	}
	if !ReadBool(p) {
		t.Fatalf("expected true after write")
	}
	if err := WriteBool(p, false); err != nil {
		t.Fatalf("WriteBool: %v", err)
	}
	if ReadBool(p) {
		t.Fatalf("expected false after second write")
	}
}

func TestFloatRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "e_axis_position.txt")
	if _, ok := ReadFloat(p); ok {
		t.Fatalf("missing file should not parse")
	}
	if err := WriteFloat(p, 12.5); err != nil {
		t.Fatalf("WriteFloat: %v", err)
	}
	f, ok := ReadFloat(p)
	if !ok || f != 12.5 {
		t.Fatalf("expected 12.5, got %v ok=%v", f, ok)
	}
}

func TestScanPlanRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "scanplan.json")
	if _, ok := ReadScanPlan(p); ok {
		t.Fatalf("missing file should not parse")
	}
	want := ScanPlan{X0: 0, X1: 118, Mode: "long"}
	if err := WriteScanPlan(p, want); err != nil {
		t.Fatalf("WriteScanPlan: %v", err)
	}
	got, ok := ReadScanPlan(p)
	if !ok || got != want {
		t.Fatalf("expected %+v, got %+v ok=%v", want, got, ok)
	}
}

func TestReadScanPlanMalformed(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "scanplan.json")
	if err := WriteString(p, "not json"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if _, ok := ReadScanPlan(p); ok {
		t.Fatalf("malformed file should not parse")
	}
}
