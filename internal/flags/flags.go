// Package flags wraps the small cross-process signal files behind typed
// read/write helpers so file I/O doesn't get sprinkled across components.
// Readers treat parse failures as "not present"; writers use last-writer-wins
// semantics since at most one process owns each file at a time.
package flags

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// ScanPlan is the persisted, cross-process description of a planned sweep.
type ScanPlan struct {
	X0   float64 `json:"x0"`
	X1   float64 `json:"x1"`
	Mode string  `json:"mode"`
}

// ReadBool reads a "1"/"0" flag file, defaulting to false if absent or
// unparseable.
func ReadBool(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// WriteBool writes "1" or "0" to path.
func WriteBool(path string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return os.WriteFile(path, []byte(val), 0o644)
}

// ReadString reads a flag file as a trimmed string, "" if absent.
func ReadString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// WriteString writes s verbatim (trimmed of surrounding whitespace) to path.
func WriteString(path, s string) error {
	return os.WriteFile(path, []byte(strings.TrimSpace(s)), 0o644)
}

// ReadFloat reads a single float from path, returning ok=false if the file
// is absent or does not parse.
func ReadFloat(path string) (float64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// WriteFloat persists a single float value to path. The E-axis file is the
// one caller of this with a true concurrency guarantee (single writer per
// process), so a direct write is acceptable here.
func WriteFloat(path string, f float64) error {
	return os.WriteFile(path, []byte(strconv.FormatFloat(f, 'f', -1, 64)), 0o644)
}

// ReadScanPlan parses the scanplan.json flag file. ok is false if the file
// is absent or malformed.
func ReadScanPlan(path string) (ScanPlan, bool) {
	var p ScanPlan
	data, err := os.ReadFile(path)
	if err != nil {
		return p, false
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false
	}
	return p, true
}

// WriteScanPlan persists a plan as JSON, replacing any existing file.
func WriteScanPlan(path string, p ScanPlan) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
