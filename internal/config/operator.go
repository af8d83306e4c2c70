package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// OperatorPrefs holds operator-editable preferences that are not
// safety-relevant and may be changed between runs, unlike the immutable
// Config built at startup.
type OperatorPrefs struct {
	DefaultScanMode string `yaml:"default_scan_mode,omitempty"` // "long" | "short" | "custom"
	Theme           string `yaml:"theme,omitempty"`
}

// LoadOperatorPrefs reads operator.yaml from stateDir. A missing file yields
// zero-value preferences, not an error.
func LoadOperatorPrefs(stateDir string) (*OperatorPrefs, error) {
	p := &OperatorPrefs{}
	path := filepath.Join(stateDir, "operator.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Save writes the preferences back to stateDir/operator.yaml.
func (p *OperatorPrefs) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "operator.yaml"), data, 0o644)
}
