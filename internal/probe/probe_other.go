//go:build !windows

package probe

import "github.com/threesonic/scancore/internal/scanerr"

// stubDevice backs every non-Windows build: the vendor DLL is Windows-only,
// so off-Windows the session always reports the probe as unavailable rather
// than attempting to load a .dll that cannot exist on the host OS.
type stubDevice struct{}

func newDevice(dllPath string) device {
	return stubDevice{}
}

func (stubDevice) initSequence(width, height int) (float64, float64, bool, error) {
	return 0, 0, false, scanerr.ErrProbeUnavailable
}

func (stubDevice) grabFrame(width, height int) ([]byte, error) {
	return nil, scanerr.ErrProbeUnavailable
}

func (stubDevice) close() {}
