//go:build windows

package probe

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// initCandidateNames lists the init_ultrasound_* symbols seen across vendor
// DLL builds, most specific first.
var initCandidateNames = []string{
	"init_ultrasound_ultrasound_usgfw2",
	"init_ultrasound_usgfw2",
	"init_ultrasound_usgfw2MATLAB_wrapper",
	"init_ultrasound_wrapper",
}

// dllDevice binds the vendor usgfw2 wrapper DLL via the Windows loader.
type dllDevice struct {
	path string
	dll  *windows.LazyDLL

	onInit            *windows.LazyProc
	initFn            *windows.LazyProc
	findProbe         *windows.LazyProc
	dataView          *windows.LazyProc
	mixerControl      *windows.LazyProc
	getResolution     *windows.LazyProc
	returnPixelValues *windows.LazyProc
	freeze            *windows.LazyProc
	stop              *windows.LazyProc
	closeRelease      *windows.LazyProc
}

func newDevice(dllPath string) device {
	return &dllDevice{path: dllPath}
}

func (d *dllDevice) ensureLoaded() error {
	if d.dll != nil {
		return nil
	}
	dll := windows.NewLazyDLL(d.path)
	if err := dll.Load(); err != nil {
		return fmt.Errorf("load DLL %q: %w", d.path, err)
	}
	d.dll = dll
	d.onInit = dll.NewProc("on_init")
	d.findProbe = dll.NewProc("find_connected_probe")
	d.dataView = dll.NewProc("data_view_function")
	d.mixerControl = dll.NewProc("mixer_control_function")
	d.getResolution = dll.NewProc("get_resolution")
	d.returnPixelValues = dll.NewProc("return_pixel_values")
	d.freeze = dll.NewProc("Freeze_ultrasound_scanning")
	d.stop = dll.NewProc("Stop_ultrasound_scanning")
	d.closeRelease = dll.NewProc("Close_and_release")

	for _, name := range initCandidateNames {
		proc := dll.NewProc(name)
		if proc.Find() == nil {
			d.initFn = proc
			break
		}
	}
	if d.initFn == nil {
		return fmt.Errorf("%w: no init_ultrasound_* symbol found in %q", errNoInitFunc, d.path)
	}
	return nil
}

func (d *dllDevice) initSequence(width, height int) (float64, float64, bool, error) {
	if err := d.ensureLoaded(); err != nil {
		return 0, 0, false, err
	}

	if _, _, callErr := d.onInit.Call(); !isBenign(callErr) {
		return 0, 0, false, fmt.Errorf("on_init() call failed: %w", callErr)
	}

	rc, _, callErr := d.initFn.Call()
	if !isBenign(callErr) {
		return 0, 0, false, fmt.Errorf("init function call failed: %w", callErr)
	}
	if int32(rc) == 2 {
		return 0, 0, false, fmt.Errorf("main usgfw2 object not created (err=2)")
	}

	probeRC, _, callErr := d.findProbe.Call()
	if !isBenign(callErr) {
		return 0, 0, false, fmt.Errorf("find_connected_probe() call failed: %w", callErr)
	}
	if !probeCodeOK(int(int32(probeRC))) {
		return 0, 0, false, errProbeNotDetected(int(int32(probeRC)))
	}

	viewRC, _, callErr := d.dataView.Call()
	if !isBenign(callErr) {
		return 0, 0, false, fmt.Errorf("data_view_function() call failed: %w", callErr)
	}
	if int32(viewRC) < 0 {
		return 0, 0, false, fmt.Errorf("data_view_function() returned error code %d", int32(viewRC))
	}

	mixRC, _, callErr := d.mixerControl.Call(0, 0, uintptr(width), uintptr(height), 0, 0, 0)
	if !isBenign(callErr) {
		return 0, 0, false, fmt.Errorf("mixer_control_function() call failed: %w", callErr)
	}
	if int32(mixRC) < 0 {
		return 0, 0, false, fmt.Errorf("mixer_control_function() returned error code %d", int32(mixRC))
	}

	if d.getResolution.Find() != nil {
		return 0, 0, false, nil
	}
	var rx, ry float32
	if _, _, callErr := d.getResolution.Call(
		uintptr(unsafe.Pointer(&rx)),
		uintptr(unsafe.Pointer(&ry)),
	); !isBenign(callErr) {
		return 0, 0, false, nil
	}
	if rx <= 0 || ry <= 0 {
		return 0, 0, false, nil
	}
	return float64(rx), float64(ry), true, nil
}

func (d *dllDevice) grabFrame(width, height int) ([]byte, error) {
	if d.dll == nil {
		return nil, errDeviceNotLoaded
	}
	n := width * height * 4
	buf := make([]uint32, n)
	rc, _, callErr := d.returnPixelValues.Call(uintptr(unsafe.Pointer(&buf[0])))
	if !isBenign(callErr) {
		return nil, fmt.Errorf("return_pixel_values() call failed: %w", callErr)
	}
	if int32(rc) < 0 {
		return nil, fmt.Errorf("return_pixel_values() returned error code %d", int32(rc))
	}

	// Buffer is (height, width, 4): first channel is the grayscale value.
	// Flip vertically to match the display's bottom-origin convention.
	gray := make([]byte, width*height)
	for row := 0; row < height; row++ {
		srcRow := height - 1 - row
		for col := 0; col < width; col++ {
			gray[row*width+col] = byte(buf[(srcRow*width+col)*4])
		}
	}
	return gray, nil
}

func (d *dllDevice) close() {
	if d.dll == nil {
		return
	}
	// Freeze the stream, stop acquisition, release the device — the vendor's
	// documented teardown order. Missing exports are skipped: older DLL
	// builds lack Freeze/Stop.
	for _, proc := range []*windows.LazyProc{d.freeze, d.stop, d.closeRelease} {
		if proc != nil && proc.Find() == nil {
			proc.Call()
		}
	}
	// windows.LazyDLL has no explicit unload; the handle itself is released
	// when the process exits.
	d.dll = nil
}

// isBenign treats syscall's zero-errno sentinel as success; Windows stdcall
// DLL exports routinely report ERROR_SUCCESS through the last-error channel
// even when they returned a meaningful value via eax.
func isBenign(err error) bool {
	return err == nil || err.Error() == "The operation completed successfully."
}

var errNoInitFunc = fmt.Errorf("no suitable init_ultrasound_* function found")
var errDeviceNotLoaded = fmt.Errorf("device not loaded")
