package serialmgr

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// candidatePorts enumerates plausible device paths to try when no explicit
// port is configured. tarm/serial has no enumerator, so discovery falls
// back to OS path globbing; on Linux the /dev/serial/by-id names carry the
// adapter's USB description, which is matched against the configured
// description substrings first.
func candidatePorts(descriptions []string) []string {
	var patterns []string
	switch runtime.GOOS {
	case "windows":
		// COM1..COM32; Windows has no /dev glob to match against.
		ports := make([]string, 0, 32)
		for i := 1; i <= 32; i++ {
			ports = append(ports, "COM"+strconv.Itoa(i))
		}
		return ports
	case "darwin":
		patterns = []string{"/dev/tty.usbserial*", "/dev/tty.usbmodem*", "/dev/tty.SLAB_USBtoUART*"}
	default:
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	}

	var out []string
	if runtime.GOOS == "linux" {
		if byID, err := filepath.Glob("/dev/serial/by-id/*"); err == nil {
			for _, p := range byID {
				if matchesDescription(filepath.Base(p), descriptions) {
					out = append(out, p)
				}
			}
		}
	}
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	return out
}

// matchesDescription reports whether a by-id device name contains any of the
// configured description substrings, ignoring case and -/_ punctuation
// differences ("usb-1a86_USB_Serial-..." matches "USB-SERIAL"). An empty
// description list accepts everything.
func matchesDescription(name string, descriptions []string) bool {
	if len(descriptions) == 0 {
		return true
	}
	norm := normalizeDesc(name)
	for _, d := range descriptions {
		if strings.Contains(norm, normalizeDesc(d)) {
			return true
		}
	}
	return false
}

func normalizeDesc(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}
