// Package probe binds the vendor ultrasound DLL and exposes a single,
// connection-resilient capture session: lazy init on first use, a
// background capture loop caching the latest frame, and bounded exponential
// backoff across init failures so a disconnected or misbehaving probe never
// busy-loops the DLL.
package probe

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/scalebar"
	"github.com/threesonic/scancore/internal/scanerr"
)

// Probe codes historically returned by find_connected_probe(). 101 predates
// a vendor firmware revision that started returning 0/1; all three still
// appear in the field.
const (
	probeCodeOK1 = 0
	probeCodeOK2 = 1
	probeCodeOK3 = 101
)

// device is the minimal surface a platform binding must provide. The real
// implementation (probe_windows.go) calls into the vendor DLL; the stub
// (probe_other.go) always reports ErrProbeUnavailable so the rest of the
// system behaves identically off-Windows.
type device interface {
	// initSequence runs on_init + the resolved init_ultrasound_* candidate +
	// find_connected_probe + data_view_function + mixer_control_function,
	// returning the device's X/Y resolution in mm/pixel if the DLL reports one.
	initSequence(width, height int) (rx, ry float64, haveResolution bool, err error)
	// grabFrame fills a w*h grayscale buffer (first channel of the device's
	// w*h*4 pixel buffer), flipped vertically to match the display origin.
	grabFrame(width, height int) ([]byte, error)
	close()
}

// Frame is one rendered capture: either a live B-mode frame with the scale
// bar composited in, or a black placeholder while the probe is unavailable.
type Frame struct {
	JPEG  []byte
	Ready bool
}

// Status summarizes session health for the HTTP status route.
type Status struct {
	Initialized bool
	Error       string
}

// Session owns the capture lifecycle: lazy connect, background capture at
// the configured target FPS, and reconnect with backoff when the device
// becomes unavailable mid-session.
type Session struct {
	cfg *config.Config
	dev device

	mu          sync.Mutex
	initialized bool
	lastErr     error
	resolutionX float64 // mm/pixel, 0 if unknown
	resolutionY float64
	haveRes     bool
	lastFrame   Frame

	placeholder []byte

	startOnce sync.Once
	backoff   *backoff
}

// New constructs a Session bound to cfg, using the platform device binding
// selected at compile time.
func New(cfg *config.Config) *Session {
	return &Session{
		cfg:         cfg,
		dev:         newDevice(cfg.DLLPath),
		placeholder: mustPlaceholder(cfg.FrameWidth, cfg.FrameHeight),
		backoff:     newBackoff(500*time.Millisecond, 5*time.Second),
		lastFrame:   Frame{},
	}
}

func mustPlaceholder(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	face := basicfont.Face7x13
	msg := "No probe / reconnecting..."
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{200, 200, 200, 255}),
		Face: face,
	}
	tw := d.MeasureString(msg).Ceil()
	d.Dot = fixed.P((w-tw)/2, h/2)
	d.DrawString(msg)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		// A fixed-size in-memory RGBA image always encodes; this would only
		// fail on OOM, which the rest of the process can't survive anyway.
		panic(err)
	}
	return buf.Bytes()
}

// Start launches the background capture loop. Idempotent; safe to call from
// any goroutine.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.loop(ctx)
	})
}

func (s *Session) loop(ctx context.Context) {
	attempt := 0
	targetDelay := time.Second / time.Duration(maxInt(1, int(s.cfg.TargetFPS)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.Status().Initialized {
			if err := s.tryInit(); err != nil {
				logger.Log.Warn("ultrasound init failed", "error", err, "attempt", attempt)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.backoff.delay(attempt)):
				}
				attempt++
				continue
			}
			attempt = 0
		}

		start := time.Now()
		s.captureOnce()
		elapsed := time.Since(start)
		if sleep := targetDelay - elapsed; sleep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}
	}
}

func (s *Session) tryInit() error {
	rx, ry, haveRes, err := s.dev.initSequence(s.cfg.FrameWidth, s.cfg.FrameHeight)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.initialized = false
		s.lastErr = err
		return err
	}
	s.initialized = true
	s.lastErr = nil
	s.resolutionX = rx
	s.resolutionY = ry
	s.haveRes = haveRes
	return nil
}

// EnsureReady idempotently attempts initialization, retrying with the same
// bounded backoff as the background loop until it succeeds or ctx is done.
// Callers that only need a handful of synchronous GrabRaw captures (the
// recorder) use this instead of Start, which also launches the continuous
// preview capture loop.
func (s *Session) EnsureReady(ctx context.Context) bool {
	attempt := 0
	for {
		if s.Status().Initialized {
			return true
		}
		if err := s.tryInit(); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.backoff.delay(attempt)):
		}
		attempt++
	}
}

// Resolution returns the device's reported X/Y resolution in mm/pixel, if
// any build of the DLL has reported one since the last successful init.
func (s *Session) Resolution() (rx, ry float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolutionX, s.resolutionY, s.haveRes
}

// GrabRaw performs one synchronous grayscale acquisition, bypassing the
// cached display frame. The recorder uses this directly: it needs exactly
// one frame per distance step, not the continuously-refreshed preview.
func (s *Session) GrabRaw() ([]byte, error) {
	if !s.Status().Initialized {
		return nil, scanerr.ErrNotReady
	}
	return s.dev.grabFrame(s.cfg.FrameWidth, s.cfg.FrameHeight)
}

func (s *Session) captureOnce() {
	gray, err := s.dev.grabFrame(s.cfg.FrameWidth, s.cfg.FrameHeight)
	if err != nil {
		logger.Log.Warn("frame capture failed", "error", err)
		s.mu.Lock()
		s.initialized = false
		s.lastErr = err
		s.lastFrame = Frame{JPEG: s.placeholder, Ready: false}
		s.mu.Unlock()
		return
	}

	depthMM := s.effectiveDepthMM()
	encoded, err := scalebar.Render(gray, s.cfg.FrameWidth, s.cfg.FrameHeight, depthMM)
	if err != nil {
		logger.Log.Warn("scale bar render failed", "error", err)
		encoded = s.placeholder
	}

	s.mu.Lock()
	s.lastFrame = Frame{JPEG: encoded, Ready: true}
	s.mu.Unlock()
}

// effectiveDepthMM derives the ruler depth from the device-reported
// resolution if available, else a fixed 120mm default.
func (s *Session) effectiveDepthMM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveRes && s.resolutionY > 0 {
		return float64(s.cfg.FrameHeight) * s.resolutionY
	}
	return 120.0
}

// Status reports whether the session currently has a live DLL connection.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Initialized: s.initialized}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

// Frame returns the most recently captured frame, or the black placeholder
// if nothing has been captured yet.
func (s *Session) Frame() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame.JPEG == nil {
		return Frame{JPEG: s.placeholder, Ready: false}
	}
	return s.lastFrame
}

// Close releases the underlying device handle.
func (s *Session) Close() error {
	s.dev.close()
	return nil
}

func probeCodeOK(code int) bool {
	return code == probeCodeOK1 || code == probeCodeOK2 || code == probeCodeOK3
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// errProbeNotDetected wraps the ErrProbeUnavailable sentinel with the
// vendor-returned code for diagnostics.
func errProbeNotDetected(code int) error {
	return &probeError{code: code}
}

type probeError struct {
	code int
}

func (e *probeError) Error() string {
	return "probe not detected (code " + strconv.Itoa(e.code) + ")"
}

func (e *probeError) Unwrap() error {
	return scanerr.ErrProbeUnavailable
}
