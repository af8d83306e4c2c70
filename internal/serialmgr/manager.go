// Package serialmgr owns the motion controller's serial handle exclusively
// and offers the rest of the system a safe, ordered API: queued
// request/response, fire-and-forget writes, a motion-complete barrier, and
// position queries. It reconnects transparently in the background.
package serialmgr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/scanerr"
)

// Port is the subset of *serial.Port this package depends on, so tests can
// inject a fake without touching a real device.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens a serial port at path/baud. Overridable in tests.
type OpenFunc func(path string, baud int, readTimeout time.Duration) (Port, error)

func openTarmSerial(path string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: path, Baud: baud, ReadTimeout: readTimeout})
}

type command struct {
	text string
	done chan []string

	// waitOK marks a blocking firmware command (M400, G28): the read keeps
	// going until an "ok" acknowledgement arrives or deadline passes, instead
	// of giving up at the first silent window.
	waitOK   bool
	deadline time.Time
}

// Manager owns the serial handle. Two distinct critical sections protect the
// two pipelines: pumpMu covers send_request's write+read-window, so two
// queued requests never interleave; writeMu covers send_now's immediate
// write, which is not ordered against the pump and may land inside a queued
// request's read window.
type Manager struct {
	cfg  *config.Config
	open OpenFunc

	startOnce sync.Once

	pumpMu  sync.Mutex
	writeMu sync.Mutex

	mu        sync.Mutex
	port      Port
	connected atomic.Bool
	lastErr   error

	queue chan *command
}

// New constructs a Manager bound to cfg. Call Start to launch its workers.
func New(cfg *config.Config) *Manager {
	return &Manager{
		cfg:   cfg,
		open:  openTarmSerial,
		queue: make(chan *command, 64),
	}
}

// Start idempotently launches the request pump and reconnect watcher and
// kicks off an initial connection attempt. Safe to call from any goroutine;
// subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.pump(ctx)
		go m.reconnectWatcher(ctx)
	})
}

// Connected reports whether a live handle is currently published.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

func (m *Manager) connect() error {
	path := m.cfg.SerialPort
	var candidates []string
	if path != "" {
		candidates = []string{path}
	} else {
		candidates = candidatePorts(m.cfg.SerialDescriptions)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no serial candidates found", scanerr.ErrNotConnected)
	}

	var lastErr error
	for _, p := range candidates {
		port, err := m.open(p, m.cfg.SerialBaud, m.cfg.ReadWindow)
		if err != nil {
			lastErr = err
			continue
		}
		time.Sleep(m.cfg.SerialOpenSettle)
		drain(port)

		m.mu.Lock()
		m.port = port
		m.lastErr = nil
		m.mu.Unlock()
		m.connected.Store(true)
		logger.Log.Info("serial connected", "port", p)
		return nil
	}
	return fmt.Errorf("%w: %v", scanerr.ErrNotConnected, lastErr)
}

// closeConn releases the current handle and clears the connected state. It
// only touches mu, so it is safe to call with pumpMu or writeMu held.
func (m *Manager) closeConn() {
	m.mu.Lock()
	p := m.port
	m.port = nil
	m.mu.Unlock()
	m.connected.Store(false)
	if p != nil {
		p.Close()
	}
}

// Close releases the handle and stops publishing connected state. The
// background workers keep running; Start is not re-invoked.
func (m *Manager) Close() {
	m.closeConn()
}

func (m *Manager) reconnectWatcher(ctx context.Context) {
	for {
		if !m.Connected() {
			if err := m.connect(); err != nil {
				logger.Log.Debug("serial reconnect attempt failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectPeriod):
		}
	}
}

func (m *Manager) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.queue:
			lines := m.execute(cmd)
			cmd.done <- lines
		}
	}
}

// execute runs one queued command under pumpMu: write, settle, then read
// the sliding window until silence or timeout. Barrier commands (waitOK)
// drain stale input first and keep reading past silent windows until the
// firmware's "ok" arrives or the command's deadline passes. On I/O error it
// closes the connection and returns an empty result so the caller unblocks.
func (m *Manager) execute(cmd *command) []string {
	m.pumpMu.Lock()
	defer m.pumpMu.Unlock()

	m.mu.Lock()
	port := m.port
	m.mu.Unlock()
	if port == nil {
		return nil
	}

	if cmd.waitOK {
		drain(port)
	}

	if _, err := port.Write([]byte(cmd.text + "\n")); err != nil {
		logger.Log.Warn("serial write failed", "error", err)
		m.closeConn()
		return nil
	}

	time.Sleep(m.cfg.ResponseSettle)

	if !cmd.waitOK {
		return readWindow(port, m.cfg.ReadWindow)
	}

	var lines []string
	for time.Now().Before(cmd.deadline) {
		lines = append(lines, readWindow(port, m.cfg.ReadWindow)...)
		if containsOKLine(lines) {
			return lines
		}
	}
	return lines
}

func containsOKLine(lines []string) bool {
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), "ok") {
			return true
		}
	}
	return false
}

// readWindow reads lines until no new bytes arrive for `window`, resetting
// the deadline on every byte read. Every read it starts is reaped before
// returning — an abandoned in-flight read would otherwise consume the next
// command's response bytes and drop them.
func readWindow(r io.Reader, window time.Duration) []string {
	deadline := time.Now().Add(window)
	buf := make([]byte, 4096)
	var acc bytes.Buffer

	type readResult struct {
		n   int
		err error
	}
	resultCh := make(chan readResult, 1)
	readOnce := func() {
		n, err := r.Read(buf)
		resultCh <- readResult{n, err}
	}

	go readOnce()
	for {
		select {
		case res := <-resultCh:
			if res.n > 0 {
				acc.Write(buf[:res.n])
				deadline = time.Now().Add(window)
			}
			if res.err != nil || !time.Now().Before(deadline) {
				return splitLines(acc.String())
			}
			go readOnce()
		case <-time.After(time.Until(deadline)):
			// A read is still in flight; the port's own read timeout bounds
			// how long this waits.
			res := <-resultCh
			if res.n > 0 {
				acc.Write(buf[:res.n])
			}
			return splitLines(acc.String())
		}
	}
}

func splitLines(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	var out []string
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func drain(r io.Reader) {
	readWindow(r, 20*time.Millisecond)
}

// SendRequest enqueues text for the FIFO request pump and waits up to
// timeout for the accumulated response lines. Returns ErrTimeout if the
// pump never completes the command in time, ErrNotConnected if no handle
// exists at enqueue time.
func (m *Manager) SendRequest(text string, timeout time.Duration) ([]string, error) {
	if !m.Connected() {
		return nil, scanerr.ErrNotConnected
	}
	cmd := &command{text: text, done: make(chan []string, 1)}
	select {
	case m.queue <- cmd:
	case <-time.After(timeout):
		return nil, scanerr.ErrTimeout
	}
	select {
	case lines := <-cmd.done:
		return lines, nil
	case <-time.After(timeout):
		return nil, scanerr.ErrTimeout
	}
}

// SendNow writes text immediately under its own mutex, bypassing the queue.
// Callers must not use this to replace a queued command in flight: it may
// interleave with a queued request's write and read windows because it uses
// a separate lock. Callers that need ordering use SendRequest.
func (m *Manager) SendNow(text string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	port := m.port
	m.mu.Unlock()
	if port == nil {
		return scanerr.ErrNotConnected
	}
	if _, err := port.Write([]byte(text + "\n")); err != nil {
		m.closeConn()
		return fmt.Errorf("%w: %v", scanerr.ErrIoError, err)
	}
	return nil
}

// SendBarrier enqueues a blocking firmware command (M400, G28) and waits for
// its "ok" acknowledgement. Unlike SendRequest's silence-bounded window, the
// read keeps going until the ok arrives or timeout expires — the firmware
// acknowledges these commands only once the motion they gate has finished.
func (m *Manager) SendBarrier(text string, timeout time.Duration) ([]string, error) {
	if !m.Connected() {
		return nil, scanerr.ErrNotConnected
	}
	cmd := &command{
		text:     text,
		done:     make(chan []string, 1),
		waitOK:   true,
		deadline: time.Now().Add(timeout),
	}
	select {
	case m.queue <- cmd:
	case <-time.After(timeout):
		return nil, scanerr.ErrTimeout
	}
	select {
	case lines := <-cmd.done:
		if !containsOKLine(lines) {
			return lines, scanerr.ErrTimeout
		}
		return lines, nil
	case <-time.After(timeout + m.cfg.ReadWindow + time.Second):
		return nil, scanerr.ErrTimeout
	}
}

// WaitMotionComplete clears stale input, issues the M400 barrier, and waits
// for an "ok" acknowledgement within timeout.
func (m *Manager) WaitMotionComplete(timeout time.Duration) bool {
	_, err := m.SendBarrier("M400", timeout)
	return err == nil
}

// QueryPosition issues M114 and returns the raw response lines.
func (m *Manager) QueryPosition(timeout time.Duration) ([]string, error) {
	return m.SendRequest("M114", timeout)
}

// ParseAxis extracts one axis value from M114 response lines, accepting
// both the "X:12.34" and "X 12.34" token forms.
func ParseAxis(axis string, lines []string) (float64, bool) {
	prefix := axis + ":"
	for _, line := range lines {
		tokens := strings.Fields(line)
		for i, tok := range tokens {
			if rest, ok := strings.CutPrefix(tok, prefix); ok {
				if v, err := strconv.ParseFloat(rest, 64); err == nil {
					return v, true
				}
				continue
			}
			// "X 12.34" form: axis letter and value are separate tokens.
			if tok == axis && i+1 < len(tokens) {
				if v, err := strconv.ParseFloat(tokens[i+1], 64); err == nil {
					return v, true
				}
			}
		}
	}
	return 0, false
}
