// Package mjpeg serves the ultrasound probe's live frames to HTTP clients
// as a multipart/x-mixed-replace stream: the latest frame is always sent
// immediately on connect, then each subsequent frame is pushed as soon as
// the probe session publishes it.
package mjpeg

import (
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
)

// Hub holds the single most recent frame and wakes every connected streamer
// when a new one arrives. A slow consumer only ever sees the latest frame —
// it never catches up on ones it missed, and it never blocks the producer.
type Hub struct {
	mu    sync.Mutex
	data  []byte
	ready chan struct{}
}

// NewHub constructs an empty Hub. Streamers connecting before the first
// Publish simply wait on ready.
func NewHub() *Hub {
	return &Hub{ready: make(chan struct{})}
}

// Publish stores frame as the latest and wakes every goroutine blocked on a
// previous Latest() call's ready channel.
func (h *Hub) Publish(frame []byte) {
	h.mu.Lock()
	h.data = frame
	old := h.ready
	h.ready = make(chan struct{})
	h.mu.Unlock()
	close(old)
}

// Latest returns the current frame (nil if none yet published) and a
// channel that closes the moment a newer frame replaces it.
func (h *Hub) Latest() ([]byte, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data, h.ready
}

const boundary = "scancoreframe"

// ServeStream writes a multipart/x-mixed-replace response to w, one JPEG
// part per published frame, until the request context is cancelled or a
// write fails (client disconnected).
func ServeStream(h *Hub, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")

	flusher, canFlush := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return err
	}

	writePart := func(data []byte) error {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Type", "image/jpeg")
		hdr.Set("Content-Length", strconv.Itoa(len(data)))
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			return err
		}
		if _, err := pw.Write(data); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	}

	data, ready := h.Latest()
	if len(data) > 0 {
		if err := writePart(data); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-ready:
			data, ready = h.Latest()
			if len(data) == 0 {
				continue
			}
			if err := writePart(data); err != nil {
				return nil
			}
		}
	}
}
