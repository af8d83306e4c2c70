package mjpeg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPublishNeverBlocksOnSlowStreamer(t *testing.T) {
	h := NewHub()

	req := httptest.NewRequest(http.MethodGet, "/live.mjpeg", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ServeStream(h, rec, req)
		close(done)
	}()

	// Publish far faster than any consumer could read; if Publish ever
	// blocked on a slow subscriber this would hang the test.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish([]byte{byte(i)})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked — a slow/absent consumer should never stall the producer")
	}

	cancel()
	<-done
}

func TestLatestReturnsMostRecentFrame(t *testing.T) {
	h := NewHub()
	if data, _ := h.Latest(); data != nil {
		t.Fatalf("expected no frame before first publish")
	}
	h.Publish([]byte("frame-1"))
	h.Publish([]byte("frame-2"))
	data, _ := h.Latest()
	if string(data) != "frame-2" {
		t.Fatalf("expected frame-2, got %q", data)
	}
}

func TestServeStreamSendsImmediateFrameOnConnect(t *testing.T) {
	h := NewHub()
	h.Publish([]byte("initial-frame"))

	req := httptest.NewRequest(http.MethodGet, "/live.mjpeg", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ServeStream(h, rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if rec.Body.Len() == 0 {
		t.Fatalf("expected the immediately-cached frame to be written to the response")
	}
}
