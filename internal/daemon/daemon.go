// Package daemon is the composition root: it wires the serial manager,
// scanner controller, probe session, live-stream hub, scan orchestrator,
// audit ledger and control-plane HTTP server together, then runs until a
// signal or a control-plane shutdown request arrives.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/logger"
	"github.com/threesonic/scancore/internal/mjpeg"
	"github.com/threesonic/scancore/internal/orchestrator"
	"github.com/threesonic/scancore/internal/probe"
	"github.com/threesonic/scancore/internal/scanner"
	"github.com/threesonic/scancore/internal/scanstore"
	"github.com/threesonic/scancore/internal/serialmgr"
	"github.com/threesonic/scancore/internal/transport"
)

// Run builds every component from cfg and blocks until shutdown.
func Run(cfg *config.Config) error {
	store, err := scanstore.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open scanstore: %w", err)
	}
	defer store.Close()

	serial := serialmgr.New(cfg)
	ctrl := scanner.New(cfg, serial)
	probeSession := probe.New(cfg)
	hub := mjpeg.NewHub()
	spawner := orchestrator.NewExecSpawner(cfg)
	orch := orchestrator.New(cfg, ctrl, probeSession, spawner, store)

	srv := transport.NewServer(orch, ctrl, store, hub, cfg.SocketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serial.Start(ctx)
	probeSession.Start(ctx)
	orch.Start()
	go bridgeFrames(ctx, probeSession, hub, cfg.TargetFPS)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("control plane listening", "socket", cfg.SocketPath)
		errCh <- srv.ListenAndServe(ctx)
	}()

	logger.Log.Info("scancore daemon started", "data_dir", cfg.DataDir)

	select {
	case sig := <-sigCh:
		logger.Log.Info("signal received, shutting down", "signal", sig.String())
		orch.Shutdown()
		cancel()
		time.Sleep(time.Second)
	case err := <-errCh:
		orch.Shutdown()
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("daemon error: %w", err)
		}
	}

	serial.Close()
	return nil
}

// bridgeFrames republishes the probe session's latest rendered frame to the
// live-stream hub: one upstream producer, N independent subscriber fan-out.
// Real frames flow at the capture cadence; while the probe is unavailable
// the labeled placeholder is published at ~2 fps so the stream stays alive
// through a reconnect instead of freezing on the last good frame.
func bridgeFrames(ctx context.Context, session *probe.Session, hub *mjpeg.Hub, targetFPS float64) {
	fps := targetFPS
	if fps <= 0 {
		fps = 1
	}
	tick := time.Second / time.Duration(fps)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastPlaceholder time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := session.Frame()
			if frame.Ready {
				hub.Publish(frame.JPEG)
				continue
			}
			if time.Since(lastPlaceholder) >= 500*time.Millisecond {
				hub.Publish(frame.JPEG)
				lastPlaceholder = time.Now()
			}
		}
	}
}
