package workspace

import (
	"context"
	"log/slog"
	"time"
)

const ttlWorkerInterval = 5 * time.Minute

// RunTTLWorker periodically sweeps workspaces idle for longer than ttl. It
// blocks until ctx is done and then returns nil.
func RunTTLWorker(ctx context.Context, reg *Registry, ttl, interval time.Duration) error {
	if interval <= 0 {
		interval = ttlWorkerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("TTL worker started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			if n := reg.Sweep(ttl); n > 0 {
				slog.Info("TTL worker cleanup completed", "cleaned", n, "remaining", reg.Len())
			}
		case <-ctx.Done():
			slog.Info("TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}
