package sse

import (
	"context"
	"log/slog"
	"time"
)

// RunReaper sweeps every shard on cfg.ReaperInterval, removing stream entries
// whose local subscriber count has fallen to (or below) zero but survived
// due to an earlier cleanup failure. The per-stream termination path is the
// primary cleanup mechanism; this is belt-and-braces.
func (m *Manager) RunReaper(ctx context.Context) {
	interval := m.cfg.ReaperInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	swept := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for jobID, count := range sh.connCount {
			if count > 0 {
				continue
			}
			if busSub, ok := sh.busSubs[jobID]; ok {
				_ = busSub.Close()
				delete(sh.busSubs, jobID)
			}
			delete(sh.streams, jobID)
			delete(sh.connCount, jobID)
			swept++
		}
		sh.mu.Unlock()
	}
	if swept > 0 {
		slog.Info("sse: reaper swept stale streams", slog.Int("count", swept))
	}
}
