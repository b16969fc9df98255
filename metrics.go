package main

import (
	"context"
	"log/slog"
	"time"

	"zher/server/internal/state"
)

// metricsInterval is how often connection stats are logged.
const metricsInterval = time.Minute

// RunMetrics logs store stats every interval until ctx is canceled. An idle
// server stays quiet.
func RunMetrics(ctx context.Context, store *state.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := store.Stats()
			if st.Sockets > 0 || st.Files > 0 || st.Transfers > 0 {
				slog.Info("stats",
					"sockets", st.Sockets,
					"peers", st.Sessions,
					"files", st.Files,
					"transfers", st.Transfers)
			}
		}
	}
}
