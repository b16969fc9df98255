package state

import (
	"context"
	"log/slog"
	"time"
)

// Janitor cadence and the age at which an unclaimed transfer is abandoned.
const (
	SweepInterval  = 60 * time.Second
	MaxTransferAge = 5 * time.Minute
)

// RunJanitor sweeps abandoned transfers and lapsed sessions every interval
// until ctx is canceled. The store stays correct without it (expiry is also
// checked lazily on attach); the sweep keeps orphaned rendezvous from
// parking downloaders forever.
func RunJanitor(ctx context.Context, store *Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transfers := store.SweepTransfers(MaxTransferAge)
			sessions := store.PurgeExpiredSessions()
			if transfers > 0 || sessions > 0 {
				st := store.Stats()
				slog.Info("janitor sweep",
					"dropped_transfers", transfers, "purged_sessions", sessions,
					"sockets", st.Sockets, "sessions", st.Sessions, "files", st.Files, "transfers", st.Transfers)
			}
		}
	}
}
