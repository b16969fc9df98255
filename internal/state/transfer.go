package state

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TransferBuffer is how many chunks may sit between the uploader and the
// downloader before the uploader blocks. Two slots overlap one chunk's
// network write with the next body read without letting a stalled receiver
// pin arbitrary memory.
const TransferBuffer = 2

// Chunk is one relayed piece of file data, or the upload-side read error
// that ended the stream.
type Chunk struct {
	Data []byte
	Err  error
}

// Transfer is the one-shot rendezvous coupling a download response to an
// upload request body. The downloader consumes Chunks and calls Cancel when
// it stops reading; the uploader pushes with Send and calls CloseSend after
// the final chunk.
type Transfer struct {
	ID string

	ch        chan Chunk
	done      chan struct{}
	createdAt time.Time
}

// Chunks is the stream the downloader drains. It is closed by the uploader
// at end of data, or by the sweeper when no uploader ever claimed the
// transfer.
func (t *Transfer) Chunks() <-chan Chunk {
	return t.ch
}

// Send queues one chunk for the downloader. It reports false once the
// downloader has gone away, at which point the uploader should stop reading
// its request body; this is normal cancellation, not an error.
func (t *Transfer) Send(c Chunk) bool {
	select {
	case t.ch <- c:
		return true
	case <-t.done:
		return false
	}
}

// CloseSend signals end of data to the downloader. Only the claimer of the
// transfer may call it, exactly once.
func (t *Transfer) CloseSend() {
	close(t.ch)
}

// Cancel tells a blocked or future uploader that the downloader has stopped
// reading. Only the creator of the transfer may call it, exactly once.
func (t *Transfer) Cancel() {
	close(t.done)
}

// CreateTransfer mints a rendezvous for one download request and indexes it
// so the matching upload POST can claim it.
func (s *Store) CreateTransfer() *Transfer {
	t := &Transfer{
		ID:        uuid.NewString(),
		ch:        make(chan Chunk, TransferBuffer),
		done:      make(chan struct{}),
		createdAt: s.now(),
	}

	s.mu.Lock()
	s.transfers[t.ID] = t
	s.mu.Unlock()

	slog.Debug("transfer created", "transfer_id", t.ID)
	return t
}

// ClaimTransfer removes and returns the rendezvous for id. Removal is
// atomic under the write lock, so at most one upload POST can ever claim a
// given transfer.
func (s *Store) ClaimTransfer(id string) (*Transfer, bool) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if ok {
		delete(s.transfers, id)
	}
	s.mu.Unlock()

	if ok {
		slog.Debug("transfer claimed", "transfer_id", id)
	}
	return t, ok
}

// AbortTransfer forgets an unclaimed transfer whose download request failed
// before any uploader could be signalled.
func (s *Store) AbortTransfer(id string) {
	s.mu.Lock()
	delete(s.transfers, id)
	s.mu.Unlock()
}

// SweepTransfers abandons unclaimed transfers older than maxAge, closing
// their chunk stream so a parked downloader unblocks with an empty body.
// Returns how many were dropped.
func (s *Store) SweepTransfers(maxAge time.Duration) int {
	now := s.now()

	var stale []*Transfer
	s.mu.Lock()
	for id, t := range s.transfers {
		if now.Sub(t.createdAt) > maxAge {
			delete(s.transfers, id)
			stale = append(stale, t)
		}
	}
	s.mu.Unlock()

	for _, t := range stale {
		t.CloseSend()
	}
	if len(stale) > 0 {
		slog.Info("stale transfers dropped", "count", len(stale))
	}
	return len(stale)
}
