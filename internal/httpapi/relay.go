package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"zher/server/internal/protocol"
	"zher/server/internal/state"

	"github.com/labstack/echo/v4"
)

// uploadChunkSize is how much of the upload body is read per relay step.
const uploadChunkSize = 64 * 1024

// handleDownload answers a receiver's GET by signalling the file's owner to
// start pushing bytes, then streams whatever arrives on the rendezvous. The
// response status and headers commit before the first byte exists, so a
// failed or absent uploader shows up as a truncated body.
func (s *Server) handleDownload(c echo.Context) error {
	fileID := c.Param("fileId")
	owner, ok := s.store.FileOwner(fileID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}

	t := s.store.CreateTransfer()

	start, end, partial := parseRange(c.Request().Header.Get("Range"), owner.Size)
	if start > end || start >= owner.Size {
		s.store.AbortTransfer(t.ID)
		return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, "invalid range")
	}
	if end >= owner.Size {
		end = owner.Size - 1
	}

	env, err := protocol.NewEnvelope(protocol.EventStartUpload, protocol.StartUpload{
		FileID:     fileID,
		TransferID: t.ID,
		Offset:     start,
		End:        end,
	})
	if err != nil {
		s.store.AbortTransfer(t.ID)
		return echo.NewHTTPError(http.StatusInternalServerError, "encode start-upload")
	}
	if !s.store.EmitTo(owner.SocketID, env) {
		slog.Warn("file owner unreachable", "file_id", fileID, "socket_id", owner.SocketID)
		s.store.AbortTransfer(t.ID)
		return echo.NewHTTPError(http.StatusInternalServerError, "file owner is unreachable")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "application/octet-stream")
	h.Set(echo.HeaderContentLength, strconv.FormatInt(end-start+1, 10))
	h.Set(echo.HeaderContentDisposition, "attachment; filename*=UTF-8''"+escapeFilename(owner.Name))
	h.Set("Accept-Ranges", "bytes")

	status := http.StatusOK
	if partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, owner.Size))
		status = http.StatusPartialContent
	}
	c.Response().WriteHeader(status)

	defer t.Cancel()
	ctx := c.Request().Context()
	for {
		select {
		case chunk, open := <-t.Chunks():
			if !open {
				return nil
			}
			if chunk.Err != nil {
				// Headers are long gone; cutting the body short is the only
				// signal left for the receiver.
				slog.Warn("transfer failed upstream", "transfer_id", t.ID, "err", chunk.Err)
				return nil
			}
			if _, err := c.Response().Write(chunk.Data); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// handleUpload feeds a sender's POST body into the rendezvous created by the
// matching download. Claiming consumes the transfer id, so a second POST for
// the same id finds nothing.
func (s *Server) handleUpload(c echo.Context) error {
	t, ok := s.store.ClaimTransfer(c.Param("transferId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "transfer not found")
	}
	defer t.CloseSend()

	body := c.Request().Body
	buf := make([]byte, uploadChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !t.Send(state.Chunk{Data: chunk}) {
				// Downloader went away. Normal cancellation, not an error.
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Send(state.Chunk{Err: err})
			}
			break
		}
	}
	return c.NoContent(http.StatusOK)
}

// parseRange interprets a Range header the way the web app issues them: one
// bytes=a-b span. A bound that fails to parse keeps its full-extent default,
// and partial reports whether any bound was honored. Callers validate the
// result against the file size.
func parseRange(header string, size int64) (start, end int64, partial bool) {
	start, end = 0, size-1
	if !strings.HasPrefix(header, "bytes=") {
		return start, end, false
	}
	parts := strings.Split(strings.TrimPrefix(header, "bytes="), "-")
	if v, err := strconv.ParseInt(parts[0], 10, 64); err == nil && v >= 0 {
		start = v
		partial = true
	}
	if len(parts) >= 2 && parts[1] != "" {
		if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil && v >= 0 {
			end = v
			partial = true
		}
	}
	return start, end, partial
}

// escapeFilename percent-encodes a filename for an RFC 5987 filename* value.
// Everything outside the unreserved set is encoded.
func escapeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '-', ch == '.', ch == '_', ch == '~':
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, "%%%02X", ch)
		}
	}
	return b.String()
}
