package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"zher/server/internal/protocol"
	"zher/server/internal/state"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// maxFrameBytes matches the ceiling the web app assumes for announcement
// frames, which can carry large inline previews.
const maxFrameBytes = 100 << 20

// Handler owns the websocket message channel.
type Handler struct {
	store    *state.Store
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to store.
func NewHandler(store *state.Store) *Handler {
	return &Handler{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/socket", h.HandleSocket)
}

// HandleSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, c.Request())
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, req *http.Request) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(maxFrameBytes)

	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Event != protocol.EventConnect {
		return
	}
	var auth protocol.ConnectAuth
	if len(first.Data) > 0 {
		// Absent or malformed fields leave the zero values in place.
		_ = json.Unmarshal(first.Data, &auth)
	}

	if !h.store.Admit(auth.RoomCode) {
		slog.Info("rejected connection: wrong room code", "remote", conn.RemoteAddr().String())
		return
	}

	socketID := uuid.NewString()
	sessionKey := auth.SessionID
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}

	att := h.store.AttachSocket(sessionKey, socketID, auth.RoomCode, protocol.User{
		ID:     uuid.NewString(),
		Name:   initialName(),
		Color:  randomColor(),
		Device: deviceClass(req.UserAgent()),
	})

	defer func() {
		if departed, last := h.store.DetachSocket(socketID); last {
			h.broadcast(protocol.EventUserLeft, departed.ID, socketID)
		}
	}()

	go func() {
		for out := range att.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()

	h.emit(socketID, protocol.EventWelcome, protocol.Welcome{
		User:      att.User,
		AllUsers:  att.Users,
		ServerURL: h.store.ServerURL(),
	})
	switch att.Kind {
	case state.AttachNew:
		h.broadcast(protocol.EventUserJoined, att.User, socketID)
	case state.AttachRevived:
		// Peers already saw this user leave, so resync their rosters
		// instead of announcing a second join.
		h.broadcast(protocol.EventUpdateUserList, att.Users, socketID)
	}

	for {
		var in protocol.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		h.handleEvent(socketID, in)
	}
}

func (h *Handler) handleEvent(socketID string, in protocol.Envelope) {
	switch in.Event {
	case protocol.EventRequestNameChange:
		var requested string
		if err := json.Unmarshal(in.Data, &requested); err != nil {
			return
		}
		h.handleNameChange(socketID, requested)

	case protocol.EventTextMessage:
		var text string
		if err := json.Unmarshal(in.Data, &text); err != nil {
			return
		}
		h.handleTextMessage(socketID, text)

	case protocol.EventFileMeta:
		h.handleFileMeta(socketID, in.Data)

	default:
		slog.Debug("ignoring unknown event", "event", in.Event, "socket_id", socketID)
	}
}

func (h *Handler) handleNameChange(socketID, requested string) {
	name := strings.TrimSpace(requested)
	if !validName(name) {
		h.emit(socketID, protocol.EventNameChangeFail, nameRejectedText)
		return
	}
	final, users, ok := h.store.RenameUser(socketID, name)
	if !ok {
		return
	}
	h.emit(socketID, protocol.EventNameChangeSuccess, final)
	h.broadcast(protocol.EventUpdateUserList, users, "")
}

func (h *Handler) handleTextMessage(socketID, text string) {
	sender, ok := h.store.UserBySocket(socketID)
	if !ok {
		return
	}
	h.broadcast(protocol.EventMessage, protocol.TextMessage{
		ID:           time.Now().UnixMilli(),
		SenderID:     sender.ID,
		SenderName:   sender.Name,
		SenderColor:  sender.Color,
		SenderDevice: sender.Device,
		Type:         "text",
		Text:         text,
	}, "")
}

// handleFileMeta enriches a file announcement in place and fans it out.
// Client-written keys it does not recognize survive the round trip.
func (h *Handler) handleFileMeta(socketID string, data json.RawMessage) {
	sender, ok := h.store.UserBySocket(socketID)
	if !ok {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var meta any
	if err := dec.Decode(&meta); err != nil {
		return
	}

	if obj, isObject := meta.(map[string]any); isObject {
		fileID, _ := obj["fileId"].(string)
		if fileID == "" {
			fileID = uuid.NewString()
		}
		fileName := "unknown_file"
		if s, isString := obj["fileName"].(string); isString {
			fileName = s
		}
		var fileSize int64
		if n, isNumber := obj["fileSize"].(json.Number); isNumber {
			if v, err := n.Int64(); err == nil && v >= 0 {
				fileSize = v
			}
		}

		obj["fileId"] = fileID
		obj["id"] = time.Now().UnixMilli()
		obj["senderId"] = sender.ID
		obj["senderName"] = sender.Name
		obj["senderColor"] = sender.Color
		obj["senderDevice"] = sender.Device
		obj["type"] = "file-meta"

		h.store.RegisterFile(fileID, socketID, fileName, fileSize)
	}

	h.broadcast(protocol.EventMessage, meta, "")
}

func (h *Handler) emit(socketID, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		slog.Error("encode event", "event", event, "err", err)
		return
	}
	h.store.EmitTo(socketID, env)
}

func (h *Handler) broadcast(event string, payload any, exceptSocketID string) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		slog.Error("encode event", "event", event, "err", err)
		return
	}
	h.store.Broadcast(env, exceptSocketID)
}
