package protocol

import "encoding/json"

// Event names carried in the websocket envelope. The spelling is part of
// the wire contract with the embedded web app and must not change.
const (
	// Client to server.
	EventConnect           = "connect"
	EventRequestNameChange = "request-name-change"
	EventTextMessage       = "text-message"
	EventFileMeta          = "file-meta"

	// Server to client.
	EventWelcome           = "welcome"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventUpdateUserList    = "update-user-list"
	EventMessage           = "message"
	EventStartUpload       = "start-upload"
	EventNameChangeSuccess = "name-change-success"
	EventNameChangeFail    = "name-change-fail"
)

// Envelope is the JSON frame exchanged over the websocket. Data holds the
// event payload verbatim so each handler can decode its own shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// ConnectAuth is the payload of the first frame a client sends after the
// websocket opens. Both fields are optional.
type ConnectAuth struct {
	SessionID string `json:"sessionId"`
	RoomCode  string `json:"roomCode"`
}

// User is the peer profile shown in the room roster.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Device string `json:"device"`
}

// Welcome is sent once to a socket after it is admitted.
type Welcome struct {
	User      User   `json:"user"`
	AllUsers  []User `json:"allUsers"`
	ServerURL string `json:"serverUrl"`
}

// TextMessage is the broadcast form of a relayed chat line. ID doubles as
// the client-side ordering key and is the server receive time in Unix
// milliseconds.
type TextMessage struct {
	ID           int64  `json:"id"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderColor  string `json:"senderColor"`
	SenderDevice string `json:"senderDevice"`
	Type         string `json:"type"`
	Text         string `json:"text"`
}

// StartUpload tells a file owner to begin pushing a byte range of one of
// its announced files at the matching transfer endpoint.
type StartUpload struct {
	FileID     string `json:"fileId"`
	TransferID string `json:"transferId"`
	Offset     int64  `json:"offset"`
	End        int64  `json:"end"`
}
