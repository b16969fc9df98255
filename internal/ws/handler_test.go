package ws

import (
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"zher/server/internal/protocol"
	"zher/server/internal/state"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func TestConnectWelcome(t *testing.T) {
	_, baseURL := startTestServer(t)

	conn, welcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer conn.Close()

	if welcome.User.ID == "" {
		t.Fatal("welcome user has no id")
	}
	if len(welcome.User.Name) != 6 {
		t.Fatalf("initial name %q, want 6 characters", welcome.User.Name)
	}
	if !paletteColor(welcome.User.Color) {
		t.Fatalf("color %q not in palette", welcome.User.Color)
	}
	if welcome.User.Device != "desktop" {
		t.Fatalf("device = %q, want desktop", welcome.User.Device)
	}
	if len(welcome.AllUsers) != 1 || welcome.AllUsers[0].ID != welcome.User.ID {
		t.Fatalf("allUsers = %#v, want just self", welcome.AllUsers)
	}
	if welcome.ServerURL != "http://192.168.1.20:4836" {
		t.Fatalf("serverUrl = %q", welcome.ServerURL)
	}
}

func TestJoinAnnouncedToPeers(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()
	bob, bobWelcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	if len(bobWelcome.AllUsers) != 2 {
		t.Fatalf("bob sees %d users, want 2", len(bobWelcome.AllUsers))
	}

	env := readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventUserJoined
	})
	var joined protocol.User
	decodeData(t, env, &joined)
	if joined.ID != bobWelcome.User.ID {
		t.Fatalf("user-joined id = %q, want %q", joined.ID, bobWelcome.User.ID)
	}
}

func TestTextMessageFanOut(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, aliceWelcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	writeEnv(t, alice, protocol.EventTextMessage, "hello lan")

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readUntil(t, conn, func(e protocol.Envelope) bool {
			return e.Event == protocol.EventMessage
		})
		var msg protocol.TextMessage
		decodeData(t, env, &msg)
		if msg.Type != "text" || msg.Text != "hello lan" {
			t.Fatalf("message = %#v", msg)
		}
		if msg.SenderID != aliceWelcome.User.ID || msg.SenderName != aliceWelcome.User.Name {
			t.Fatalf("sender fields = %#v, want alice", msg)
		}
		if msg.ID <= 0 {
			t.Fatalf("message id = %d, want unix millis", msg.ID)
		}
	}
}

func TestSecondTabInvisibleToPeers(t *testing.T) {
	store, baseURL := startTestServer(t)

	alice, aliceWelcome := connectClient(t, baseURL, protocol.ConnectAuth{SessionID: "sess-alice"})
	defer alice.Close()
	bob, bobWelcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventUserJoined
	})

	tab2, tab2Welcome := connectClient(t, baseURL, protocol.ConnectAuth{SessionID: "sess-alice"})
	defer tab2.Close()

	if tab2Welcome.User.ID != aliceWelcome.User.ID {
		t.Fatalf("second tab got user %q, want %q", tab2Welcome.User.ID, aliceWelcome.User.ID)
	}
	if len(tab2Welcome.AllUsers) != 2 {
		t.Fatalf("second tab sees %d users, want 2", len(tab2Welcome.AllUsers))
	}
	assertSilence(t, bob, protocol.EventUserJoined)
	_ = bobWelcome

	if got := store.Stats().Sockets; got != 3 {
		t.Fatalf("sockets = %d, want 3", got)
	}
}

func TestLastSocketCloseBroadcastsUserLeft(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, aliceWelcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	alice.Close()

	env := readUntil(t, bob, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventUserLeft
	})
	var departedID string
	decodeData(t, env, &departedID)
	if departedID != aliceWelcome.User.ID {
		t.Fatalf("user-left = %q, want %q", departedID, aliceWelcome.User.ID)
	}
}

func TestClosingOneTabIsSilent(t *testing.T) {
	_, baseURL := startTestServer(t)

	tab1, _ := connectClient(t, baseURL, protocol.ConnectAuth{SessionID: "sess-tabs"})
	defer tab1.Close()
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()
	tab2, _ := connectClient(t, baseURL, protocol.ConnectAuth{SessionID: "sess-tabs"})

	tab2.Close()
	assertSilence(t, bob, protocol.EventUserLeft)
}

func TestReconnectWithinGraceKeepsIdentity(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, aliceWelcome := connectClient(t, baseURL, protocol.ConnectAuth{SessionID: "sess-grace"})
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	alice.Close()
	readUntil(t, bob, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventUserLeft
	})

	again, againWelcome := connectClient(t, baseURL, protocol.ConnectAuth{SessionID: "sess-grace"})
	defer again.Close()

	if againWelcome.User != aliceWelcome.User {
		t.Fatalf("revived profile %#v, want %#v", againWelcome.User, aliceWelcome.User)
	}

	// Peers get a roster refresh, never a second join announcement.
	env := readUntil(t, bob, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventUpdateUserList
	})
	var roster []protocol.User
	decodeData(t, env, &roster)
	if !rosterHas(roster, aliceWelcome.User.ID) {
		t.Fatalf("refreshed roster %#v missing revived user", roster)
	}
	assertSilence(t, bob, protocol.EventUserJoined)
}

func TestNameChangeSuccess(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, aliceWelcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	writeEnv(t, alice, protocol.EventRequestNameChange, "  Workshop  ")

	env := readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventNameChangeSuccess
	})
	var final string
	decodeData(t, env, &final)
	if final != "Workshop" {
		t.Fatalf("final name = %q, want trimmed %q", final, "Workshop")
	}

	for _, conn := range []*websocket.Conn{alice, bob} {
		env := readUntil(t, conn, func(e protocol.Envelope) bool {
			return e.Event == protocol.EventUpdateUserList
		})
		var roster []protocol.User
		decodeData(t, env, &roster)
		found := false
		for _, u := range roster {
			if u.ID == aliceWelcome.User.ID && u.Name == "Workshop" {
				found = true
			}
		}
		if !found {
			t.Fatalf("roster %#v missing renamed user", roster)
		}
	}
}

func TestNameChangeRejected(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()

	for _, bad := range []string{"", "   ", strings.Repeat("x", 25)} {
		writeEnv(t, alice, protocol.EventRequestNameChange, bad)
		env := readUntil(t, alice, func(e protocol.Envelope) bool {
			return e.Event == protocol.EventNameChangeFail
		})
		var reason string
		decodeData(t, env, &reason)
		if reason != nameRejectedText {
			t.Fatalf("fail payload = %q", reason)
		}
	}
}

func TestNameCollisionAppendsSuffix(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	writeEnv(t, alice, protocol.EventRequestNameChange, "printer")
	readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventNameChangeSuccess
	})

	writeEnv(t, bob, protocol.EventRequestNameChange, "printer")
	env := readUntil(t, bob, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventNameChangeSuccess
	})
	var final string
	decodeData(t, env, &final)
	if final != "printer1" {
		t.Fatalf("final name = %q, want printer1", final)
	}
}

func TestRoomCodeAdmission(t *testing.T) {
	store, baseURL := startTestServer(t)
	store.SetRoomCode("123456")
	store.SetRoomCodeEnabled(true)

	// Wrong code: the socket closes without a welcome.
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/socket", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	writeEnv(t, conn, protocol.EventConnect, protocol.ConnectAuth{RoomCode: "654321"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err == nil {
		t.Fatalf("expected close, got %s frame", env.Event)
	}
	conn.Close()

	// Matching code is admitted as usual.
	admitted, welcome := connectClient(t, baseURL, protocol.ConnectAuth{RoomCode: "123456"})
	defer admitted.Close()
	if welcome.User.ID == "" {
		t.Fatal("admitted client got empty welcome")
	}
}

func TestFileMetaEnrichment(t *testing.T) {
	store, baseURL := startTestServer(t)

	alice, aliceWelcome := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	writeEnv(t, alice, protocol.EventFileMeta, map[string]any{
		"fileName":  "notes.pdf",
		"fileSize":  1048576,
		"clientKey": "kept",
	})

	env := readUntil(t, bob, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventMessage
	})
	var got map[string]any
	decodeData(t, env, &got)

	if got["type"] != "file-meta" {
		t.Fatalf("type = %v", got["type"])
	}
	fileID, _ := got["fileId"].(string)
	if fileID == "" {
		t.Fatalf("no fileId minted: %#v", got)
	}
	if got["fileName"] != "notes.pdf" || got["clientKey"] != "kept" {
		t.Fatalf("client fields mangled: %#v", got)
	}
	if got["senderId"] != aliceWelcome.User.ID || got["senderName"] != aliceWelcome.User.Name {
		t.Fatalf("sender fields = %#v, want alice", got)
	}
	if id, ok := got["id"].(float64); !ok || id <= 0 {
		t.Fatalf("id = %v, want unix millis", got["id"])
	}

	owner, ok := store.FileOwner(fileID)
	if !ok {
		t.Fatalf("file %q not registered", fileID)
	}
	if owner.Name != "notes.pdf" || owner.Size != 1048576 {
		t.Fatalf("owner record = %#v", owner)
	}

	// The announcement echoes back to the sender too.
	readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventMessage
	})
}

func TestFileMetaKeepsSuppliedID(t *testing.T) {
	store, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()

	writeEnv(t, alice, protocol.EventFileMeta, map[string]any{
		"fileId":   "file-7",
		"fileName": "a.bin",
		"fileSize": 9,
	})

	env := readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventMessage
	})
	var got map[string]any
	decodeData(t, env, &got)
	if got["fileId"] != "file-7" {
		t.Fatalf("fileId = %v, want file-7", got["fileId"])
	}
	if _, ok := store.FileOwner("file-7"); !ok {
		t.Fatal("file-7 not registered")
	}
}

func TestFileMetaNonObjectStillRelays(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()
	bob, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer bob.Close()

	writeEnv(t, alice, protocol.EventFileMeta, "not an object")

	env := readUntil(t, bob, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventMessage
	})
	var s string
	decodeData(t, env, &s)
	if s != "not an object" {
		t.Fatalf("payload = %q", s)
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	_, baseURL := startTestServer(t)

	alice, _ := connectClient(t, baseURL, protocol.ConnectAuth{})
	defer alice.Close()

	writeEnv(t, alice, "totally-unknown", 42)

	// The connection stays usable afterwards.
	writeEnv(t, alice, protocol.EventTextMessage, "still here")
	readUntil(t, alice, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventMessage
	})
}

func startTestServer(t *testing.T) (*state.Store, string) {
	t.Helper()

	store := state.NewStore("http://192.168.1.20:4836")
	e := echo.New()
	NewHandler(store).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return store, wsURL
}

func connectClient(t *testing.T, baseWSURL string, auth protocol.ConnectAuth) (*websocket.Conn, protocol.Welcome) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/socket", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}

	writeEnv(t, conn, protocol.EventConnect, auth)
	env := readUntil(t, conn, func(e protocol.Envelope) bool {
		return e.Event == protocol.EventWelcome
	})
	var welcome protocol.Welcome
	decodeData(t, env, &welcome)
	return conn, welcome
}

func writeEnv(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var env protocol.Envelope
		err := conn.ReadJSON(&env)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read json: %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatal("timed out waiting for matching frame")
	return protocol.Envelope{}
}

// assertSilence fails if event shows up on conn within a short window.
func assertSilence(t *testing.T, conn *websocket.Conn, event string) {
	t.Helper()
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var env protocol.Envelope
		err := conn.ReadJSON(&env)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if env.Event == event {
			t.Fatalf("unexpected %s frame: %s", event, string(env.Data))
		}
	}
}

func decodeData(t *testing.T, env protocol.Envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
}

func rosterHas(users []protocol.User, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

func paletteColor(c string) bool {
	for _, p := range palette {
		if p == c {
			return true
		}
	}
	return false
}
