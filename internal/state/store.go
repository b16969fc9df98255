package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"zher/server/internal/protocol"
)

// SendTimeout bounds how long a write to one socket queue may block.
const SendTimeout = 50 * time.Millisecond

// SendBuffer is the per-socket outbound queue capacity.
const SendBuffer = 64

// GracePeriod is how long a fully disconnected session keeps its identity
// for a reconnecting client before it is treated as gone.
const GracePeriod = 600 * time.Second

// FileOwner records which socket announced a file and what it claimed
// about it. Size is trusted as announced; the server never sees the bytes
// until a transfer streams them through.
type FileOwner struct {
	SocketID string
	Name     string
	Size     int64
}

type session struct {
	user           protocol.User
	sockets        map[string]struct{}
	disconnectedAt time.Time // zero while at least one socket is attached
}

type socketEntry struct {
	sessionKey string
	roomCode   string
	send       chan protocol.Envelope
}

// AttachKind says what one socket attachment meant for room presence.
type AttachKind int

const (
	// AttachNew created a brand new session; peers get user-joined.
	AttachNew AttachKind = iota
	// AttachRevived reclaimed a session inside the grace period. The
	// departure already happened from the peers' point of view, so they
	// only get a roster refresh, never a second user-joined.
	AttachRevived
	// AttachExtra added a socket to an already live session (another tab
	// or window); invisible to peers.
	AttachExtra
)

func (k AttachKind) String() string {
	switch k {
	case AttachNew:
		return "new"
	case AttachRevived:
		return "revived"
	default:
		return "extra"
	}
}

// Attachment is the result of admitting one socket into the room.
type Attachment struct {
	Kind  AttachKind
	User  protocol.User
	Users []protocol.User // roster snapshot taken at attach time, self included
	Send  chan protocol.Envelope
}

// Stats is a point-in-time census of the store's tables.
type Stats struct {
	Sockets   int
	Sessions  int
	Files     int
	Transfers int
}

// Store is the in-memory room state: sessions, their live sockets, announced
// files, pending transfer rendezvous and the admission settings. All methods
// are safe for concurrent use. Critical sections are short; no lock is ever
// held across a queue send or network write.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	sockets   map[string]*socketEntry
	files     map[string]FileOwner
	transfers map[string]*Transfer

	roomCodeEnabled bool
	roomCode        string

	serverURL string
	now       func() time.Time
}

// NewStore returns an empty store. serverURL is the base URL peers should
// use to reach this instance; it rides along in every welcome payload.
func NewStore(serverURL string) *Store {
	return &Store{
		sessions:  make(map[string]*session),
		sockets:   make(map[string]*socketEntry),
		files:     make(map[string]FileOwner),
		transfers: make(map[string]*Transfer),
		serverURL: serverURL,
		now:       time.Now,
	}
}

// ServerURL returns the externally reachable base URL advertised to clients.
func (s *Store) ServerURL() string {
	return s.serverURL
}

// AttachSocket binds a socket to the session for sessionKey, creating the
// session from fresh when the key is unknown or expired. The returned send
// queue is owned by the store and closed by DetachSocket; the fresh profile
// is only consulted on the AttachNew path, with its name deduplicated under
// the same critical section that installs it.
func (s *Store) AttachSocket(sessionKey, socketID, roomCode string, fresh protocol.User) Attachment {
	send := make(chan protocol.Envelope, SendBuffer)

	s.mu.Lock()
	sess, ok := s.sessions[sessionKey]
	if ok && !sess.disconnectedAt.IsZero() && s.now().Sub(sess.disconnectedAt) > GracePeriod {
		delete(s.sessions, sessionKey)
		ok = false
	}

	kind := AttachExtra
	if !ok {
		if s.nameTakenLocked(fresh.Name, fresh.ID) {
			fresh.Name += "1"
		}
		sess = &session{user: fresh, sockets: make(map[string]struct{})}
		s.sessions[sessionKey] = sess
		kind = AttachNew
	} else if len(sess.sockets) == 0 {
		kind = AttachRevived
	}
	sess.sockets[socketID] = struct{}{}
	sess.disconnectedAt = time.Time{}
	s.sockets[socketID] = &socketEntry{sessionKey: sessionKey, roomCode: roomCode, send: send}

	att := Attachment{Kind: kind, User: sess.user, Users: s.rosterLocked(), Send: send}
	total := len(s.sockets)
	s.mu.Unlock()

	slog.Info("socket attached", "socket_id", socketID, "user_id", att.User.ID, "kind", kind.String(), "total_sockets", total)
	return att
}

// DetachSocket removes a socket from the room. If it was the session's last
// socket the session enters the grace period and the departed user is
// reported so the caller can broadcast user-left. Files announced by this
// socket are forgotten either way; a transfer already signalled for them
// will see the uploader never arrive and be swept later.
func (s *Store) DetachSocket(socketID string) (protocol.User, bool) {
	s.mu.Lock()
	e, ok := s.sockets[socketID]
	if !ok {
		s.mu.Unlock()
		return protocol.User{}, false
	}
	delete(s.sockets, socketID)
	close(e.send)

	dropped := 0
	for id, f := range s.files {
		if f.SocketID == socketID {
			delete(s.files, id)
			dropped++
		}
	}

	var user protocol.User
	last := false
	if sess, ok := s.sessions[e.sessionKey]; ok {
		delete(sess.sockets, socketID)
		if len(sess.sockets) == 0 {
			sess.disconnectedAt = s.now()
			user = sess.user
			last = true
		}
	}
	s.mu.Unlock()

	slog.Info("socket detached", "socket_id", socketID, "last_of_session", last, "files_dropped", dropped)
	return user, last
}

// RenameUser applies a display name change for the session behind socketID.
// If another live session already bears the name, "1" is appended. Returns
// the final name and a roster snapshot for the update-user-list broadcast.
func (s *Store) RenameUser(socketID, name string) (string, []protocol.User, bool) {
	s.mu.Lock()
	e, ok := s.sockets[socketID]
	if !ok {
		s.mu.Unlock()
		return "", nil, false
	}
	sess, ok := s.sessions[e.sessionKey]
	if !ok {
		s.mu.Unlock()
		return "", nil, false
	}

	final := name
	if s.nameTakenLocked(name, sess.user.ID) {
		final = name + "1"
	}
	userID := sess.user.ID
	old := sess.user.Name
	sess.user.Name = final
	users := s.rosterLocked()
	s.mu.Unlock()

	slog.Info("user renamed", "user_id", userID, "from", old, "to", final)
	return final, users, true
}

// UserBySocket returns the profile of the session behind a connected socket.
func (s *Store) UserBySocket(socketID string) (protocol.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sockets[socketID]
	if !ok {
		return protocol.User{}, false
	}
	sess, ok := s.sessions[e.sessionKey]
	if !ok {
		return protocol.User{}, false
	}
	return sess.user, true
}

// Users returns a stable ordered snapshot of users with a live session.
func (s *Store) Users() []protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rosterLocked()
}

func (s *Store) rosterLocked() []protocol.User {
	out := make([]protocol.User, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.disconnectedAt.IsZero() {
			continue
		}
		out = append(out, sess.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) nameTakenLocked(name, selfUserID string) bool {
	for _, sess := range s.sessions {
		if !sess.disconnectedAt.IsZero() {
			continue
		}
		if sess.user.ID != selfUserID && sess.user.Name == name {
			return true
		}
	}
	return false
}

// RegisterFile records socketID as the owner of fileID. Re-announcing an id
// overwrites the previous claim.
func (s *Store) RegisterFile(fileID, socketID, name string, size int64) {
	s.mu.Lock()
	s.files[fileID] = FileOwner{SocketID: socketID, Name: name, Size: size}
	total := len(s.files)
	s.mu.Unlock()

	slog.Debug("file registered", "file_id", fileID, "socket_id", socketID, "name", name, "size", size, "total_files", total)
}

// FileOwner looks up the announcement for fileID.
func (s *Store) FileOwner(fileID string) (FileOwner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[fileID]
	return f, ok
}

// PurgeExpiredSessions drops sessions whose grace period has lapsed and
// returns how many were removed. Attach does the same check lazily; this
// exists so abandoned identities do not accumulate between reconnects.
func (s *Store) PurgeExpiredSessions() int {
	now := s.now()

	s.mu.Lock()
	purged := 0
	for key, sess := range s.sessions {
		if sess.disconnectedAt.IsZero() || now.Sub(sess.disconnectedAt) <= GracePeriod {
			continue
		}
		delete(s.sessions, key)
		purged++
	}
	s.mu.Unlock()

	if purged > 0 {
		slog.Debug("expired sessions purged", "count", purged)
	}
	return purged
}

// Stats returns a snapshot of table sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Sockets:   len(s.sockets),
		Sessions:  len(s.sessions),
		Files:     len(s.files),
		Transfers: len(s.transfers),
	}
}

// Broadcast queues env for every connected socket except exceptSocketID
// (empty means everyone). Slow consumers are skipped after SendTimeout.
func (s *Store) Broadcast(env protocol.Envelope, exceptSocketID string) {
	s.mu.RLock()
	targets := make([]chan protocol.Envelope, 0, len(s.sockets))
	for id, e := range s.sockets {
		if exceptSocketID != "" && id == exceptSocketID {
			continue
		}
		targets = append(targets, e.send)
	}
	s.mu.RUnlock()

	sent := 0
	for _, ch := range targets {
		if trySend(ch, env) {
			sent++
		}
	}
	slog.Debug("broadcast", "event", env.Event, "recipients", sent, "total", len(targets))
}

// EmitTo queues env for a single socket.
func (s *Store) EmitTo(socketID string, env protocol.Envelope) bool {
	s.mu.RLock()
	e, ok := s.sockets[socketID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return trySend(e.send, env)
}

func trySend(ch chan protocol.Envelope, env protocol.Envelope) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- env:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "event", env.Event)
		return false
	}
}
