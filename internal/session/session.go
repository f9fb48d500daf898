package session

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mootikins/crucible/internal/logging"
)

// DefaultOrphanTimeout bounds how long a session with no participants
// lingers before it materializes and tears down.
const DefaultOrphanTimeout = 5 * time.Minute

// DefaultSnapshotInterval paces CRDT snapshots to the side store.
const DefaultSnapshotInterval = 30 * time.Second

// Materializer writes a session's resolved text back to its Markdown file
// when the session ends.
type Materializer func(ctx context.Context, notePath, content string) error

// Manager hosts the live sessions of one kiln.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	snapshotDir string
	materialize Materializer
	log         *logging.Logger
	upgrader    websocket.Upgrader

	orphanTimeout    time.Duration
	snapshotInterval time.Duration
	stop             chan struct{}
	stopOnce         sync.Once
}

// Session is one live co-editing room.
type Session struct {
	ID       string
	NotePath string

	mu           sync.Mutex
	doc          *Doc
	participants map[*websocket.Conn]string
	emptySince   time.Time
	everJoined   bool

	// writeMu serializes WriteMessage calls across reader goroutines.
	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithOrphanTimeout bounds how long an empty session lingers.
func WithOrphanTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.orphanTimeout = d
		}
	}
}

// WithSnapshotInterval paces CRDT snapshots.
func WithSnapshotInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.snapshotInterval = d
		}
	}
}

// NewManager creates a Manager snapshotting into snapshotDir.
func NewManager(snapshotDir string, materialize Materializer, log *logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		sessions:         make(map[string]*Session),
		snapshotDir:      snapshotDir,
		materialize:      materialize,
		log:              log,
		orphanTimeout:    DefaultOrphanTimeout,
		snapshotInterval: DefaultSnapshotInterval,
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Peers connect from their own hosts; the bearer token is the gate.
	m.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	go m.janitor()
	return m
}

// Close stops background maintenance; open sessions materialize.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}
}

// Open creates a session for a note, seeding the document with its current
// text.
func (m *Manager) Open(notePath, seedText string) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		NotePath:     notePath,
		doc:          SeedDoc("host", seedText),
		participants: make(map[*websocket.Conn]string),
		emptySince:   time.Now(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get looks a session up by id.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// HandleCreate opens a session over HTTP: body {"note_path", "seed_text"}.
func (m *Manager) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NotePath string `json:"note_path"`
		SeedText string `json:"seed_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NotePath == "" {
		http.Error(w, "invalid session request", http.StatusBadRequest)
		return
	}

	s := m.Open(req.NotePath, req.SeedText)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": s.ID, "note_path": s.NotePath})
}

// HandleWS joins a session over a WebSocket. Frames are opaque CRDT op
// blobs, relayed to every other participant and applied to the session
// document.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	s := m.Get(chi.URLParam(r, "id"))
	if s == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	peer := r.URL.Query().Get("peer")
	if peer == "" {
		peer = uuid.NewString()
	}

	s.join(conn, peer)
	defer func() {
		empty := s.leave(conn)
		conn.Close()
		if empty {
			m.teardown(s)
		}
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		var op Op
		if err := json.Unmarshal(payload, &op); err != nil {
			m.log.Warnf("session %s: dropping malformed op: %v", s.ID, err)
			continue
		}

		s.apply(op)
		s.broadcast(conn, payload)
	}
}

// janitor snapshots live sessions and reaps orphaned ones.
func (m *Manager) janitor() {
	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			sessions := make([]*Session, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mu.Unlock()

			for _, s := range sessions {
				m.snapshot(s)
				if s.orphaned(m.orphanTimeout) {
					m.teardown(s)
				}
			}
		}
	}
}

// snapshot writes CRDT state to the side store, never into the note.
func (m *Manager) snapshot(s *Session) {
	data, err := s.doc.Snapshot()
	if err != nil {
		m.log.Warnf("session %s: snapshot failed: %v", s.ID, err)
		return
	}
	path := filepath.Join(m.snapshotDir, s.ID+".crdt")
	if err := os.WriteFile(path, data, 0600); err != nil {
		m.log.Warnf("session %s: snapshot write failed: %v", s.ID, err)
	}
}

// teardown materializes the resolved text and removes the session.
func (m *Manager) teardown(s *Session) {
	m.mu.Lock()
	if _, live := m.sessions[s.ID]; !live {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	s.closeAll()

	if m.materialize != nil {
		if err := m.materialize(context.Background(), s.NotePath, s.doc.Text()); err != nil {
			m.log.Errorf("session %s: materialize failed: %v", s.ID, err)
		}
	}

	os.Remove(filepath.Join(m.snapshotDir, s.ID+".crdt"))
}

// join registers a participant.
func (s *Session) join(conn *websocket.Conn, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[conn] = peer
	s.everJoined = true
}

// leave removes a participant, reporting whether the room emptied.
func (s *Session) leave(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, conn)
	if len(s.participants) == 0 {
		s.emptySince = time.Now()
		return s.everJoined
	}
	return false
}

// apply integrates an op into the session document.
func (s *Session) apply(op Op) {
	s.doc.Apply(op)
}

// broadcast relays a frame to every participant except the sender.
func (s *Session) broadcast(from *websocket.Conn, payload []byte) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.participants))
	for conn := range s.participants {
		if conn != from {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			// The read loop notices the broken connection and leaves.
			continue
		}
	}
}

// closeAll disconnects every participant.
func (s *Session) closeAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.participants))
	for conn := range s.participants {
		conns = append(conns, conn)
	}
	s.participants = make(map[*websocket.Conn]string)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// orphaned reports whether the session has sat empty past the timeout.
func (s *Session) orphaned(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0 && time.Since(s.emptySince) > timeout
}

// Text returns the session's current resolved text.
func (s *Session) Text() string {
	return s.doc.Text()
}
