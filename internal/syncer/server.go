package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mootikins/crucible/internal/blockstore"
	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/graph"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/session"
)

// Server exposes the sync HTTP surface. Every endpoint requires the shared
// bearer token.
type Server struct {
	graph    *graph.Store
	blocks   *blockstore.Store
	state    *State
	sessions *session.Manager
	token    string
	log      *logging.Logger
}

// NewServer wires the sync endpoints. The session manager may be nil when
// live sessions are disabled.
func NewServer(g *graph.Store, b *blockstore.Store, st *State, sessions *session.Manager, token string, log *logging.Logger) *Server {
	return &Server{graph: g, blocks: b, state: st, sessions: sessions, token: token, log: log}
}

// Router builds the chi router with bearer-token middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)

	r.Post("/api/sync/inventory", s.handleInventory)
	r.Get("/api/sync/block/{hash}", s.handleGetBlock)
	r.Post("/api/sync/block", s.handlePostBlock)
	r.Get("/api/sync/tree/{root}", s.handleGetTree)
	r.Post("/api/sync/tree", s.handlePostTree)

	if s.sessions != nil {
		r.Get("/api/sessions/{id}/ws", s.sessions.HandleWS)
		r.Post("/api/sessions", s.sessions.HandleCreate)
	}

	return r
}

// authenticate enforces the bearer token on every request.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != s.token || s.token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleInventory answers with this peer's inventory plus the request paths
// it lacks entirely.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	var req InventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid inventory payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	local, err := BuildInventory(ctx, s.graph, s.state)
	if err != nil {
		s.log.Errorf("inventory build failed: %v", err)
		http.Error(w, "inventory failed", http.StatusInternalServerError)
		return
	}

	known := make(map[string]bool, len(local))
	for _, entry := range local {
		known[entry.Path] = true
	}
	missing := []string{}
	for _, entry := range req.Entries {
		if !known[entry.Path] {
			missing = append(missing, entry.Path)
		}
	}

	peerID, err := s.state.PeerID(ctx)
	if err != nil {
		http.Error(w, "peer identity failed", http.StatusInternalServerError)
		return
	}
	if req.PeerID != "" {
		if err := s.state.RecordPeer(ctx, req.PeerID, r.RemoteAddr); err != nil {
			s.log.Warnf("failed to record peer %s: %v", req.PeerID, err)
		}
	}

	writeJSON(w, InventoryResponse{PeerID: peerID, Entries: local, Missing: missing})
}

// handleGetBlock serves one block by hash.
func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	h, err := domain.ParseHash(chi.URLParam(r, "hash"))
	if err != nil {
		http.Error(w, "invalid hash", http.StatusBadRequest)
		return
	}

	block, err := s.blocks.GetBlock(r.Context(), h)
	if err != nil {
		http.Error(w, "block lookup failed", http.StatusInternalServerError)
		return
	}
	if block == nil {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}

	writeJSON(w, fromBlock(block))
}

// handlePostBlock stores one block and echoes its hash.
func (s *Server) handlePostBlock(w http.ResponseWriter, r *http.Request) {
	var payload BlockPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid block payload", http.StatusBadRequest)
		return
	}

	h, err := s.blocks.PutBlock(r.Context(), payload.toBlock())
	if err != nil {
		http.Error(w, "block store failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"hash": h.String()})
}

// handleGetTree serves a root's ordered hash list.
func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	root, err := domain.ParseHash(chi.URLParam(r, "root"))
	if err != nil {
		http.Error(w, "invalid root hash", http.StatusBadRequest)
		return
	}

	hashes, err := s.blocks.GetTree(r.Context(), root)
	if err != nil {
		http.Error(w, "tree lookup failed", http.StatusInternalServerError)
		return
	}
	if hashes == nil {
		http.Error(w, "tree not found", http.StatusNotFound)
		return
	}

	writeJSON(w, TreePayload{RootHash: root, OrderedBlockHashes: hashes})
}

// handlePostTree persists an ordered hash list under a root.
func (s *Server) handlePostTree(w http.ResponseWriter, r *http.Request) {
	var payload TreePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid tree payload", http.StatusBadRequest)
		return
	}

	if err := s.blocks.PutTree(r.Context(), payload.RootHash, payload.OrderedBlockHashes); err != nil {
		var storageErr *domain.StorageError
		if ok := asStorageError(err, &storageErr); ok && !storageErr.Transient {
			http.Error(w, storageErr.Reason, http.StatusConflict)
			return
		}
		http.Error(w, "tree store failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}

func asStorageError(err error, target **domain.StorageError) bool {
	for err != nil {
		if se, ok := err.(*domain.StorageError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// BuildInventory assembles this kiln's inventory from the graph store and
// sync state.
func BuildInventory(ctx context.Context, g *graph.Store, st *State) ([]InventoryEntry, error) {
	summaries, err := g.ListNotes(ctx, "", true)
	if err != nil {
		return nil, err
	}

	entries := make([]InventoryEntry, 0, len(summaries))
	for _, summary := range summaries {
		note, err := g.GetNoteByPath(ctx, summary.Path)
		if err != nil {
			return nil, err
		}
		if note == nil {
			continue
		}
		clock, err := st.Clock(ctx, summary.Path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, InventoryEntry{
			Path:        note.Path,
			Root:        note.MerkleRoot,
			ContentHash: note.ContentHash,
			ModifiedAt:  note.ModifiedAt,
			Clock:       clock,
		})
	}

	tombstones, err := st.Tombstones(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tombstones {
		entries = append(entries, InventoryEntry{
			Path:       t.Path,
			ModifiedAt: t.DeletedAt,
			Clock:      t.Clock,
			Deleted:    true,
		})
	}
	return entries, nil
}
