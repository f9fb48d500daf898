// Package session hosts live co-editing sessions: a replicated-growable-array
// text CRDT per note, relayed between participants over WebSocket. CRDT state
// lives in memory with periodic snapshots to the private side-store and is
// never written into Markdown files; closing a session materializes plain
// text back to the note.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ID identifies one inserted element. The zero ID is the document head.
type ID struct {
	Peer    string `json:"peer"`
	Counter uint64 `json:"counter"`
}

// IsHead reports whether the ID is the head sentinel.
func (id ID) IsHead() bool {
	return id.Peer == "" && id.Counter == 0
}

// less orders concurrent inserts after the same predecessor: higher counters
// first, peer name as the tiebreak, identically on every replica.
func (id ID) less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Peer < other.Peer
}

// OpKind is the CRDT operation type.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is one replicated edit. Ops commute: applying a set of ops in any order
// yields the same document on every replica.
type Op struct {
	Kind  OpKind `json:"kind"`
	ID    ID     `json:"id"`
	After ID     `json:"after,omitempty"` // Insert predecessor
	Value string `json:"value,omitempty"` // Inserted text, one rune
}

// elem is one slot in the sequence. Deleted slots stay as invisible
// tombstones so later inserts keep their anchors.
type elem struct {
	ID      ID     `json:"id"`
	Value   string `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Doc is an RGA sequence CRDT over runes.
type Doc struct {
	mu      sync.Mutex
	peer    string
	counter uint64
	elems   []elem
	index   map[ID]int
	// pending holds ops whose causal predecessor has not arrived yet.
	pending []Op
}

// NewDoc creates an empty document owned by a peer.
func NewDoc(peer string) *Doc {
	return &Doc{peer: peer, index: make(map[ID]int)}
}

// SeedDoc creates a document pre-populated with text, attributed to a
// deterministic seed peer so every participant derives identical state.
func SeedDoc(peer, text string) *Doc {
	doc := NewDoc(peer)
	after := ID{}
	counter := uint64(0)
	for _, r := range text {
		counter++
		id := ID{Peer: "seed", Counter: counter}
		doc.applyInsert(Op{Kind: OpInsert, ID: id, After: after, Value: string(r)})
		after = id
	}
	return doc
}

// LocalInsert inserts text at a visible rune position, returning the ops to
// broadcast.
func (d *Doc) LocalInsert(pos int, text string) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	after := d.idAtVisible(pos - 1)
	var ops []Op
	for _, r := range text {
		d.counter++
		op := Op{
			Kind:  OpInsert,
			ID:    ID{Peer: d.peer, Counter: d.counter},
			After: after,
			Value: string(r),
		}
		d.applyInsert(op)
		ops = append(ops, op)
		after = op.ID
	}
	return ops
}

// LocalDelete removes n visible runes starting at pos, returning the ops to
// broadcast.
func (d *Doc) LocalDelete(pos, n int) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []Op
	for i := 0; i < n; i++ {
		id := d.idAtVisible(pos)
		if id.IsHead() {
			break
		}
		op := Op{Kind: OpDelete, ID: id}
		d.applyDelete(op)
		ops = append(ops, op)
	}
	return ops
}

// Apply integrates a remote op. Idempotent; out-of-order ops buffer until
// their predecessor arrives.
func (d *Doc) Apply(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.applyLocked(op)

	// Retry buffered ops until none make progress.
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, p := range d.pending {
			if d.ready(p) {
				d.applyReady(p)
				progressed = true
			} else {
				remaining = append(remaining, p)
			}
		}
		d.pending = remaining
		if !progressed {
			return
		}
	}
}

func (d *Doc) applyLocked(op Op) {
	if d.ready(op) {
		d.applyReady(op)
		return
	}
	d.pending = append(d.pending, op)
}

// ready reports whether an op's dependencies are present.
func (d *Doc) ready(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if op.After.IsHead() {
			return true
		}
		_, ok := d.index[op.After]
		return ok
	case OpDelete:
		_, ok := d.index[op.ID]
		return ok
	}
	return false
}

func (d *Doc) applyReady(op Op) {
	switch op.Kind {
	case OpInsert:
		d.applyInsert(op)
	case OpDelete:
		d.applyDelete(op)
	}
}

// applyInsert places the element after its predecessor, skipping concurrent
// inserts with higher IDs so all replicas order them identically.
func (d *Doc) applyInsert(op Op) {
	if _, exists := d.index[op.ID]; exists {
		return
	}

	insertAt := 0
	if !op.After.IsHead() {
		predIdx, ok := d.index[op.After]
		if !ok {
			d.pending = append(d.pending, op)
			return
		}
		insertAt = predIdx + 1
	}

	for insertAt < len(d.elems) && op.ID.less(d.elems[insertAt].ID) {
		insertAt++
	}

	d.elems = append(d.elems, elem{})
	copy(d.elems[insertAt+1:], d.elems[insertAt:])
	d.elems[insertAt] = elem{ID: op.ID, Value: op.Value}
	d.reindexFrom(insertAt)

	// Lamport update: local counters stay ahead of everything observed, so
	// newer inserts always order before older neighbors during the skip scan.
	if op.ID.Counter > d.counter {
		d.counter = op.ID.Counter
	}
}

// applyDelete tombstones an element; deleting twice is a no-op.
func (d *Doc) applyDelete(op Op) {
	idx, ok := d.index[op.ID]
	if !ok {
		d.pending = append(d.pending, op)
		return
	}
	d.elems[idx].Deleted = true
}

// reindexFrom rebuilds the position index from a slot onward.
func (d *Doc) reindexFrom(start int) {
	for i := start; i < len(d.elems); i++ {
		d.index[d.elems[i].ID] = i
	}
}

// idAtVisible returns the ID of the visible rune at pos, or the head
// sentinel when pos is before the start.
func (d *Doc) idAtVisible(pos int) ID {
	if pos < 0 {
		return ID{}
	}
	seen := -1
	for _, e := range d.elems {
		if e.Deleted {
			continue
		}
		seen++
		if seen == pos {
			return e.ID
		}
	}
	if len(d.elems) > 0 {
		// Past the end: anchor to the last element, tombstoned or not.
		return d.elems[len(d.elems)-1].ID
	}
	return ID{}
}

// Text renders the visible document.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []byte
	for _, e := range d.elems {
		if !e.Deleted {
			out = append(out, e.Value...)
		}
	}
	return string(out)
}

// Snapshot serializes the full CRDT state as opaque bytes for the side
// store.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := json.Marshal(struct {
		Elems   []elem `json:"elems"`
		Counter uint64 `json:"counter"`
	}{d.elems, d.counter})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot document: %w", err)
	}
	return data, nil
}

// LoadSnapshot restores CRDT state from Snapshot bytes.
func LoadSnapshot(peer string, data []byte) (*Doc, error) {
	var state struct {
		Elems   []elem `json:"elems"`
		Counter uint64 `json:"counter"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	doc := NewDoc(peer)
	doc.elems = state.Elems
	doc.counter = state.Counter
	doc.index = make(map[ID]int, len(state.Elems))
	doc.reindexFrom(0)
	return doc, nil
}
