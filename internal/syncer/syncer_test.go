package syncer_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mootikins/crucible/internal/config"
	"github.com/mootikins/crucible/internal/engine"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/syncer"
)

const token = "shared-secret"

type peer struct {
	engine *engine.Engine
	kiln   string
	server *httptest.Server
}

func newPeer(t *testing.T) *peer {
	t.Helper()

	kiln := t.TempDir()
	cfg := config.Default()
	cfg.Kiln.Path = kiln
	cfg.Sync.AuthToken = token

	e, err := engine.New(cfg, logging.Nop(), engine.Options{Debounce: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	e.Start(context.Background())

	server := httptest.NewServer(e.SyncServer().Router())
	t.Cleanup(server.Close)

	return &peer{engine: e, kiln: kiln, server: server}
}

func (p *peer) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(p.kiln, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (p *peer) settle(t *testing.T) {
	t.Helper()
	time.Sleep(150 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.engine.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := p.engine.Drain(ctx); err != nil {
		t.Fatal(err)
	}
}

// syncTo runs one round from p against target's server.
func (p *peer) syncTo(t *testing.T, target *peer) {
	t.Helper()
	client := syncer.NewClient(target.server.URL, token)
	sync := syncer.NewSyncer(p.kiln, p.engine.Graph(), p.engine.Blocks(), p.engine.SyncState(), p.engine, logging.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sync.SyncWith(ctx, client); err != nil {
		t.Fatalf("SyncWith() error = %v", err)
	}
}

func inventoryOf(t *testing.T, p *peer) map[string]syncer.InventoryEntry {
	t.Helper()
	entries, err := syncer.BuildInventory(context.Background(), p.engine.Graph(), p.engine.SyncState())
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]syncer.InventoryEntry, len(entries))
	for _, e := range entries {
		if !e.Deleted {
			out[e.Path] = e
		}
	}
	return out
}

func assertConverged(t *testing.T, a, b *peer) {
	t.Helper()
	invA := inventoryOf(t, a)
	invB := inventoryOf(t, b)

	if len(invA) != len(invB) {
		t.Fatalf("inventories differ in size: %d vs %d", len(invA), len(invB))
	}
	for path, ea := range invA {
		eb, ok := invB[path]
		if !ok {
			t.Fatalf("peer B lacks %s", path)
		}
		if ea.Root != eb.Root {
			t.Errorf("roots differ for %s: %s vs %s", path, ea.Root, eb.Root)
		}
		if ea.ContentHash != eb.ContentHash {
			t.Errorf("content hashes differ for %s", path)
		}
	}
}

func TestSync_CopyMissingNotes(t *testing.T) {
	a := newPeer(t)
	b := newPeer(t)

	a.write(t, "only-a.md", "# Only A\n\ncontent from a\n")
	a.settle(t)
	b.write(t, "only-b.md", "# Only B\n\ncontent from b\n")
	b.settle(t)

	a.syncTo(t, b) // A pulls only-b and seeds only-a.
	a.settle(t)
	b.syncTo(t, a) // B pulls only-a.
	b.settle(t)

	assertConverged(t, a, b)

	data, err := os.ReadFile(filepath.Join(b.kiln, "only-a.md"))
	if err != nil {
		t.Fatalf("synced file missing on B: %v", err)
	}
	if string(data) != "# Only A\n\ncontent from a\n" {
		t.Errorf("synced content = %q", data)
	}
}

func TestSync_SequentialEditPropagates(t *testing.T) {
	a := newPeer(t)
	b := newPeer(t)

	a.write(t, "note.md", "# V1\n")
	a.settle(t)
	a.syncTo(t, b)
	a.settle(t)
	b.syncTo(t, a)
	b.settle(t)
	assertConverged(t, a, b)

	// A edits after sync: A's clock dominates, so B adopts without conflict.
	a.write(t, "note.md", "# V2\n\nmore text\n")
	a.settle(t)

	b.syncTo(t, a)
	b.settle(t)

	data, err := os.ReadFile(filepath.Join(b.kiln, "note.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# V2\n\nmore text\n" {
		t.Errorf("B's file = %q, want A's edit", data)
	}
	assertConverged(t, a, b)
}

func TestSync_ConcurrentConflictLWW(t *testing.T) {
	a := newPeer(t)
	b := newPeer(t)

	base := "# Note\n\nshared paragraph\n"
	a.write(t, "note.md", base)
	a.settle(t)
	a.syncTo(t, b)
	a.settle(t)
	b.syncTo(t, a)
	b.settle(t)

	// Concurrent divergent edits; B's is later.
	a.write(t, "note.md", "# Note\n\nedit from a\n")
	a.settle(t)
	time.Sleep(1100 * time.Millisecond) // File mtimes order the conflict.
	b.write(t, "note.md", "# Note\n\nedit from b\n")
	b.settle(t)

	a.syncTo(t, b)
	a.settle(t)
	b.syncTo(t, a)
	b.settle(t)

	dataA, err := os.ReadFile(filepath.Join(a.kiln, "note.md"))
	if err != nil {
		t.Fatal(err)
	}
	dataB, err := os.ReadFile(filepath.Join(b.kiln, "note.md"))
	if err != nil {
		t.Fatal(err)
	}

	if string(dataA) != string(dataB) {
		t.Fatalf("peers diverged: %q vs %q", dataA, dataB)
	}
	if string(dataA) != "# Note\n\nedit from b\n" {
		t.Errorf("content = %q, want the later edit to win", dataA)
	}
	assertConverged(t, a, b)
}

func TestSync_Idempotent(t *testing.T) {
	a := newPeer(t)
	b := newPeer(t)

	a.write(t, "note.md", "# Stable\n")
	a.settle(t)
	a.syncTo(t, b)
	a.settle(t)
	b.syncTo(t, a)
	b.settle(t)

	rootBefore := inventoryOf(t, a)["note.md"].Root

	// Further rounds with unchanged state change nothing.
	a.syncTo(t, b)
	a.settle(t)
	b.syncTo(t, a)
	b.settle(t)

	rootAfter := inventoryOf(t, a)["note.md"].Root
	if rootBefore != rootAfter {
		t.Errorf("root changed on a no-op sync: %s -> %s", rootBefore, rootAfter)
	}
	assertConverged(t, a, b)
}

func TestSync_DeletionPropagates(t *testing.T) {
	a := newPeer(t)
	b := newPeer(t)

	a.write(t, "doomed.md", "# Doomed\n")
	a.settle(t)
	a.syncTo(t, b)
	a.settle(t)
	b.syncTo(t, a)
	b.settle(t)

	// A deletes; the tombstone dominates B's copy.
	if err := os.Remove(filepath.Join(a.kiln, "doomed.md")); err != nil {
		t.Fatal(err)
	}
	a.settle(t)

	b.syncTo(t, a)
	b.settle(t)

	if _, err := os.Stat(filepath.Join(b.kiln, "doomed.md")); !os.IsNotExist(err) {
		t.Error("deletion did not propagate to B's kiln")
	}
	note, err := b.engine.Graph().GetNoteByPath(context.Background(), "doomed.md")
	if err != nil {
		t.Fatal(err)
	}
	if note != nil {
		t.Error("deleted note still in B's graph store")
	}
}

func TestSync_AuthFailureIsFatal(t *testing.T) {
	a := newPeer(t)
	b := newPeer(t)

	a.write(t, "note.md", "# N\n")
	a.settle(t)

	client := syncer.NewClient(b.server.URL, "wrong-token")
	sync := syncer.NewSyncer(a.kiln, a.engine.Graph(), a.engine.Blocks(), a.engine.SyncState(), a.engine, logging.Nop())

	err := sync.SyncWith(context.Background(), client)
	if err == nil {
		t.Fatal("sync with a bad token should fail")
	}
}
