package session

import (
	"math/rand"
	"testing"
)

func TestDoc_LocalEditing(t *testing.T) {
	doc := NewDoc("a")

	doc.LocalInsert(0, "hello")
	if got := doc.Text(); got != "hello" {
		t.Fatalf("Text() = %q, want hello", got)
	}

	doc.LocalInsert(5, " world")
	if got := doc.Text(); got != "hello world" {
		t.Fatalf("Text() = %q, want hello world", got)
	}

	doc.LocalDelete(0, 6)
	if got := doc.Text(); got != "world" {
		t.Fatalf("Text() = %q, want world", got)
	}

	doc.LocalInsert(2, "!")
	if got := doc.Text(); got != "wo!rld" {
		t.Fatalf("Text() = %q, want wo!rld", got)
	}
}

func TestDoc_SeedSharedState(t *testing.T) {
	a := SeedDoc("a", "base text")
	b := SeedDoc("b", "base text")

	if a.Text() != b.Text() {
		t.Fatalf("seeded docs differ: %q vs %q", a.Text(), b.Text())
	}

	// Edits against the shared seed converge.
	ops := a.LocalInsert(4, " new")
	for _, op := range ops {
		b.Apply(op)
	}
	if a.Text() != b.Text() {
		t.Errorf("after replay: %q vs %q", a.Text(), b.Text())
	}
}

func TestDoc_ConcurrentInsertsConverge(t *testing.T) {
	a := SeedDoc("a", "ab")
	b := SeedDoc("b", "ab")

	opsA := a.LocalInsert(1, "X")
	opsB := b.LocalInsert(1, "Y")

	for _, op := range opsB {
		a.Apply(op)
	}
	for _, op := range opsA {
		b.Apply(op)
	}

	if a.Text() != b.Text() {
		t.Errorf("concurrent inserts diverged: %q vs %q", a.Text(), b.Text())
	}
}

func TestDoc_ApplyIsIdempotent(t *testing.T) {
	a := NewDoc("a")
	ops := a.LocalInsert(0, "abc")

	b := NewDoc("b")
	for _, op := range ops {
		b.Apply(op)
		b.Apply(op)
	}
	if b.Text() != "abc" {
		t.Errorf("double apply produced %q", b.Text())
	}

	del := a.LocalDelete(1, 1)
	for _, op := range del {
		b.Apply(op)
		b.Apply(op)
	}
	if b.Text() != "ac" {
		t.Errorf("double delete produced %q", b.Text())
	}
}

func TestDoc_OutOfOrderDelivery(t *testing.T) {
	a := NewDoc("a")
	ops := a.LocalInsert(0, "abcdef")

	b := NewDoc("b")
	// Deliver in reverse: every op's predecessor arrives after it.
	for i := len(ops) - 1; i >= 0; i-- {
		b.Apply(ops[i])
	}
	if b.Text() != "abcdef" {
		t.Errorf("out-of-order delivery produced %q", b.Text())
	}
}

func TestDoc_RandomOrderConvergence(t *testing.T) {
	a := SeedDoc("a", "0123456789")
	b := SeedDoc("b", "0123456789")
	c := SeedDoc("c", "0123456789")

	var all []Op
	all = append(all, a.LocalInsert(3, "AAA")...)
	all = append(all, a.LocalDelete(0, 2)...)
	all = append(all, b.LocalInsert(9, "B")...)
	all = append(all, b.LocalDelete(5, 1)...)

	rng := rand.New(rand.NewSource(42))
	deliver := func(doc *Doc, ops []Op) {
		shuffled := make([]Op, len(ops))
		copy(shuffled, ops)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		for _, op := range shuffled {
			doc.Apply(op)
		}
	}

	// a and b exchange their ops; c receives everything from scratch.
	deliver(a, all)
	deliver(b, all)
	deliver(c, all)

	if a.Text() != b.Text() || b.Text() != c.Text() {
		t.Errorf("replicas diverged:\n a=%q\n b=%q\n c=%q", a.Text(), b.Text(), c.Text())
	}
}

func TestDoc_SnapshotRoundTrip(t *testing.T) {
	a := NewDoc("a")
	a.LocalInsert(0, "persistent text")
	a.LocalDelete(0, 4)

	data, err := a.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	restored, err := LoadSnapshot("a", data)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if restored.Text() != a.Text() {
		t.Errorf("restored text = %q, want %q", restored.Text(), a.Text())
	}

	// The restored doc keeps editing from where it left off.
	restored.LocalInsert(0, ">")
	if restored.Text() != ">"+a.Text() {
		t.Errorf("restored doc edit = %q", restored.Text())
	}
}
