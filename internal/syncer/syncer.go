package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mootikins/crucible/internal/blockstore"
	"github.com/mootikins/crucible/internal/domain"
	"github.com/mootikins/crucible/internal/graph"
	"github.com/mootikins/crucible/internal/hash"
	"github.com/mootikins/crucible/internal/logging"
	"github.com/mootikins/crucible/internal/merkle"
)

// Applier is the engine hook the syncer drives write-backs through: Index
// replays a path through the normal pipeline sinks, Remove purges one.
type Applier interface {
	Index(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// Syncer runs batch sync rounds against a peer.
type Syncer struct {
	kilnRoot string
	graph    *graph.Store
	blocks   *blockstore.Store
	state    *State
	applier  Applier
	hasher   *hash.Hasher
	log      *logging.Logger
}

// NewSyncer wires a Syncer.
func NewSyncer(kilnRoot string, g *graph.Store, b *blockstore.Store, st *State, applier Applier, log *logging.Logger) *Syncer {
	return &Syncer{
		kilnRoot: kilnRoot,
		graph:    g,
		blocks:   b,
		state:    st,
		applier:  applier,
		hasher:   hash.Default(),
		log:      log,
	}
}

// SyncWith runs one full round against a peer: inventory exchange, per-note
// resolution, block transfer, and local write-back. Convergence of both
// kilns takes one round in each direction. Rounds are interruptible between
// notes, never within a note's application.
func (s *Syncer) SyncWith(ctx context.Context, client *Client) error {
	peerID, err := s.state.PeerID(ctx)
	if err != nil {
		return err
	}

	local, err := BuildInventory(ctx, s.graph, s.state)
	if err != nil {
		return err
	}

	resp, err := client.Inventory(ctx, InventoryRequest{PeerID: peerID, Entries: local})
	if err != nil {
		return err
	}

	localByPath := make(map[string]InventoryEntry, len(local))
	for _, entry := range local {
		localByPath[entry.Path] = entry
	}

	for _, remote := range resp.Entries {
		if err := ctx.Err(); err != nil {
			return &domain.SyncError{Peer: client.baseURL, Reason: "sync cancelled", Err: err}
		}

		mine, exists := localByPath[remote.Path]
		if !exists {
			// Never seen here: adopt whatever the peer has.
			if remote.Deleted {
				if err := s.state.setClock(ctx, remote.Path, remote.Clock, "", true, remote.ModifiedAt); err != nil {
					return err
				}
				continue
			}
			if err := s.pull(ctx, client, remote); err != nil {
				return err
			}
			continue
		}

		if err := s.resolve(ctx, client, mine, remote); err != nil {
			return err
		}
	}

	// Paths the peer lacks entirely: seed its block store so its next round
	// is a pure materialization.
	for _, path := range resp.Missing {
		if err := ctx.Err(); err != nil {
			return &domain.SyncError{Peer: client.baseURL, Reason: "sync cancelled", Err: err}
		}
		mine, ok := localByPath[path]
		if !ok || mine.Deleted {
			continue
		}
		if err := s.push(ctx, client, mine, nil); err != nil {
			return err
		}
	}

	if err := s.state.RecordPeer(ctx, resp.PeerID, client.baseURL); err != nil {
		s.log.Warnf("failed to record peer: %v", err)
	}
	return nil
}

// resolve converges one path present on both sides.
func (s *Syncer) resolve(ctx context.Context, client *Client, mine, remote InventoryEntry) error {
	if mine.Deleted && remote.Deleted {
		return s.state.setClock(ctx, mine.Path, mine.Clock.Merge(remote.Clock), "", true, laterOf(mine, remote))
	}

	if !mine.Deleted && !remote.Deleted && mine.Root == remote.Root {
		// Converged content; fold clocks together so neither side reports a
		// phantom conflict later.
		if mine.Clock.Compare(remote.Clock) != OrderEqual {
			return s.state.SetClock(ctx, mine.Path, mine.Clock.Merge(remote.Clock), mine.ContentHash)
		}
		return nil
	}

	switch mine.Clock.Compare(remote.Clock) {
	case OrderAfter:
		return s.applyLocalWin(ctx, client, mine, remote)
	case OrderBefore:
		return s.applyRemoteWin(ctx, client, mine, remote)
	case OrderEqual, OrderConcurrent:
		// True conflict: last write wins, at block granularity for edits and
		// whole-file for deletions.
		if remote.ModifiedAt.After(mine.ModifiedAt) {
			return s.applyRemoteWin(ctx, client, mine, remote)
		}
		return s.applyLocalWin(ctx, client, mine, remote)
	}
	return nil
}

// applyRemoteWin adopts the peer's version locally.
func (s *Syncer) applyRemoteWin(ctx context.Context, client *Client, mine, remote InventoryEntry) error {
	if remote.Deleted {
		return s.deleteLocal(ctx, mine, remote)
	}
	return s.pull(ctx, client, mergedEntry(remote, mine))
}

// applyLocalWin seeds the peer with this side's version; the peer adopts it
// on its own round.
func (s *Syncer) applyLocalWin(ctx context.Context, client *Client, mine, remote InventoryEntry) error {
	if mine.Deleted {
		return nil
	}
	var remoteHashes []domain.Hash
	if !remote.Deleted && !remote.Root.IsZero() {
		remoteHashes, _ = client.GetTree(ctx, remote.Root)
	}
	return s.push(ctx, client, mine, remoteHashes)
}

// pull transfers the blocks this side lacks, materializes the file, and
// replays it through the pipeline. Per-note atomic: the file lands via
// rename, and state advances only after a durable write.
func (s *Syncer) pull(ctx context.Context, client *Client, remote InventoryEntry) error {
	remoteHashes, err := client.GetTree(ctx, remote.Root)
	if err != nil {
		return err
	}
	// A nil list is an empty document's tree; the raw content pull below
	// still materializes the file.

	// Merkle diff against whatever this side currently stores for the path,
	// pulling only the differing positions.
	localRoot, _ := s.blocks.Owner(ctx, remote.Path)
	var localHashes []domain.Hash
	if !localRoot.IsZero() {
		localHashes, err = s.blocks.GetTree(ctx, localRoot)
		if err != nil {
			return err
		}
	}

	needed := diffHashes(s.hasher, localHashes, remoteHashes)
	for _, h := range needed {
		exists, err := s.blocks.Exists(ctx, h)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		block, err := client.GetBlock(ctx, h)
		if err != nil {
			return err
		}
		if block == nil {
			return &domain.SyncError{Peer: client.baseURL, Reason: fmt.Sprintf("peer lacks block %s", h)}
		}
		if _, err := s.blocks.PutBlock(ctx, block); err != nil {
			return err
		}
	}

	// The raw content blob materializes the file itself.
	raw, err := s.fetchRaw(ctx, client, remote.ContentHash)
	if err != nil {
		return err
	}

	if err := s.writeFile(remote.Path, []byte(raw), remote); err != nil {
		return err
	}

	if len(remoteHashes) > 0 {
		if err := s.blocks.PutTree(ctx, remote.Root, remoteHashes); err != nil {
			return err
		}
	}
	if err := s.state.SetClock(ctx, remote.Path, remote.Clock.Clone(), remote.ContentHash); err != nil {
		return err
	}

	if s.applier != nil {
		if err := s.applier.Index(ctx, remote.Path); err != nil {
			return err
		}
	}
	return nil
}

// fetchRaw pulls the note's raw bytes, trying the local store first.
func (s *Syncer) fetchRaw(ctx context.Context, client *Client, contentHash domain.Hash) (string, error) {
	if block, err := s.blocks.GetBlock(ctx, contentHash); err == nil && block != nil {
		return block.Content, nil
	}

	block, err := client.GetBlock(ctx, contentHash)
	if err != nil {
		return "", err
	}
	if block == nil {
		return "", &domain.SyncError{Reason: fmt.Sprintf("peer lacks raw content %s", contentHash)}
	}
	if s.hasher.Sum([]byte(block.Content)) != contentHash {
		return "", &domain.SyncError{Reason: fmt.Sprintf("raw content %s failed verification", contentHash)}
	}
	if _, err := s.blocks.PutBlock(ctx, block); err != nil {
		return "", err
	}
	return block.Content, nil
}

// push seeds the peer with the blocks it lacks, the raw content, and the
// tree.
func (s *Syncer) push(ctx context.Context, client *Client, mine InventoryEntry, remoteHashes []domain.Hash) error {
	localHashes, err := s.blocks.GetTree(ctx, mine.Root)
	if err != nil {
		return err
	}

	for _, h := range diffHashes(s.hasher, remoteHashes, localHashes) {
		block, err := s.blocks.GetBlock(ctx, h)
		if err != nil {
			return err
		}
		if block == nil {
			return &domain.StorageError{Op: "push", Reason: fmt.Sprintf("tree references missing block %s", h)}
		}
		if err := client.PostBlock(ctx, block); err != nil {
			return err
		}
	}

	if raw, err := s.blocks.GetBlock(ctx, mine.ContentHash); err == nil && raw != nil {
		if err := client.PostBlock(ctx, raw); err != nil {
			return err
		}
	}

	if len(localHashes) > 0 {
		if err := client.PostTree(ctx, mine.Root, localHashes); err != nil {
			return err
		}
	}
	return nil
}

// deleteLocal applies a winning remote deletion.
func (s *Syncer) deleteLocal(ctx context.Context, mine, remote InventoryEntry) error {
	// The tombstone lands first so the deletion event is not mistaken for a
	// fresh local edit.
	if err := s.state.setClock(ctx, mine.Path, mine.Clock.Merge(remote.Clock), "", true, remote.ModifiedAt); err != nil {
		return err
	}

	full := filepath.Join(s.kilnRoot, filepath.FromSlash(mine.Path))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return &domain.SyncError{Reason: fmt.Sprintf("failed to delete %s", mine.Path), Err: err}
	}

	if s.applier != nil {
		return s.applier.Remove(ctx, mine.Path)
	}
	return nil
}

// writeFile lands content atomically and stamps the winner's modification
// time so LWW stays stable across further rounds.
func (s *Syncer) writeFile(relPath string, content []byte, entry InventoryEntry) error {
	full := filepath.Join(s.kilnRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return &domain.SyncError{Reason: "failed to create folder", Err: err}
	}

	tmp := full + ".crucible-sync"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return &domain.SyncError{Reason: "failed to stage file", Err: err}
	}
	if err := os.Chtimes(tmp, entry.ModifiedAt, entry.ModifiedAt); err != nil {
		os.Remove(tmp)
		return &domain.SyncError{Reason: "failed to stamp file time", Err: err}
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return &domain.SyncError{Reason: "failed to commit file", Err: err}
	}
	return nil
}

// diffHashes returns the hashes present in the target list that differ from
// the base list, via the Merkle tree walk.
func diffHashes(h *hash.Hasher, base, target []domain.Hash) []domain.Hash {
	baseTree := merkle.Build(h, base)
	targetTree := merkle.Build(h, target)

	var out []domain.Hash
	for _, pos := range merkle.Diff(baseTree, targetTree) {
		if pos < len(target) {
			out = append(out, target[pos])
		}
	}
	return out
}

// mergedEntry carries the remote version with clocks merged for storage.
func mergedEntry(remote, mine InventoryEntry) InventoryEntry {
	merged := remote
	merged.Clock = remote.Clock.Merge(mine.Clock)
	return merged
}

// laterOf picks the later modification time of two entries.
func laterOf(a, b InventoryEntry) time.Time {
	if b.ModifiedAt.After(a.ModifiedAt) {
		return b.ModifiedAt
	}
	return a.ModifiedAt
}
