package syncer

import (
	"time"

	"github.com/mootikins/crucible/internal/domain"
)

// InventoryEntry summarizes one note for the exchange. Tombstones advertise
// deletions with a zero root and Deleted set.
type InventoryEntry struct {
	Path        string      `json:"path"`
	Root        domain.Hash `json:"root"`
	ContentHash domain.Hash `json:"contentHash"`
	ModifiedAt  time.Time   `json:"modifiedAt"`
	Clock       VectorClock `json:"clock"`
	Deleted     bool        `json:"deleted,omitempty"`
}

// InventoryRequest is the initiating peer's inventory.
type InventoryRequest struct {
	PeerID  string           `json:"peerId"`
	Entries []InventoryEntry `json:"entries"`
}

// InventoryResponse is the responding peer's symmetric view plus the paths
// it lacks entirely.
type InventoryResponse struct {
	PeerID  string           `json:"peerId"`
	Entries []InventoryEntry `json:"entries"`
	Missing []string         `json:"missing"`
}

// BlockPayload carries one block over the wire.
type BlockPayload struct {
	Hash     domain.Hash      `json:"hash"`
	Type     domain.BlockType `json:"type"`
	Content  string           `json:"content"`
	Metadata map[string]any   `json:"metadata"`
	Start    int              `json:"start"`
	End      int              `json:"end"`
}

// TreePayload persists a root's ordered hash list on the receiving side.
type TreePayload struct {
	RootHash           domain.Hash   `json:"root_hash"`
	OrderedBlockHashes []domain.Hash `json:"ordered_block_hashes"`
}

// toBlock converts a payload into the domain block.
func (p *BlockPayload) toBlock() *domain.Block {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &domain.Block{
		Type:     p.Type,
		Content:  p.Content,
		Metadata: metadata,
		Start:    p.Start,
		End:      p.End,
		Hash:     p.Hash,
	}
}

// fromBlock converts a domain block for the wire.
func fromBlock(b *domain.Block) BlockPayload {
	return BlockPayload{
		Hash:     b.Hash,
		Type:     b.Type,
		Content:  b.Content,
		Metadata: b.Metadata,
		Start:    b.Start,
		End:      b.End,
	}
}
