package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mootikins/crucible/internal/domain"
)

// Client talks to a peer's sync server. Network failures retry with
// exponential backoff; authentication failures are fatal immediately.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retries uint64
}

// NewClient creates a Client for a peer.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		retries: 4,
	}
}

// Inventory exchanges inventories with the peer.
func (c *Client) Inventory(ctx context.Context, req InventoryRequest) (*InventoryResponse, error) {
	var resp InventoryResponse
	err := c.do(ctx, http.MethodPost, "/api/sync/inventory", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetBlock pulls one block by hash. Returns nil when the peer lacks it.
func (c *Client) GetBlock(ctx context.Context, h domain.Hash) (*domain.Block, error) {
	var payload BlockPayload
	err := c.do(ctx, http.MethodGet, "/api/sync/block/"+h.String(), nil, &payload)
	if err != nil {
		var syncErr *domain.SyncError
		if asSyncError(err, &syncErr) && syncErr.Reason == "not found" {
			return nil, nil
		}
		return nil, err
	}
	return payload.toBlock(), nil
}

// GetTree pulls a root's ordered hash list. Returns nil when the peer lacks
// the tree.
func (c *Client) GetTree(ctx context.Context, root domain.Hash) ([]domain.Hash, error) {
	var payload TreePayload
	err := c.do(ctx, http.MethodGet, "/api/sync/tree/"+root.String(), nil, &payload)
	if err != nil {
		var syncErr *domain.SyncError
		if asSyncError(err, &syncErr) && syncErr.Reason == "not found" {
			return nil, nil
		}
		return nil, err
	}
	return payload.OrderedBlockHashes, nil
}

// PostBlock pushes one block to the peer.
func (c *Client) PostBlock(ctx context.Context, block *domain.Block) error {
	return c.do(ctx, http.MethodPost, "/api/sync/block", fromBlock(block), nil)
}

// PostTree pushes a root's ordered hash list to the peer.
func (c *Client) PostTree(ctx context.Context, root domain.Hash, hashes []domain.Hash) error {
	return c.do(ctx, http.MethodPost, "/api/sync/tree", TreePayload{RootHash: root, OrderedBlockHashes: hashes}, nil)
}

// do performs one request with retry-on-network-failure semantics.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	operation := func() error {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(&domain.SyncError{Peer: c.baseURL, Reason: "encoding failed", Err: err})
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(&domain.SyncError{Peer: c.baseURL, Reason: "invalid request", Err: err})
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Network errors retry under backoff.
			return &domain.SyncError{Peer: c.baseURL, Reason: "request failed", Network: true, Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(&domain.SyncError{Peer: c.baseURL, Reason: "authentication failed", Auth: true})
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(&domain.SyncError{Peer: c.baseURL, Reason: "not found"})
		case resp.StatusCode >= 500:
			return &domain.SyncError{Peer: c.baseURL, Reason: fmt.Sprintf("server error %d", resp.StatusCode), Network: true}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&domain.SyncError{Peer: c.baseURL, Reason: fmt.Sprintf("rejected with status %d", resp.StatusCode)})
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &domain.SyncError{Peer: c.baseURL, Reason: "invalid response", Network: true, Err: err}
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	return backoff.Retry(operation, policy)
}

func asSyncError(err error, target **domain.SyncError) bool {
	for err != nil {
		if se, ok := err.(*domain.SyncError); ok {
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
