package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/placekeeper-io/placekeeper/config"
	"github.com/placekeeper-io/placekeeper/databases"
	"github.com/placekeeper-io/placekeeper/migration"
)

type (
	// HTTPPeers resolves node ids to HTTP clients for the inter-node
	// migration endpoints, using the static peer map from config.
	HTTPPeers struct {
		addresses map[string]string
		client    *http.Client
	}

	peerClient struct {
		baseURL string
		client  *http.Client
	}
)

var _ migration.PeerResolver = (*HTTPPeers)(nil)

func NewHTTPPeers(cfg *config.Config) *HTTPPeers {
	return &HTTPPeers{
		addresses: cfg.Core.Peers,
		client: &http.Client{
			Timeout: cfg.Core.DatabaseAPITimeout + 5*time.Second,
		},
	}
}

func (p *HTTPPeers) Recipient(nodeId string) (migration.RecipientClient, error) {
	return p.peer(nodeId)
}

func (p *HTTPPeers) Donor(nodeId string) (migration.DonorClient, error) {
	return p.peer(nodeId)
}

func (p *HTTPPeers) peer(nodeId string) (*peerClient, error) {
	addr, ok := p.addresses[nodeId]
	if !ok {
		return nil, fmt.Errorf("no address configured for node %s", nodeId)
	}
	return &peerClient{baseURL: addr, client: p.client}, nil
}

// ---- RecipientClient ----

func (c *peerClient) StartReceiving(ctx context.Context, req *migration.StartReceivingRequest) error {
	return c.post(ctx, "/internal/v1/migrations", req, nil)
}

func (c *peerClient) GetStatus(ctx context.Context, migrationId uuid.UUID) (*migration.RecipientStatus, error) {
	var status migration.RecipientStatus
	err := c.get(ctx, "/internal/v1/migrations/"+migrationId.String()+"/status", nil, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *peerClient) Commit(ctx context.Context, migrationId uuid.UUID) error {
	return c.post(ctx, "/internal/v1/migrations/"+migrationId.String()+"/commit", nil, nil)
}

func (c *peerClient) Finalize(ctx context.Context, migrationId uuid.UUID, outcome migration.Outcome) error {
	body := map[string]migration.Outcome{"outcome": outcome}
	return c.post(ctx, "/internal/v1/migrations/"+migrationId.String()+"/finalize", body, nil)
}

// ---- DonorClient ----

func (c *peerClient) PullCloneBatch(
	ctx context.Context, migrationId uuid.UUID, afterKey string, limit int,
) ([]*databases.RangeDoc, error) {
	query := url.Values{}
	query.Set("afterKey", afterKey)
	query.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Docs []*databases.RangeDoc `json:"docs"`
	}
	err := c.get(ctx, "/internal/v1/migrations/"+migrationId.String()+"/clone-batch", query, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

func (c *peerClient) PullMods(
	ctx context.Context, migrationId uuid.UUID, limit int,
) ([]*databases.Mod, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Mods []*databases.Mod `json:"mods"`
	}
	err := c.get(ctx, "/internal/v1/migrations/"+migrationId.String()+"/mods", query, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Mods, nil
}

// ---- transport plumbing ----

func (c *peerClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *peerClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *peerClient) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("peer %s %s failed with status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, string(payload))
	}
	if out != nil && len(payload) > 0 {
		return json.Unmarshal(payload, out)
	}
	return nil
}
