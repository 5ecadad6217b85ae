// Package nodeclient is the HTTP client for the storage node's blob-server
// interface: POST /store, GET /chunk/:id, DELETE
// /chunk/:id, and GET /orbital-status. Storage nodes themselves are an
// opaque out-of-scope collaborator; this package only knows their wire
// contract.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultChunkTimeout bounds a single chunk GET attempt.
const DefaultChunkTimeout = 2 * time.Second

// httpClient is shared across all node requests for connection reuse.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// StoreRequest is the body of POST /store.
type StoreRequest struct {
	ChunkID string `json:"chunkId"`
	Data    string `json:"data"` // base64
}

// StoreResponse is the body returned by a successful POST /store.
type StoreResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
}

// ChunkResponse is the body returned by a successful GET /chunk/:id.
type ChunkResponse struct {
	ChunkID string `json:"chunkId"`
	Data    string `json:"data"` // base64
}

// OrbitalStatus is the body returned by GET /orbital-status.
type OrbitalStatus struct {
	NodeID            string `json:"nodeId"`
	IsInBlackout      bool   `json:"isInBlackout"`
	NextBlackoutInMs  int64  `json:"nextBlackoutInMs"`
}

// ErrBlackout is returned by Store/Fetch/Delete when the node responds 503
// (it is currently in a blackout window).
var ErrBlackout = fmt.Errorf("nodeclient: node in blackout")

// ErrNotFound is returned by Fetch when the node responds 404.
var ErrNotFound = fmt.Errorf("nodeclient: chunk not found")

// Store POSTs chunk bytes to nodeURL/store. It base64-encodes data itself.
func Store(ctx context.Context, nodeURL, chunkID string, data []byte) error {
	body := StoreRequest{ChunkID: chunkID, Data: base64.StdEncoding.EncodeToString(data)}
	var out StoreResponse
	return postJSON(ctx, nodeURL+"/store", body, &out)
}

// Fetch GETs a chunk's bytes from nodeURL, decoding the base64 payload.
// The caller is responsible for bounding ctx with DefaultChunkTimeout (or
// another per-attempt deadline) — Fetch itself applies none beyond ctx.
func Fetch(ctx context.Context, nodeURL, chunkID string) ([]byte, error) {
	var out ChunkResponse
	if err := getJSON(ctx, fmt.Sprintf("%s/chunk/%s", nodeURL, chunkID), &out); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.Data)
}

// Delete issues DELETE /chunk/:id. It is idempotent: a 404 from the node
// is not treated as an error.
func Delete(ctx context.Context, nodeURL, chunkID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/chunk/%s", nodeURL, chunkID), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrBlackout
	}
	return fmt.Errorf("nodeclient: delete %s: http %d", chunkID, resp.StatusCode)
}

// OrbitalStatusOf GETs the node's blackout schedule.
func OrbitalStatusOf(ctx context.Context, nodeURL string) (OrbitalStatus, error) {
	var out OrbitalStatus
	err := getJSON(ctx, nodeURL+"/orbital-status", &out)
	return out, err
}

func postJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusErr(resp.StatusCode, url); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := statusErr(resp.StatusCode, url); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusErr(status int, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusServiceUnavailable:
		return ErrBlackout
	case status == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("nodeclient: %s: http %d", url, status)
	}
}
