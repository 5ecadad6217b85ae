package writer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cryovault/internal/cache"
	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/nodeclient"
	"github.com/dreamware/cryovault/internal/placement"
	"github.com/dreamware/cryovault/internal/registry"
)

// fakeNode is a minimal in-memory blob server implementing the wire
// contract in internal/nodeclient, plus an optional failure switch.
type fakeNode struct {
	mu      sync.Mutex
	blobs   map[string]string // chunkID -> base64 data
	fail    bool
	deletes []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{blobs: make(map[string]string)}
}

func (n *fakeNode) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/store", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req nodeclient.StoreRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		n.blobs[req.ChunkID] = req.Data
		json.NewEncoder(w).Encode(nodeclient.StoreResponse{Status: "stored"})
	})
	mux.HandleFunc("/chunk/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/chunk/"):]
		n.mu.Lock()
		defer n.mu.Unlock()
		if r.Method == http.MethodDelete {
			delete(n.blobs, id)
			n.deletes = append(n.deletes, id)
			w.WriteHeader(http.StatusOK)
			return
		}
		data, ok := n.blobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(nodeclient.ChunkResponse{ChunkID: id, Data: data})
	})
	return httptest.NewServer(mux)
}

func setupWriter(t *testing.T, nodeURLs []string) (*Writer, kvstore.Client) {
	t.Helper()
	kv := kvstore.NewMemory()
	for _, u := range nodeURLs {
		require.NoError(t, registry.Heartbeat(context.Background(), kv, u))
	}
	reg := registry.New(kv, nodeURLs)
	return New(kv, reg, placement.NewRoundRobin(), cache.New(5, 200<<20), nil), kv
}

func TestWriter_UploadReplicatesEveryChunk(t *testing.T) {
	n0, n1 := newFakeNode(), newFakeNode()
	s0, s1 := n0.server(), n1.server()
	defer s0.Close()
	defer s1.Close()

	w, kv := setupWriter(t, []string{s0.URL, s1.URL})

	data := make([]byte, metadata.ChunkSize*2+10)
	for i := range data {
		data[i] = byte(i)
	}

	fileID, totalChunks, err := w.Upload(context.Background(), "big.bin", data)
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)
	assert.Equal(t, 3, totalChunks)

	raw, err := kv.Get(context.Background(), metadata.KVKeyFile(fileID))
	require.NoError(t, err)

	var record metadata.FileRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &record))
	assert.Equal(t, 3, record.TotalChunks)
	for _, c := range record.Chunks {
		assert.Len(t, c.Nodes, 2)
		assert.NotEqual(t, c.Nodes[0], c.Nodes[1])
	}
}

func TestWriter_WithChunkSizeOverridesSplitBoundary(t *testing.T) {
	n0, n1 := newFakeNode(), newFakeNode()
	s0, s1 := n0.server(), n1.server()
	defer s0.Close()
	defer s1.Close()

	w, _ := setupWriter(t, []string{s0.URL, s1.URL})
	w.WithChunkSize(4)

	_, totalChunks, err := w.Upload(context.Background(), "small.bin", []byte("ten-bytes!"))
	require.NoError(t, err)
	assert.Equal(t, 3, totalChunks)
}

func TestWriter_InsufficientNodesRejected(t *testing.T) {
	n0 := newFakeNode()
	s0 := n0.server()
	defer s0.Close()

	w, _ := setupWriter(t, []string{s0.URL})

	_, _, err := w.Upload(context.Background(), "x.bin", []byte("hi"))
	assert.ErrorIs(t, err, ErrInsufficientNodes)
}

func TestWriter_FailureRollsBackStoredCopies(t *testing.T) {
	n0, n1 := newFakeNode(), newFakeNode()
	s0, s1 := n0.server(), n1.server()
	defer s0.Close()
	defer s1.Close()
	n1.fail = true

	w, kv := setupWriter(t, []string{s0.URL, s1.URL})

	fileID, _, err := w.Upload(context.Background(), "x.bin", []byte("hello world"))
	assert.Error(t, err)
	assert.Empty(t, fileID)

	_, getErr := kv.Get(context.Background(), metadata.KVKeyFile(fileID))
	assert.ErrorIs(t, getErr, kvstore.ErrNotFound)

	assert.Eventually(t, func() bool {
		n0.mu.Lock()
		defer n0.mu.Unlock()
		return len(n0.blobs) == 0
	}, time.Second, 10*time.Millisecond, "primary copy should have been rolled back")
}

func TestWriter_EmptyFileProducesOneEmptyChunk(t *testing.T) {
	n0, n1 := newFakeNode(), newFakeNode()
	s0, s1 := n0.server(), n1.server()
	defer s0.Close()
	defer s1.Close()

	w, _ := setupWriter(t, []string{s0.URL, s1.URL})

	fileID, totalChunks, err := w.Upload(context.Background(), "empty.bin", []byte{})
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)
	assert.Equal(t, 1, totalChunks)
}
