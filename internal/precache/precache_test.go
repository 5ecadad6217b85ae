package precache

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cryovault/internal/cache"
	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/nodeclient"
	"github.com/dreamware/cryovault/internal/reader"
	"github.com/dreamware/cryovault/internal/registry"
)

func nodeServer(t *testing.T, blobs map[string]string, status nodeclient.OrbitalStatus) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/orbital-status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/chunk/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/chunk/"):]
		data, ok := blobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(nodeclient.ChunkResponse{ChunkID: id, Data: data})
	})
	return httptest.NewServer(mux)
}

func TestPrecache_ReconstructsWhenBlackoutImminent(t *testing.T) {
	payload := []byte("pre-cache me")
	hash := sha256Hex(payload)

	doomed := nodeServer(t, map[string]string{"f1-0": b64(payload)}, nodeclient.OrbitalStatus{IsInBlackout: false, NextBlackoutInMs: 1000})
	safe := nodeServer(t, map[string]string{"f1-0": b64(payload)}, nodeclient.OrbitalStatus{IsInBlackout: false, NextBlackoutInMs: 999999})
	defer doomed.Close()
	defer safe.Close()

	kv := kvstore.NewMemory()
	reg := registry.New(kv, []string{doomed.URL, safe.URL})

	record := metadata.FileRecord{
		FileID: "f1", Filename: "x.bin", TotalChunks: 1,
		Chunks: []metadata.ChunkRecord{{ChunkID: "f1-0", Hash: hash, Nodes: []string{doomed.URL, safe.URL}}},
	}
	raw, _ := json.Marshal(record)
	require.NoError(t, kv.Set(context.Background(), metadata.KVKeyFile("f1"), string(raw)))

	rdr := reader.New(kv, nil, nil)
	c := cache.New(5, 200<<20)

	loop := New(kv, reg, rdr, c, func() bool { return true }, nil, nil).WithThreshold(5000)
	loop.tick(context.Background())

	e, ok := c.Get("f1")
	require.True(t, ok)
	assert.Equal(t, payload, e.Data)
}

func TestPrecache_SkipsWhenNotInThreshold(t *testing.T) {
	far := nodeServer(t, nil, nodeclient.OrbitalStatus{IsInBlackout: false, NextBlackoutInMs: 999999})
	defer far.Close()

	kv := kvstore.NewMemory()
	reg := registry.New(kv, []string{far.URL})
	c := cache.New(5, 200<<20)

	loop := New(kv, reg, reader.New(kv, nil, nil), c, func() bool { return true }, nil, nil).WithThreshold(5000)
	loop.tick(context.Background())

	assert.Equal(t, 0, c.Stats().Entries)
}

func TestPrecache_NoOpWhenNotLeader(t *testing.T) {
	srv := nodeServer(t, nil, nodeclient.OrbitalStatus{NextBlackoutInMs: 1})
	defer srv.Close()

	kv := kvstore.NewMemory()
	reg := registry.New(kv, []string{srv.URL})
	c := cache.New(5, 200<<20)

	loop := New(kv, reg, reader.New(kv, nil, nil), c, func() bool { return false }, nil, nil)
	loop.tick(context.Background())

	assert.Equal(t, 0, c.Stats().Entries)
}

func TestPrecache_SkipsFileWhoseOnlyReplicaIsTheDoomedNode(t *testing.T) {
	payload := []byte("sole copy")
	hash := sha256Hex(payload)

	doomed := nodeServer(t, map[string]string{"f1-0": b64(payload)}, nodeclient.OrbitalStatus{NextBlackoutInMs: 1})
	defer doomed.Close()

	kv := kvstore.NewMemory()
	reg := registry.New(kv, []string{doomed.URL})

	record := metadata.FileRecord{
		FileID: "f1", Filename: "lonely.bin", TotalChunks: 1,
		Chunks: []metadata.ChunkRecord{{ChunkID: "f1-0", Hash: hash, Nodes: []string{doomed.URL}}},
	}
	raw, _ := json.Marshal(record)
	require.NoError(t, kv.Set(context.Background(), metadata.KVKeyFile("f1"), string(raw)))

	c := cache.New(5, 200<<20)
	loop := New(kv, reg, reader.New(kv, nil, nil), c, func() bool { return true }, nil, nil).WithThreshold(5000)
	loop.tick(context.Background())

	assert.Equal(t, 0, c.Stats().Entries)
}

func b64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
