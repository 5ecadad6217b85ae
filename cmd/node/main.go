// Command node is a storage-node simulator implementing the blob-server
// wire contract the coordinator expects: chunk storage, scheduled
// blackout windows, and periodic heartbeats. Real storage nodes are an
// opaque, independently operated collaborator; this binary exists to
// exercise the coordinator end to end.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/registry"
	"github.com/dreamware/cryovault/internal/storage"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// blackoutSchedule describes a simple repeating up/down cycle: the node
// is reachable for up, then refuses all chunk I/O for down, forever. A
// zero-valued schedule never blacks out.
type blackoutSchedule struct {
	up    time.Duration
	down  time.Duration
	start time.Time
}

func (b blackoutSchedule) status() (inBlackout bool, nextBlackoutInMs int64) {
	cycle := b.up + b.down
	if cycle <= 0 {
		return false, 1 << 30
	}
	elapsed := time.Since(b.start) % cycle
	if elapsed < b.up {
		return false, (b.up - elapsed).Milliseconds()
	}
	return true, 0
}

// node is the simulator's runtime state: an in-memory blob store plus the
// schedule that governs blackout windows.
type node struct {
	blobs    storage.Store
	schedule blackoutSchedule
	id       string
	log      *logrus.Entry
}

func newNode(id string, schedule blackoutSchedule, maxChunkSize int, log *logrus.Entry) *node {
	return &node{
		blobs:    storage.NewMemoryStore(maxChunkSize),
		schedule: schedule,
		id:       id,
		log:      log,
	}
}

func (n *node) inBlackout() bool {
	inBlackout, _ := n.schedule.status()
	return inBlackout
}

type storeRequest struct {
	ChunkID string `json:"chunkId"`
	Data    string `json:"data"`
}

type storeResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
}

type chunkResponse struct {
	ChunkID string `json:"chunkId"`
	Data    string `json:"data"`
}

type orbitalStatusResponse struct {
	NodeID           string `json:"nodeId"`
	IsInBlackout     bool   `json:"isInBlackout"`
	NextBlackoutInMs int64  `json:"nextBlackoutInMs"`
}

func (n *node) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if n.inBlackout() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "bad base64 payload", http.StatusBadRequest)
		return
	}

	if err := n.blobs.PutChunk(req.ChunkID, data); err != nil {
		if errors.Is(err, storage.ErrChunkTooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(storeResponse{Status: "stored", Node: n.id})
}

func (n *node) handleChunk(w http.ResponseWriter, r *http.Request) {
	chunkID := strings.TrimPrefix(r.URL.Path, "/chunk/")
	if chunkID == "" {
		http.Error(w, "chunk id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if n.inBlackout() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		chunk, err := n.blobs.GetChunk(chunkID)
		if errors.Is(err, storage.ErrChunkNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			n.log.WithError(err).WithField("chunkId", chunkID).Error("serving chunk failed")
			http.Error(w, "storage failure", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(chunkResponse{ChunkID: chunkID, Data: base64.StdEncoding.EncodeToString(chunk.Data)})
	case http.MethodDelete:
		_ = n.blobs.DeleteChunk(chunkID)
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (n *node) handleOrbitalStatus(w http.ResponseWriter, _ *http.Request) {
	inBlackout, nextIn := n.schedule.status()
	json.NewEncoder(w).Encode(orbitalStatusResponse{
		NodeID:           n.id,
		IsInBlackout:     inBlackout,
		NextBlackoutInMs: nextIn,
	})
}

func (n *node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	id := getenv("NODE_ID", "node-1")
	listenAddr := getenv("NODE_LISTEN", ":8081")
	publicAddr := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	redisURL := getenv("REDIS_URL", "redis://localhost:6379/0")

	up := getenvDuration("NODE_BLACKOUT_UP", 0)
	down := getenvDuration("NODE_BLACKOUT_DOWN", 0)
	maxChunkSize := getenvInt("NODE_MAX_CHUNK_SIZE", metadata.ChunkSize)

	kv, err := kvstore.NewFromURL(redisURL)
	if err != nil {
		log.WithError(err).Fatal("connecting to metadata store")
	}

	n := newNode(id, blackoutSchedule{up: up, down: down, start: time.Now()}, maxChunkSize, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/store", n.handleStore)
	mux.HandleFunc("/chunk/", n.handleChunk)
	mux.HandleFunc("/orbital-status", n.handleOrbitalStatus)
	mux.HandleFunc("/health", n.handleHealth)

	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	var heartbeatWg sync.WaitGroup
	heartbeatWg.Add(1)
	go func() {
		defer heartbeatWg.Done()
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		if err := registry.Heartbeat(heartbeatCtx, kv, publicAddr); err != nil {
			log.WithError(err).Warn("initial heartbeat failed")
		}
		for {
			select {
			case <-ticker.C:
				if err := registry.Heartbeat(heartbeatCtx, kv, publicAddr); err != nil {
					log.WithError(err).Warn("heartbeat failed")
				}
			case <-heartbeatCtx.Done():
				return
			}
		}
	}()

	go func() {
		log.WithFields(logrus.Fields{"id": id, "addr": listenAddr}).Info("storage node listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	stopHeartbeat()
	heartbeatWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}
	log.Info("storage node stopped")
}
