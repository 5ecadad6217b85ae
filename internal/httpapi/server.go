// Package httpapi implements the coordinator's HTTP control and data
// plane: upload, download, metadata lookup, health,
// node-liveness, and cache-occupancy endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cryovault/internal/cache"
	"github.com/dreamware/cryovault/internal/lease"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/metrics"
	"github.com/dreamware/cryovault/internal/nodeclient"
	"github.com/dreamware/cryovault/internal/reader"
	"github.com/dreamware/cryovault/internal/registry"
	"github.com/dreamware/cryovault/internal/writer"
)

// Server holds every dependency the HTTP handlers need. It carries no
// per-request state and is safe to share across concurrent requests.
type Server struct {
	writer   *writer.Writer
	reader   *reader.Reader
	registry *registry.Registry
	lease    *lease.Lease
	cache    *cache.FileCache
	metrics  *metrics.Metrics
	log      *logrus.Entry

	maxUploadBytes int64
}

// New builds a Server. m may be nil to disable metrics instrumentation.
func New(w *writer.Writer, r *reader.Reader, reg *registry.Registry, l *lease.Lease, c *cache.FileCache, m *metrics.Metrics, maxUploadBytes int64, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 64 << 20
	}
	return &Server{
		writer:         w,
		reader:         r,
		registry:       reg,
		lease:          l,
		cache:          c,
		metrics:        m,
		log:            log,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes builds the coordinator's http.Handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/download/", s.handleDownload)
	mux.HandleFunc("/metadata/", s.handleMetadataOne)
	mux.HandleFunc("/metadata", s.handleMetadataAll)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/cache-status", s.handleCacheStatus)
	return mux
}

type uploadResponse struct {
	Message     string `json:"message"`
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.lease != nil && !s.lease.AmILeader() {
		http.Error(w, "not leader", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		if mf, _, err := r.FormFile("file"); err == nil {
			defer mf.Close()
			filename = "upload.bin"
			s.upload(w, r.Context(), filename, mf)
			return
		}
		filename = "upload.bin"
	}

	s.upload(w, r.Context(), filename, r.Body)
}

func (s *Server) upload(w http.ResponseWriter, ctx context.Context, filename string, body io.Reader) {
	start := time.Now()

	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "reading upload body: "+err.Error(), http.StatusBadRequest)
		return
	}

	fileID, totalChunks, err := s.writer.Upload(ctx, filename, data)
	if err != nil {
		s.observeUpload("rejected", start)
		if errors.Is(err, writer.ErrInsufficientNodes) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.WithError(err).Error("upload failed")
		http.Error(w, "upload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.observeUpload("success", start)
	s.writeJSON(w, http.StatusOK, uploadResponse{
		Message:     "upload complete",
		FileID:      fileID,
		TotalChunks: totalChunks,
	})
}

func (s *Server) observeUpload(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		s.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID := strings.TrimPrefix(r.URL.Path, "/download/")
	if fileID == "" {
		http.Error(w, "file id required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	cached := s.cache != nil && s.cache.Has(fileID)
	filename, data, err := s.reader.Download(r.Context(), fileID, nil)
	if err != nil {
		s.observeDownload(downloadOutcome(err), start)
		s.writeDownloadError(w, err)
		return
	}

	outcome := "reconstructed"
	if cached {
		outcome = "cache_hit"
	}
	s.observeDownload(outcome, start)

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func downloadOutcome(err error) string {
	switch {
	case errors.Is(err, reader.ErrFileNotFound):
		return "not_found"
	case errors.Is(err, reader.ErrChunkUnavailable):
		return "unavailable"
	case errors.Is(err, reader.ErrIntegrityMismatch):
		return "integrity_mismatch"
	default:
		return "error"
	}
}

func (s *Server) observeDownload(outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.DownloadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "cache_hit" || outcome == "reconstructed" {
		s.metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	}
}

// writeDownloadError maps a reader error to the documented external
// status: 404 for an unknown file, 500 for every reconstruction failure
// (replicas unavailable or an integrity check failed). The outcome label
// recorded by observeDownload distinguishes these cases for metrics even
// though the wire status does not.
func (s *Server) writeDownloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reader.ErrFileNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, reader.ErrChunkUnavailable), errors.Is(err, reader.ErrIntegrityMismatch):
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.log.WithError(err).Error("download failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleMetadataOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fileID := strings.TrimPrefix(r.URL.Path, "/metadata/")
	if fileID == "" {
		http.Error(w, "file id required", http.StatusBadRequest)
		return
	}

	record, err := s.reader.Metadata(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, reader.ErrFileNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type metadataAllResponse struct {
	TotalFiles int                   `json:"totalFiles"`
	Files      []metadata.FileRecord `json:"files"`
}

func (s *Server) handleMetadataAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := s.reader.AllMetadata(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, metadataAllResponse{TotalFiles: len(records), Files: records})
}

type healthResponse struct {
	Master string `json:"master"`
	Leader bool   `json:"leader"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{}
	if s.lease != nil {
		resp.Master = s.lease.MasterID()
		resp.Leader = s.lease.AmILeader()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type nodeStatus struct {
	URL              string `json:"url"`
	Alive            bool   `json:"alive"`
	IsInBlackout     *bool  `json:"isInBlackout,omitempty"`
	NextBlackoutInMs *int64 `json:"nextBlackoutInMs,omitempty"`
}

type nodesResponse struct {
	Nodes    []nodeStatus `json:"nodes"`
	IsLeader bool         `json:"isLeader"`
}

// orbitalStatusTimeout bounds how long handleNodes waits for any one
// node's /orbital-status before giving up on the blackout fields for it;
// alive/dead classification never depends on this fan-out succeeding.
const orbitalStatusTimeout = 500 * time.Millisecond

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	alive, err := s.registry.AliveNodes(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	aliveSet := make(map[string]bool, len(alive))
	for _, n := range alive {
		aliveSet[n] = true
	}

	nodes := s.registry.Nodes()
	statuses := make([]nodeStatus, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		statuses[i] = nodeStatus{URL: n, Alive: aliveSet[n]}
		if !aliveSet[n] {
			continue
		}
		wg.Add(1)
		go func(i int, nodeURL string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), orbitalStatusTimeout)
			defer cancel()
			status, err := nodeclient.OrbitalStatusOf(ctx, nodeURL)
			if err != nil {
				return
			}
			statuses[i].IsInBlackout = &status.IsInBlackout
			statuses[i].NextBlackoutInMs = &status.NextBlackoutInMs
		}(i, n)
	}
	wg.Wait()

	isLeader := false
	if s.lease != nil {
		isLeader = s.lease.AmILeader()
	}

	if s.metrics != nil {
		s.metrics.AliveNodes.Set(float64(len(alive)))
		if isLeader {
			s.metrics.IsLeader.Set(1)
		} else {
			s.metrics.IsLeader.Set(0)
		}
	}

	s.writeJSON(w, http.StatusOK, nodesResponse{Nodes: statuses, IsLeader: isLeader})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := cache.Stats{}
	if s.cache != nil {
		stats = s.cache.Stats()
	}
	if s.metrics != nil {
		s.metrics.CacheEntries.Set(float64(stats.Entries))
		s.metrics.CacheBytes.Set(float64(stats.TotalBytes))
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("failed to encode response body")
	}
}
