// Package reader implements the coordinator's read path:
// serve a cached reconstruction when available, otherwise fetch every
// chunk from an ordered list of replicas (skipping an optional avoid
// set), verify its hash, and concatenate. The same reconstruction logic
// is reused by the predictive pre-cache loop, which passes a node to
// avoid instead of a cache to check.
package reader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/cryovault/internal/cache"
	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/metadata"
	"github.com/dreamware/cryovault/internal/nodeclient"
)

// ErrFileNotFound is returned when no metadata record exists for the
// requested file ID.
var ErrFileNotFound = errors.New("reader: file not found")

// ErrChunkUnavailable is returned when every replica of a chunk (outside
// the avoid set) failed to serve it by network error or timeout.
var ErrChunkUnavailable = errors.New("reader: chunk unavailable from any replica")

// ErrIntegrityMismatch is returned when a replica responds successfully
// but its bytes don't hash to the value recorded in metadata. The
// download aborts immediately: unlike a network failure, a mismatch is
// not retried against the next replica, since the corrupt replica
// answered and its bytes cannot be trusted for any chunk it holds until
// the rebalancer has a chance to re-derive a clean copy.
var ErrIntegrityMismatch = errors.New("reader: chunk integrity mismatch")

// ChunkTimeout bounds a single replica fetch attempt.
var ChunkTimeout = nodeclient.DefaultChunkTimeout

// Reader is the reconstructing read path.
type Reader struct {
	kv    kvstore.Client
	cache *cache.FileCache
	log   *logrus.Entry
}

// New builds a Reader. cache may be nil to disable the read-through cache
// entirely (used by the pre-cache loop, which manages caching itself via
// a separate instance).
func New(kv kvstore.Client, fileCache *cache.FileCache, log *logrus.Entry) *Reader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reader{kv: kv, cache: fileCache, log: log}
}

// Download returns filename and full file contents for fileID, consulting
// the cache first. avoid lists node URLs that must be skipped when
// choosing a replica for each chunk (empty for an ordinary download; the
// pre-cache loop passes the node it is pre-emptively evacuating).
func (r *Reader) Download(ctx context.Context, fileID string, avoid map[string]bool) (filename string, data []byte, err error) {
	if r.cache != nil && len(avoid) == 0 {
		if e, ok := r.cache.Get(fileID); ok {
			return e.Filename, e.Data, nil
		}
	}

	record, err := r.loadRecord(ctx, fileID)
	if err != nil {
		return "", nil, err
	}

	buf := make([]byte, 0, record.TotalChunks*metadata.ChunkSize)
	for _, chunk := range record.Chunks {
		piece, err := r.fetchChunk(ctx, chunk, avoid)
		if err != nil {
			if r.cache != nil && errors.Is(err, ErrIntegrityMismatch) {
				// A previously cached reconstruction may have been built
				// from this same corrupt chunk; don't keep serving it
				// until the rebalancer re-derives a clean copy.
				r.cache.Remove(record.FileID)
			}
			return "", nil, err
		}
		buf = append(buf, piece...)
	}

	if r.cache != nil && len(avoid) == 0 {
		r.cache.Set(cache.Entry{FileID: record.FileID, Filename: record.Filename, Data: buf})
	}

	return record.Filename, buf, nil
}

// Metadata returns the raw FileRecord for fileID without reconstructing
// its contents, for the coordinator's /metadata endpoints.
func (r *Reader) Metadata(ctx context.Context, fileID string) (metadata.FileRecord, error) {
	return r.loadRecord(ctx, fileID)
}

// AllMetadata returns every FileRecord currently in the metadata store, for
// the coordinator's listing endpoint. A record that fails to parse is
// skipped and logged rather than failing the whole listing.
func (r *Reader) AllMetadata(ctx context.Context) ([]metadata.FileRecord, error) {
	keys, err := r.kv.Keys(ctx, metadata.FilePrefix)
	if err != nil {
		return nil, fmt.Errorf("reader: listing file records: %w", err)
	}

	records := make([]metadata.FileRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := r.kv.Get(ctx, key)
		if err != nil {
			r.log.WithError(err).WithField("key", key).Warn("reader: reading file record failed")
			continue
		}
		var record metadata.FileRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			r.log.WithError(err).WithField("key", key).Error("reader: corrupt file record")
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *Reader) loadRecord(ctx context.Context, fileID string) (metadata.FileRecord, error) {
	raw, err := r.kv.Get(ctx, metadata.KVKeyFile(fileID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return metadata.FileRecord{}, ErrFileNotFound
	}
	if err != nil {
		return metadata.FileRecord{}, fmt.Errorf("reader: loading metadata for %s: %w", fileID, err)
	}
	var record metadata.FileRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return metadata.FileRecord{}, fmt.Errorf("reader: corrupt metadata for %s: %w", fileID, err)
	}
	return record, nil
}

// fetchChunk tries each of chunk's replicas in order, skipping any URL in
// avoid, until one answers. The first replica to answer successfully at
// the HTTP level is hash-verified on the spot: a match returns the bytes,
// a mismatch aborts the whole chunk fetch without consulting any later
// replica. Only a network-level failure (timeout, connection error,
// blackout) falls through to the next replica in line.
func (r *Reader) fetchChunk(ctx context.Context, chunk metadata.ChunkRecord, avoid map[string]bool) ([]byte, error) {
	var lastErr error
	tried := 0
	for _, nodeURL := range chunk.Nodes {
		if avoid[nodeURL] {
			continue
		}
		tried++

		attemptCtx, cancel := context.WithTimeout(ctx, ChunkTimeout)
		data, err := nodeclient.Fetch(attemptCtx, nodeURL, chunk.ChunkID)
		cancel()

		if err != nil {
			lastErr = err
			r.log.WithError(err).WithFields(logrus.Fields{
				"node":    nodeURL,
				"chunkId": chunk.ChunkID,
			}).Warn("chunk fetch failed, trying next replica")
			continue
		}

		if sha256Hex(data) != chunk.Hash {
			r.log.WithFields(logrus.Fields{
				"node":    nodeURL,
				"chunkId": chunk.ChunkID,
			}).Error("chunk integrity mismatch, aborting download")
			return nil, fmt.Errorf("%w: chunk %s from %s", ErrIntegrityMismatch, chunk.ChunkID, nodeURL)
		}

		return data, nil
	}

	if tried == 0 {
		return nil, fmt.Errorf("%w: chunk %s has no replica outside the avoid set", ErrChunkUnavailable, chunk.ChunkID)
	}
	return nil, fmt.Errorf("%w: chunk %s: %v", ErrChunkUnavailable, chunk.ChunkID, lastErr)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
