// Package writer implements the coordinator's replicated write path:
// split an incoming file into fixed-size chunks, place each chunk's
// primary and replica on two distinct live nodes chosen by round robin,
// store both copies, and persist the resulting metadata record only once
// every chunk has been durably replicated.
package writer

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
	"github.com/dreamware/cryovault/internal/placement"
	"github.com/dreamware/cryovault/internal/registry"
)

// ErrInsufficientNodes is returned when fewer than two nodes are alive,
// making 2-way replication impossible.
var ErrInsufficientNodes = errors.New("writer: fewer than two alive nodes, cannot replicate")

// Writer is the replicated write path. It holds no per-upload state
// between calls; Upload is safe to call concurrently from multiple
// HTTP handlers sharing the same Writer.
type Writer struct {
	kv        kvstore.Client
	registry  *registry.Registry
	rr        *placement.RoundRobin
	cache     *cache.FileCache
	log       *logrus.Entry
	chunkSize int
}

// New builds a Writer. cache may be nil, in which case uploaded files are
// not pre-populated into the read cache. Chunk size defaults to
// metadata.ChunkSize; override it with WithChunkSize.
func New(kv kvstore.Client, reg *registry.Registry, rr *placement.RoundRobin, fileCache *cache.FileCache, log *logrus.Entry) *Writer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{kv: kv, registry: reg, rr: rr, cache: fileCache, log: log, chunkSize: metadata.ChunkSize}
}

// WithChunkSize overrides the size every chunk but the last is split into.
// size <= 0 is ignored, leaving the default metadata.ChunkSize in effect.
func (w *Writer) WithChunkSize(size int) *Writer {
	if size > 0 {
		w.chunkSize = size
	}
	return w
}

// storedCopy tracks one chunk copy placed on a node, so a failed upload
// can be rolled back.
type storedCopy struct {
	nodeURL string
	chunkID string
}

// Upload chunks data, replicates every chunk to two live nodes, and
// writes the resulting FileRecord to the metadata store. On any failure
// partway through, Upload best-effort deletes every chunk copy it had
// already stored and returns the error; no partial metadata record is
// ever written. On success it returns the new file's id and chunk count.
func (w *Writer) Upload(ctx context.Context, filename string, data []byte) (fileID string, totalChunks int, err error) {
	aliveNodes, err := w.registry.AliveNodes(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("writer: listing alive nodes: %w", err)
	}
	if len(aliveNodes) < 2 {
		return "", 0, ErrInsufficientNodes
	}

	fileID = metadata.NewFileID()
	chunks := splitChunks(data, w.chunkSize)

	var stored []storedCopy
	records := make([]metadata.ChunkRecord, 0, len(chunks))

	rollback := func() {
		for _, c := range stored {
			if derr := nodeclient.Delete(ctx, c.nodeURL, c.chunkID); derr != nil {
				w.log.WithError(derr).WithFields(logrus.Fields{
					"node":    c.nodeURL,
					"chunkId": c.chunkID,
				}).Warn("rollback: failed to delete chunk copy")
			}
		}
	}

	for i, chunk := range chunks {
		chunkID := metadata.ChunkID(fileID, i)
		hash := sha256Hex(chunk)

		assignment := w.rr.Next(aliveNodes)

		if err := nodeclient.Store(ctx, assignment.Primary, chunkID, chunk); err != nil {
			w.log.WithError(err).WithField("node", assignment.Primary).Error("store to primary failed")
			rollback()
			return "", 0, fmt.Errorf("writer: storing chunk %s on primary %s: %w", chunkID, assignment.Primary, err)
		}
		stored = append(stored, storedCopy{nodeURL: assignment.Primary, chunkID: chunkID})

		if err := nodeclient.Store(ctx, assignment.Replica, chunkID, chunk); err != nil {
			w.log.WithError(err).WithField("node", assignment.Replica).Error("store to replica failed")
			rollback()
			return "", 0, fmt.Errorf("writer: storing chunk %s on replica %s: %w", chunkID, assignment.Replica, err)
		}
		stored = append(stored, storedCopy{nodeURL: assignment.Replica, chunkID: chunkID})

		records = append(records, metadata.ChunkRecord{
			ChunkID: chunkID,
			Hash:    hash,
			Nodes:   []string{assignment.Primary, assignment.Replica},
		})
	}

	record := metadata.FileRecord{
		FileID:      fileID,
		Filename:    filename,
		TotalChunks: len(chunks),
		Chunks:      records,
	}

	payload, err := json.Marshal(record)
	if err != nil {
		rollback()
		return "", 0, fmt.Errorf("writer: marshaling file record: %w", err)
	}
	if err := w.kv.Set(ctx, metadata.KVKeyFile(fileID), string(payload)); err != nil {
		rollback()
		return "", 0, fmt.Errorf("writer: persisting metadata for %s: %w", fileID, err)
	}

	if w.cache != nil {
		w.cache.Set(cache.Entry{FileID: fileID, Filename: filename, Data: data})
	}

	w.log.WithFields(logrus.Fields{
		"fileId": fileID,
		"chunks": len(chunks),
	}).Info("upload complete")

	return fileID, len(chunks), nil
}

func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
