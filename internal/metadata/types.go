// Package metadata defines the file and chunk records cryovault keeps in the
// external key-value store, and the key-naming scheme used to address them.
//
// A FileRecord is the unit written to `file:{fileId}` (see KVKeyFile). It is
// the only persistent description of how a file's bytes are split into
// chunks and which nodes hold each chunk's replicas; cryovault itself keeps
// no on-disk state.
package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// ChunkSize is the fixed size, in bytes, of every chunk but the last one in
// a file. It applies only at upload time: changing it does not rechunk
// files already stored.
const ChunkSize = 1 << 20 // 1 MiB

// HeartbeatDeadMS is the liveness window for a node's last heartbeat.
const HeartbeatDeadMS = 6000

// MasterLockKey is the single key guarding leadership of the coordinator.
const MasterLockKey = "fs_master_lock"

// ChunkRecord describes one chunk of a file: its stable identifier, the
// SHA-256 hash of its plaintext bytes (computed once and never changed),
// and the set of node URLs currently believed to hold a replica.
type ChunkRecord struct {
	ChunkID string   `json:"chunkId"`
	Hash    string   `json:"hash"`
	Nodes   []string `json:"nodes"`
}

// FileRecord is the metadata document stored at KVKeyFile(fileId). Chunks
// are ordered: concatenating the bytes of Chunks[i] for increasing i
// reproduces the original file bytes.
type FileRecord struct {
	FileID      string        `json:"fileId"`
	Filename    string        `json:"filename"`
	TotalChunks int           `json:"totalChunks"`
	Chunks      []ChunkRecord `json:"chunks"`
}

// NewFileID returns a fresh random 128-bit file identifier in canonical
// textual form, suitable for embedding in KV keys and chunk IDs.
func NewFileID() string {
	return uuid.NewString()
}

// ChunkID derives the stable, deterministic chunk identifier for the i-th
// chunk of fileID. It never needs to be persisted separately from
// (fileID, index).
func ChunkID(fileID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", fileID, index)
}

// KVKeyFile returns the KV key under which a file's metadata document is
// stored.
func KVKeyFile(fileID string) string {
	return "file:" + fileID
}

// KVKeyNode returns the KV key under which a node's last heartbeat
// timestamp (epoch milliseconds, as a decimal string) is stored.
func KVKeyNode(nodeID string) string {
	return "node:" + nodeID
}

// FilePrefix is the KV key prefix under which every FileRecord is stored;
// used with kvstore.Client.Keys to enumerate all known files.
const FilePrefix = "file:"

// UnderReplicated reports whether c has fewer than the target replication
// factor of two surviving replicas.
func (c ChunkRecord) UnderReplicated() bool {
	return len(c.Nodes) < 2
}

// HasNode reports whether url is already recorded as a replica holder for c.
func (c ChunkRecord) HasNode(url string) bool {
	for _, n := range c.Nodes {
		if n == url {
			return true
		}
	}
	return false
}
