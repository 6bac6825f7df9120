package storage

import (
	"github.com/pkg/errors"

	"github.com/AICloudNAS/lizardfs/apis"
)

var (
	ErrNoChunk      = errors.New("no such chunk part")
	ErrChunkExists  = errors.New("chunk part already exists")
	ErrWrongVersion = errors.New("wrong chunk version")
	ErrWrongOffset  = errors.New("offset out of range")
	ErrWrongSize    = errors.New("size out of range")
)

// Stores chunk parts. Every part of a chunk is stored independently; a chunkserver may hold several parts of the
// same chunk.
type PartStorage interface {
	// List every part we store, with its version.
	ListParts() ([]apis.ChunkWithType, error)

	// Create an empty part. Fails with ErrChunkExists if the part is already stored, whatever its version.
	Create(part apis.ChunkWithType) error
	// The version of a stored part.
	Version(chunk apis.ChunkNum, partType apis.ChunkPartType) (apis.Version, error)
	// Read size bytes at offset within the part. Blocks never written read as zeros.
	Read(part apis.ChunkWithType, offset uint32, size uint32) ([]byte, error)
	// Write data at offset within block, a block index within the part.
	WriteBlock(part apis.ChunkWithType, block uint32, offset uint32, data []byte) error
	Delete(part apis.ChunkWithType) error
}

// The status a chunkserver reports for a storage error.
func StatusOf(err error) apis.Status {
	switch {
	case err == nil:
		return apis.StatusOK
	case errors.Is(err, ErrNoChunk):
		return apis.StatusNoChunk
	case errors.Is(err, ErrWrongVersion):
		return apis.StatusWrongVersion
	case errors.Is(err, ErrWrongOffset):
		return apis.StatusWrongOffset
	case errors.Is(err, ErrWrongSize):
		return apis.StatusWrongSize
	default:
		return apis.StatusIOError
	}
}
