package journal

import (
	"fmt"

	"github.com/AICloudNAS/lizardfs/apis"
)

type BlockType int

const (
	// Dirty data that the application may still modify.
	WritableBlock BlockType = iota
	// Dirty data that has been handed to a chunk writer.
	ReadOnlyBlock
	// Data read back from a chunkserver to complete a stripe; never written to standard or data parts.
	ReadBlock
	// Computed parity.
	ParityBlock
)

func (t BlockType) String() string {
	switch t {
	case WritableBlock:
		return "writable"
	case ReadOnlyBlock:
		return "read-only"
	case ReadBlock:
		return "read"
	case ParityBlock:
		return "parity"
	default:
		return fmt.Sprintf("block type %d", int(t))
	}
}

// One block of a chunk together with the byte range [From, To) of it that holds meaningful data.
type WriteCacheBlock struct {
	ChunkIndex uint32
	BlockIndex uint32
	From       uint32
	To         uint32
	Type       BlockType

	blockData []byte
}

func NewWriteCacheBlock(chunkIndex uint32, blockIndex uint32, blockType BlockType) WriteCacheBlock {
	return WriteCacheBlock{
		ChunkIndex: chunkIndex,
		BlockIndex: blockIndex,
		Type:       blockType,
		blockData:  make([]byte, apis.BlockSize),
	}
}

// A copy of the block that shares no storage with it.
func (b *WriteCacheBlock) Clone() WriteCacheBlock {
	clone := *b
	clone.blockData = append([]byte(nil), b.blockData...)
	return clone
}

func (b *WriteCacheBlock) Size() uint32 {
	return b.To - b.From
}

// The meaningful part of the block, aliasing the block's storage.
func (b *WriteCacheBlock) Data() []byte {
	return b.blockData[b.From:b.To]
}

// The whole block, aliasing the block's storage.
func (b *WriteCacheBlock) BlockData() []byte {
	return b.blockData
}

func (b *WriteCacheBlock) OffsetInFile() uint64 {
	return uint64(b.ChunkIndex)*apis.ChunkSize + uint64(b.BlockIndex)*apis.BlockSize + uint64(b.From)
}

// Copies data into [from, to) and widens the meaningful range to include it.
// Fails if the block is not modifiable, or if the new range would leave a gap next to the existing one.
func (b *WriteCacheBlock) Expand(from uint32, to uint32, data []byte) bool {
	if b.Type != WritableBlock && b.Type != ParityBlock {
		return false
	}
	if from > to || to > apis.BlockSize || uint32(len(data)) < to-from {
		return false
	}
	if b.From == b.To {
		b.From, b.To = from, to
	} else {
		if to < b.From || from > b.To {
			return false
		}
		if from < b.From {
			b.From = from
		}
		if to > b.To {
			b.To = to
		}
	}
	copy(b.blockData[from:to], data)
	return true
}
