package chunkwriter

import (
	"fmt"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/journal"
)

// A group of journal entries written to chunkservers together.
// All entries share a chunk index, a [From, To) range and a combined stripe, and have distinct block indices.
type operation struct {
	journalPositions []journal.Position
	// Parity computed for this operation; kept alive until the writes complete.
	parityBuffers []*journal.WriteCacheBlock
	// Writes sent to any chunkserver and not yet acknowledged.
	unfinishedWrites int
	// The file length implied by this operation once it completes.
	offsetOfEnd uint64
}

// Whether the block at pos can join this operation.
// Panics if pos belongs to a different chunk than the operation.
func (o *operation) isExpandPossible(j *journal.Journal, pos journal.Position, stripeSize int) bool {
	candidate := j.At(pos)
	stripe := uint32(stripeSize)
	for _, existing := range o.journalPositions {
		block := j.At(existing)
		if block.ChunkIndex != candidate.ChunkIndex {
			panic(fmt.Sprintf("operation mixes chunks %d and %d", block.ChunkIndex, candidate.ChunkIndex))
		}
		if candidate.From != block.From || candidate.To != block.To ||
			candidate.BlockIndex/stripe != block.BlockIndex/stripe ||
			candidate.BlockIndex == block.BlockIndex {
			return false
		}
	}
	return true
}

func (o *operation) expand(j *journal.Journal, pos journal.Position) {
	block := j.At(pos)
	if block.Type == journal.ParityBlock {
		panic("parity blocks are never part of an operation")
	}
	end := block.OffsetInFile() + uint64(block.Size())
	if block.Type != journal.ReadBlock && end > o.offsetOfEnd {
		o.offsetOfEnd = end
	}
	o.journalPositions = append(o.journalPositions, pos)
}

// Two operations collide if they write overlapping byte ranges of the same block.
func (o *operation) collidesWith(j *journal.Journal, other *operation) bool {
	for _, pos1 := range o.journalPositions {
		block1 := j.At(pos1)
		for _, pos2 := range other.journalPositions {
			block2 := j.At(pos2)
			if block1.ChunkIndex != block2.ChunkIndex {
				panic(fmt.Sprintf("operations on chunks %d and %d compared", block1.ChunkIndex, block2.ChunkIndex))
			}
			if block1.BlockIndex != block2.BlockIndex || block1.From >= block2.To || block1.To <= block2.From {
				continue
			}
			return true
		}
	}
	return false
}

// The last stripe of a chunk is shorter when the chunk's block count is not a multiple of the stripe size.
func (o *operation) isFullStripe(j *journal.Journal, stripeSize int) bool {
	if len(o.journalPositions) == 0 {
		return false
	}
	elementsInStripe := stripeSize
	stripe := int(j.At(o.journalPositions[0]).BlockIndex) / stripeSize
	if stripe == (apis.BlocksInChunk-1)/stripeSize && apis.BlocksInChunk%stripeSize != 0 {
		elementsInStripe = apis.BlocksInChunk % stripeSize
	}
	return len(o.journalPositions) == elementsInStripe
}

func (o *operation) first(j *journal.Journal) *journal.WriteCacheBlock {
	return j.At(o.journalPositions[0])
}

func (o *operation) last() journal.Position {
	return o.journalPositions[len(o.journalPositions)-1]
}
