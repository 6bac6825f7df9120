// Package readplan decides which chunk parts to read in order to obtain a range of blocks of a chunk, and how to
// rebuild the requested blocks from whatever was read.
package readplan

import (
	"fmt"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/util"
)

// A single contiguous read from one part.
type ReadOperation struct {
	// Byte offset and size within the part. Both are multiples of apis.BlockSize.
	RequestOffset uint32
	RequestSize   uint32
	// Where each consecutive block of the request is placed in the plan's buffer.
	ReadDataOffsets []uint32
}

// Rebuilds one block of the buffer: the block at SourceOffset is copied to DestinationOffset, and then every block
// at BlocksToXorOffsets is xored into it.
type PostProcessOperation struct {
	SourceOffset       uint32
	DestinationOffset  uint32
	BlocksToXorOffsets []uint32
}

type PartSet map[apis.ChunkPartType]bool

type Reads struct {
	// After post-processing, the requested blocks occupy the beginning of a buffer of this size.
	RequiredBufferSize uint32
	// Reads that are enough to rebuild the requested blocks when all of them succeed.
	Basic map[apis.ChunkPartType]ReadOperation
	// Reads to issue if some basic read fails or is too slow.
	Additional map[apis.ChunkPartType][]ReadOperation
}

type ReadPlan interface {
	Reads() Reads
	// Whether the requested data can be rebuilt although reads from the unfinished parts did not complete.
	IsReadingFinished(unfinished PartSet) bool
	// To be applied once every basic read completed.
	PostProcessForBasicPlan() []PostProcessOperation
	// To be applied once every read, basic or additional, of every part but the unfinished ones completed.
	PostProcessForExtendedPlan(unfinished PartSet) []PostProcessOperation
}

// Runs post-processing operations over a buffer of the plan's required size.
func ApplyPostProcess(buffer []byte, operations []PostProcessOperation) {
	for _, op := range operations {
		destination := buffer[op.DestinationOffset : op.DestinationOffset+apis.BlockSize]
		if op.SourceOffset != op.DestinationOffset {
			copy(destination, buffer[op.SourceOffset:op.SourceOffset+apis.BlockSize])
		}
		for _, offset := range op.BlocksToXorOffsets {
			util.BlockXor(destination, buffer[offset:offset+apis.BlockSize])
		}
	}
}

type partRead struct {
	part apis.ChunkPartType
	op   ReadOperation
}

// State shared by every plan: the reads and the range of blocks they are meant to obtain.
type planBase struct {
	reads Reads
	// Zero when reading from a standard part.
	xorLevel   int
	firstBlock uint32
	blockCount uint32
}

func (p *planBase) Reads() Reads {
	return p.reads
}

func (p *planBase) basicReads() []partRead {
	var reads []partRead
	for _, part := range sortedParts(p.reads.Basic) {
		reads = append(reads, partRead{part: part, op: p.reads.Basic[part]})
	}
	return reads
}

func (p *planBase) allReads(unfinished PartSet) []partRead {
	var reads []partRead
	for _, read := range p.basicReads() {
		if !unfinished[read.part] {
			reads = append(reads, read)
		}
	}
	for _, part := range sortedParts(p.reads.Additional) {
		if unfinished[part] {
			continue
		}
		for _, op := range p.reads.Additional[part] {
			reads = append(reads, partRead{part: part, op: op})
		}
	}
	return reads
}

func (p *planBase) postProcess(reads []partRead) []PostProcessOperation {
	if p.xorLevel == 0 {
		return nil
	}
	return guessPostProcessOperations(p.layoutAfter(reads), p.xorLevel, p.firstBlock, p.blockCount)
}

// One block of the buffer: which block of which part it holds, if any.
type layoutBlock struct {
	valid  bool
	part   apis.ChunkPartType
	stripe uint32
}

func (b layoutBlock) equals(other layoutBlock) bool {
	return b.valid && other.valid && b.part == other.part && b.stripe == other.stripe
}

func (p *planBase) layoutAfter(reads []partRead) []layoutBlock {
	layout := make([]layoutBlock, p.reads.RequiredBufferSize/apis.BlockSize)
	for _, read := range reads {
		for i, offset := range read.op.ReadDataOffsets {
			layout[offset/apis.BlockSize] = layoutBlock{
				valid:  true,
				part:   read.part,
				stripe: read.op.RequestOffset/apis.BlockSize + uint32(i),
			}
		}
	}
	return layout
}

// Computes the operations that turn the actual layout into the requested blocks, in order.
func guessPostProcessOperations(actual []layoutBlock, xorLevel int, firstBlock uint32, blockCount uint32) []PostProcessOperation {
	level := uint32(xorLevel)
	expected := make([]layoutBlock, blockCount)
	for i := range expected {
		position := firstBlock + uint32(i)
		expected[i] = layoutBlock{valid: true, part: apis.XorPart(xorLevel, int(1+position%level)), stripe: position / level}
	}

	var operations []PostProcessOperation
	// Missing blocks go first: rebuilding them may need blocks that the second pass overwrites.
	for n := range expected {
		if !actual[n].valid {
			operations = append(operations, guessOperationForBlock(expected[n], uint32(n), actual))
			actual[n] = expected[n]
		}
	}
	for n := range expected {
		if !actual[n].equals(expected[n]) {
			operations = append(operations, guessOperationForBlock(expected[n], uint32(n), actual))
			actual[n] = expected[n]
		}
	}
	return operations
}

func guessOperationForBlock(block layoutBlock, destination uint32, layout []layoutBlock) PostProcessOperation {
	var positions []uint32
	seenParts := PartSet{}
	for position, candidate := range layout {
		if candidate.equals(block) {
			return PostProcessOperation{
				SourceOffset:      uint32(position) * apis.BlockSize,
				DestinationOffset: destination * apis.BlockSize,
			}
		}
		if candidate.valid && candidate.stripe == block.stripe && !seenParts[candidate.part] {
			positions = append(positions, uint32(position))
			seenParts[candidate.part] = true
		}
	}
	if len(positions) == 0 {
		panic(fmt.Sprintf("no blocks available to rebuild %s stripe %d", block.part, block.stripe))
	}

	source := positions[0]
	for _, position := range positions {
		if position == destination {
			source = destination
		}
	}
	op := PostProcessOperation{
		SourceOffset:      source * apis.BlockSize,
		DestinationOffset: destination * apis.BlockSize,
	}
	for _, position := range positions {
		if position != source {
			op.BlocksToXorOffsets = append(op.BlocksToXorOffsets, position*apis.BlockSize)
		}
	}
	return op
}

func sortedParts[V any](m map[apis.ChunkPartType]V) []apis.ChunkPartType {
	parts := make([]apis.ChunkPartType, 0, len(m))
	for part := range m {
		parts = append(parts, part)
	}
	return apis.SortPartTypes(parts)
}
