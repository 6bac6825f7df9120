package readplan

import (
	"fmt"

	"github.com/AICloudNAS/lizardfs/apis"
)

type standardMode int

const (
	impossible standardMode = iota
	// read from a full copy
	fromStandardPart
	// read each block from the data part holding it
	fromDataParts
	// one data part is missing; rebuild its blocks from the parity
	fromDegradedLevel
)

// Plans reads from the fewest parts possible: a standard part if there is one, otherwise the data parts of the
// highest xor level that has all of them, otherwise the highest xor level that lacks just one data part.
type StandardPlanner struct {
	mode       standardMode
	xorLevel   int
	partsToUse []apis.ChunkPartType
}

func (s *StandardPlanner) Prepare(available []apis.ChunkPartType) {
	present := PartSet{}
	for _, part := range available {
		present[part] = true
	}
	s.mode, s.xorLevel, s.partsToUse = impossible, 0, nil

	if present[apis.StandardPart()] {
		s.mode, s.partsToUse = fromStandardPart, []apis.ChunkPartType{apis.StandardPart()}
		return
	}
	for level := apis.MaxXorLevel; level >= apis.MinXorLevel; level-- {
		var parts []apis.ChunkPartType
		for part := 1; part <= level; part++ {
			if present[apis.XorPart(level, part)] {
				parts = append(parts, apis.XorPart(level, part))
			}
		}
		if len(parts) == level {
			s.mode, s.xorLevel, s.partsToUse = fromDataParts, level, parts
			return
		}
	}
	for level := apis.MaxXorLevel; level >= apis.MinXorLevel; level-- {
		if !present[apis.XorParity(level)] {
			continue
		}
		parts := []apis.ChunkPartType{apis.XorParity(level)}
		for part := 1; part <= level; part++ {
			if present[apis.XorPart(level, part)] {
				parts = append(parts, apis.XorPart(level, part))
			}
		}
		if len(parts) == level {
			s.mode, s.xorLevel, s.partsToUse = fromDegradedLevel, level, parts
			return
		}
	}
}

// Sorted. Empty if reading is impossible.
func (s *StandardPlanner) PartsToUse() []apis.ChunkPartType {
	return append([]apis.ChunkPartType(nil), s.partsToUse...)
}

func (s *StandardPlanner) IsReadingPossible() bool {
	return s.mode != impossible
}

// Preconditions:
//   IsReadingPossible()
//   blockCount >= 1 and firstBlock+blockCount <= apis.BlocksInChunk
// Postconditions:
//   the first blockCount blocks of the buffer hold the requested blocks once the basic reads and post-processing
//   are done
func (s *StandardPlanner) BuildPlanFor(firstBlock uint32, blockCount uint32) ReadPlan {
	if blockCount == 0 || firstBlock+blockCount > apis.BlocksInChunk {
		panic(fmt.Sprintf("invalid block range [%d, %d)", firstBlock, firstBlock+blockCount))
	}
	base := planBase{
		reads: Reads{
			RequiredBufferSize: blockCount * apis.BlockSize,
			Basic:              map[apis.ChunkPartType]ReadOperation{},
			Additional:         map[apis.ChunkPartType][]ReadOperation{},
		},
		xorLevel:   s.xorLevel,
		firstBlock: firstBlock,
		blockCount: blockCount,
	}
	switch s.mode {
	case fromStandardPart:
		op := ReadOperation{RequestOffset: firstBlock * apis.BlockSize, RequestSize: blockCount * apis.BlockSize}
		for i := uint32(0); i < blockCount; i++ {
			op.ReadDataOffsets = append(op.ReadDataOffsets, i*apis.BlockSize)
		}
		base.reads.Basic[apis.StandardPart()] = op
	case fromDataParts:
		s.planDataParts(&base)
	case fromDegradedLevel:
		s.planDegraded(&base)
	default:
		panic("reading is not possible")
	}
	return &standardPlan{planBase: base}
}

func (s *StandardPlanner) planDataParts(base *planBase) {
	level := uint32(s.xorLevel)
	end := base.firstBlock + base.blockCount
	for _, part := range s.partsToUse {
		remainder := uint32(part.XorPartNumber() - 1)
		// the first block of the range held by this part
		block := base.firstBlock + (remainder+level-base.firstBlock%level)%level
		if block >= end {
			continue
		}
		op := ReadOperation{RequestOffset: block / level * apis.BlockSize}
		for ; block < end; block += level {
			op.ReadDataOffsets = append(op.ReadDataOffsets, (block-base.firstBlock)*apis.BlockSize)
			op.RequestSize += apis.BlockSize
		}
		base.reads.Basic[part] = op
	}
}

// Every available part of the level reads all stripes touching the range, so every missing block can be rebuilt
// from its stripe. Blocks outside the range land after the requested blocks.
func (s *StandardPlanner) planDegraded(base *planBase) {
	level := uint32(s.xorLevel)
	end := base.firstBlock + base.blockCount
	firstStripe := base.firstBlock / level
	lastStripe := (end - 1) / level
	for _, part := range s.partsToUse {
		partLast := lastStripe
		if held := uint32(part.NumberOfBlocks(apis.BlocksInChunk)); partLast >= held {
			partLast = held - 1
		}
		if partLast < firstStripe {
			continue
		}
		op := ReadOperation{RequestOffset: firstStripe * apis.BlockSize}
		for stripe := firstStripe; stripe <= partLast; stripe++ {
			op.RequestSize += apis.BlockSize
			if !part.IsXorParity() {
				block := stripe*level + uint32(part.XorPartNumber()-1)
				if block >= base.firstBlock && block < end {
					op.ReadDataOffsets = append(op.ReadDataOffsets, (block-base.firstBlock)*apis.BlockSize)
					continue
				}
			}
			op.ReadDataOffsets = append(op.ReadDataOffsets, base.reads.RequiredBufferSize)
			base.reads.RequiredBufferSize += apis.BlockSize
		}
		base.reads.Basic[part] = op
	}
}

// A plan that needs every one of its reads.
type standardPlan struct {
	planBase
}

func (p *standardPlan) IsReadingFinished(unfinished PartSet) bool {
	return len(unfinished) == 0
}

func (p *standardPlan) PostProcessForBasicPlan() []PostProcessOperation {
	return p.postProcess(p.basicReads())
}

func (p *standardPlan) PostProcessForExtendedPlan(unfinished PartSet) []PostProcessOperation {
	if !p.IsReadingFinished(unfinished) {
		panic("post-processing an unfinished plan")
	}
	return p.postProcess(p.allReads(unfinished))
}
