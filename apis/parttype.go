package apis

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

const (
	MinXorLevel = 2
	MaxXorLevel = 9

	// Part number of the parity part of any xor level
	XorParityPart = 0
)

// Identifies which part of a chunk a chunkserver holds.
// The zero value is the standard part, a full copy of the chunk. Otherwise the part belongs to an xor level: data
// part p (1 <= p <= level) holds every block b with b % level == p-1, and the parity part holds the xor of every
// data block in each stripe.
type ChunkPartType struct {
	level uint8
	part  uint8
}

func StandardPart() ChunkPartType {
	return ChunkPartType{}
}

// Panics if the level or part is out of range.
func XorPart(level int, part int) ChunkPartType {
	if level < MinXorLevel || level > MaxXorLevel {
		panic(fmt.Sprintf("invalid xor level %d", level))
	}
	if part < 0 || part > level {
		panic(fmt.Sprintf("invalid part %d for xor level %d", part, level))
	}
	return ChunkPartType{level: uint8(level), part: uint8(part)}
}

func XorParity(level int) ChunkPartType {
	return XorPart(level, XorParityPart)
}

// Decodes a part type from its wire representation.
func PartTypeFromID(id uint16) (ChunkPartType, error) {
	level, part := int(id>>8), int(id&0xFF)
	if level == 0 {
		if part != 0 {
			return ChunkPartType{}, errors.Errorf("invalid standard part id %d", id)
		}
		return StandardPart(), nil
	}
	if level < MinXorLevel || level > MaxXorLevel || part > level {
		return ChunkPartType{}, errors.Errorf("invalid part type id %d", id)
	}
	return ChunkPartType{level: uint8(level), part: uint8(part)}, nil
}

// The wire representation of this part type. Ordering of IDs matches Less.
func (t ChunkPartType) ID() uint16 {
	return uint16(t.level)<<8 | uint16(t.part)
}

func (t ChunkPartType) IsStandard() bool {
	return t.level == 0
}

func (t ChunkPartType) IsXor() bool {
	return t.level != 0
}

func (t ChunkPartType) IsXorParity() bool {
	return t.level != 0 && t.part == XorParityPart
}

func (t ChunkPartType) XorLevel() int {
	return int(t.level)
}

// 1-based for data parts, XorParityPart for parity parts.
func (t ChunkPartType) XorPartNumber() int {
	return int(t.part)
}

// The number of consecutive chunk blocks covered by one block of this part.
func (t ChunkPartType) StripeSize() int {
	if t.level == 0 {
		return 1
	}
	return int(t.level)
}

// The number of blocks this part holds for a chunk made of chunkBlocks blocks.
func (t ChunkPartType) NumberOfBlocks(chunkBlocks int) int {
	if t.level == 0 {
		return chunkBlocks
	}
	level := int(t.level)
	if t.part == XorParityPart {
		return (chunkBlocks + level - 1) / level
	}
	return (chunkBlocks + level - int(t.part)) / level
}

func (t ChunkPartType) Less(other ChunkPartType) bool {
	return t.ID() < other.ID()
}

func (t ChunkPartType) String() string {
	switch {
	case t.level == 0:
		return "standard"
	case t.part == XorParityPart:
		return fmt.Sprintf("xor%d-parity", t.level)
	default:
		return fmt.Sprintf("xor%d-part%d", t.level, t.part)
	}
}

// Sorts part types in place and returns them.
func SortPartTypes(parts []ChunkPartType) []ChunkPartType {
	sort.Slice(parts, func(i, j int) bool {
		return parts[i].Less(parts[j])
	})
	return parts
}
