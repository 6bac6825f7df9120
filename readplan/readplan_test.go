package readplan

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/util"
)

const bs = apis.BlockSize

// A simulated chunk whose blocks have distinct, deterministic contents.
type testChunk struct {
	blocks map[uint32][]byte
	parity map[[2]uint32][]byte
}

func newTestChunk() *testChunk {
	return &testChunk{blocks: map[uint32][]byte{}, parity: map[[2]uint32][]byte{}}
}

func (c *testChunk) block(index uint32) []byte {
	if index >= apis.BlocksInChunk {
		return make([]byte, bs)
	}
	if data, found := c.blocks[index]; found {
		return data
	}
	data := make([]byte, bs)
	for i := range data {
		data[i] = byte(index*37) ^ byte(i*11) ^ byte(i>>9)
	}
	c.blocks[index] = data
	return data
}

func (c *testChunk) partBlock(part apis.ChunkPartType, stripe uint32) []byte {
	if part.IsStandard() {
		return c.block(stripe)
	}
	level := uint32(part.XorLevel())
	if !part.IsXorParity() {
		return c.block(stripe*level + uint32(part.XorPartNumber()-1))
	}
	key := [2]uint32{level, stripe}
	if data, found := c.parity[key]; found {
		return data
	}
	data := make([]byte, bs)
	for i := uint32(0); i < level; i++ {
		util.BlockXor(data, c.block(stripe*level+i))
	}
	c.parity[key] = data
	return data
}

func (c *testChunk) expected(firstBlock uint32, blockCount uint32) []byte {
	var data []byte
	for i := firstBlock; i < firstBlock+blockCount; i++ {
		data = append(data, c.block(i)...)
	}
	return data
}

// Performs the plan's reads, skipping unfinished parts, and post-processes the buffer.
func (c *testChunk) execute(t *testing.T, plan ReadPlan, blockCount uint32, unfinished PartSet, extended bool) []byte {
	reads := plan.Reads()
	buffer := make([]byte, reads.RequiredBufferSize)
	run := func(part apis.ChunkPartType, op ReadOperation) {
		require.Equal(t, op.RequestSize, uint32(len(op.ReadDataOffsets))*bs)
		for i, offset := range op.ReadDataOffsets {
			copy(buffer[offset:offset+bs], c.partBlock(part, op.RequestOffset/bs+uint32(i)))
		}
	}
	for part, op := range reads.Basic {
		if !unfinished[part] {
			run(part, op)
		}
	}
	if extended {
		for part, ops := range reads.Additional {
			if unfinished[part] {
				continue
			}
			for _, op := range ops {
				run(part, op)
			}
		}
		ApplyPostProcess(buffer, plan.PostProcessForExtendedPlan(unfinished))
	} else {
		ApplyPostProcess(buffer, plan.PostProcessForBasicPlan())
	}
	return buffer[:blockCount*bs]
}

// No byte range of a part is requested twice.
func assertNoDoubleReads(t *testing.T, plan ReadPlan) {
	reads := plan.Reads()
	for part, ops := range reads.Additional {
		all := append([]ReadOperation{}, ops...)
		if basic, found := reads.Basic[part]; found {
			all = append(all, basic)
		}
		for i := range all {
			for j := i + 1; j < len(all); j++ {
				overlap := all[i].RequestOffset < all[j].RequestOffset+all[j].RequestSize &&
					all[j].RequestOffset < all[i].RequestOffset+all[i].RequestSize
				assert.False(t, overlap, "%s reads [%d, +%d) and [%d, +%d)", part,
					all[i].RequestOffset, all[i].RequestSize, all[j].RequestOffset, all[j].RequestSize)
			}
		}
	}
}

func levelParts(level int) []apis.ChunkPartType {
	var parts []apis.ChunkPartType
	for part := 0; part <= level; part++ {
		parts = append(parts, apis.XorPart(level, part))
	}
	return parts
}

func without(parts []apis.ChunkPartType, excluded apis.ChunkPartType) []apis.ChunkPartType {
	var result []apis.ChunkPartType
	for _, part := range parts {
		if part != excluded {
			result = append(result, part)
		}
	}
	return result
}

var testRanges = [][2]uint32{{0, 1}, {0, 7}, {5, 11}, {1017, 7}, {1023, 1}}

func TestRoundTrip_MissingPart(t *testing.T) {
	chunk := newTestChunk()
	for level := apis.MinXorLevel; level <= apis.MaxXorLevel; level++ {
		for _, missing := range levelParts(level) {
			planner := NewMultiVariantPlanner()
			planner.Prepare(without(levelParts(level), missing))
			require.True(t, planner.IsReadingPossible())
			for _, r := range testRanges {
				plan := planner.BuildPlanFor(r[0], r[1])
				assert.True(t, plan.IsReadingFinished(PartSet{}))
				data := chunk.execute(t, plan, r[1], nil, false)
				assert.True(t, bytes.Equal(chunk.expected(r[0], r[1]), data),
					"level %d without %s, blocks [%d, +%d)", level, missing, r[0], r[1])
			}
		}
	}
}

func TestRoundTrip_FailedPart(t *testing.T) {
	chunk := newTestChunk()
	for level := apis.MinXorLevel; level <= apis.MaxXorLevel; level++ {
		planner := NewMultiVariantPlanner()
		planner.Prepare(levelParts(level))
		require.Equal(t, levelParts(level), planner.PartsToUse())
		for _, r := range testRanges {
			plan := planner.BuildPlanFor(r[0], r[1])
			assertNoDoubleReads(t, plan)

			data := chunk.execute(t, plan, r[1], nil, false)
			assert.True(t, bytes.Equal(chunk.expected(r[0], r[1]), data), "level %d, basic plan", level)

			for _, failed := range levelParts(level) {
				unfinished := PartSet{failed: true}
				require.True(t, plan.IsReadingFinished(unfinished))
				data := chunk.execute(t, plan, r[1], unfinished, true)
				assert.True(t, bytes.Equal(chunk.expected(r[0], r[1]), data),
					"level %d, %s failed, blocks [%d, +%d)", level, failed, r[0], r[1])
			}
			assert.False(t, plan.IsReadingFinished(PartSet{apis.XorParity(level): true, apis.XorPart(level, 1): true}))
		}
	}
}

func TestRoundTrip_StandardPart(t *testing.T) {
	chunk := newTestChunk()
	planner := NewMultiVariantPlanner()
	planner.Prepare([]apis.ChunkPartType{apis.XorPart(2, 1), apis.StandardPart(), apis.XorParity(2)})
	assert.Equal(t, []apis.ChunkPartType{apis.StandardPart()}, planner.PartsToUse())

	plan := planner.BuildPlanFor(3, 4)
	assert.Equal(t, ReadOperation{RequestOffset: 3 * bs, RequestSize: 4 * bs,
		ReadDataOffsets: []uint32{0, bs, 2 * bs, 3 * bs}}, plan.Reads().Basic[apis.StandardPart()])
	assert.Empty(t, plan.Reads().Additional)
	assert.Empty(t, plan.PostProcessForBasicPlan())
	assert.True(t, plan.IsReadingFinished(PartSet{}))
	assert.False(t, plan.IsReadingFinished(PartSet{apis.StandardPart(): true}))
	assert.True(t, bytes.Equal(chunk.expected(3, 4), chunk.execute(t, plan, 4, nil, false)))
}

func TestDegradedPlan_Level2(t *testing.T) {
	planner := NewMultiVariantPlanner()
	planner.Prepare([]apis.ChunkPartType{apis.XorPart(2, 1), apis.XorParity(2)})
	plan := planner.BuildPlanFor(0, 4)

	assert.Equal(t, uint32(6*bs), plan.Reads().RequiredBufferSize)
	assert.Equal(t, []PostProcessOperation{
		{SourceOffset: 0, DestinationOffset: bs, BlocksToXorOffsets: []uint32{4 * bs}},
		{SourceOffset: 2 * bs, DestinationOffset: 3 * bs, BlocksToXorOffsets: []uint32{5 * bs}},
	}, plan.PostProcessForBasicPlan())
}

func TestDegradedPlan_Level3(t *testing.T) {
	planner := NewMultiVariantPlanner()
	planner.Prepare([]apis.ChunkPartType{apis.XorPart(3, 1), apis.XorPart(3, 3), apis.XorParity(3)})
	plan := planner.BuildPlanFor(0, 4)

	basic := plan.Reads().Basic
	assert.Equal(t, []uint32{4 * bs, 5 * bs}, basic[apis.XorParity(3)].ReadDataOffsets)
	assert.Equal(t, []uint32{0, 3 * bs}, basic[apis.XorPart(3, 1)].ReadDataOffsets)
	assert.Equal(t, []uint32{2 * bs, 6 * bs}, basic[apis.XorPart(3, 3)].ReadDataOffsets)
	// block 1 is the parity xored with the other data blocks of stripe 0
	assert.Equal(t, []PostProcessOperation{
		{SourceOffset: 0, DestinationOffset: bs, BlocksToXorOffsets: []uint32{2 * bs, 4 * bs}},
	}, plan.PostProcessForBasicPlan())
}

func TestSubtractReadOperation(t *testing.T) {
	op := func(offset, size uint32) ReadOperation {
		return ReadOperation{RequestOffset: offset * bs, RequestSize: size * bs}
	}
	// test case covers: contained, equal
	assert.Empty(t, subtractReadOperation(op(1, 2), op(0, 4)))
	assert.Empty(t, subtractReadOperation(op(1, 2), op(1, 2)))
	// test case covers: disjoint, touching
	assert.Equal(t, []ReadOperation{op(0, 2)}, subtractReadOperation(op(0, 2), op(5, 2)))
	assert.Equal(t, []ReadOperation{op(0, 2)}, subtractReadOperation(op(0, 2), op(2, 2)))
	// test case covers: beginning covered
	assert.Equal(t, []ReadOperation{op(1, 3)}, subtractReadOperation(op(0, 4), op(0, 1)))
	assert.Equal(t, []ReadOperation{op(2, 2)}, subtractReadOperation(op(1, 3), op(0, 2)))
	// test case covers: end covered
	assert.Equal(t, []ReadOperation{op(0, 3)}, subtractReadOperation(op(0, 4), op(3, 2)))
	// test case covers: strictly inside
	assert.Equal(t, []ReadOperation{op(0, 1), op(2, 2)}, subtractReadOperation(op(0, 4), op(1, 1)))
}

func TestWorstPart(t *testing.T) {
	parity, part1, part2 := apis.XorParity(2), apis.XorPart(2, 1), apis.XorPart(2, 2)
	optimal := PartSet{part1: true, part2: true}

	// ties keep the first part unless it is needed by the optimal plan
	assert.Equal(t, parity, worstPart(map[apis.ChunkPartType]float64{parity: 1, part1: 1, part2: 1}, optimal))
	assert.Equal(t, part2, worstPart(map[apis.ChunkPartType]float64{parity: 2, part1: 1, part2: 1}, optimal))
	assert.Equal(t, part1, worstPart(map[apis.ChunkPartType]float64{parity: 1, part1: 0.5, part2: 1}, optimal))
	assert.Equal(t, apis.XorParity(apis.MaxXorLevel), worstPart(map[apis.ChunkPartType]float64{}, optimal))
}

func basicParts(plan ReadPlan) []apis.ChunkPartType {
	return sortedParts(plan.Reads().Basic)
}

func TestMultiVariantPlanner_Scores(t *testing.T) {
	parity, part1, part2 := apis.XorParity(2), apis.XorPart(2, 1), apis.XorPart(2, 2)
	all := []apis.ChunkPartType{part1, part2, parity}

	for i, c := range []struct {
		scores map[apis.ChunkPartType]float64
		basic  []apis.ChunkPartType
	}{
		{nil, []apis.ChunkPartType{part1, part2}},
		{map[apis.ChunkPartType]float64{parity: 2, part1: 1, part2: 1}, []apis.ChunkPartType{parity, part1}},
		{map[apis.ChunkPartType]float64{part1: 0.3}, []apis.ChunkPartType{parity, part2}},
		// the worst part in the table is not available, so nothing is avoided
		{map[apis.ChunkPartType]float64{apis.StandardPart(): 0}, []apis.ChunkPartType{part1, part2}},
	} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			planner := NewMultiVariantPlanner()
			planner.SetScores(c.scores)
			planner.Prepare(all)
			require.True(t, planner.IsReadingPossible())
			assert.Equal(t, []apis.ChunkPartType{parity, part1, part2}, planner.PartsToUse())
			plan := planner.BuildPlanFor(0, 4)
			assert.Equal(t, c.basic, basicParts(plan))
			assertNoDoubleReads(t, plan)
		})
	}
}

func TestMultiVariantPlanner_WorstPartNeeded(t *testing.T) {
	// without the low-scored part nothing could be read, so it is used anyway
	planner := NewMultiVariantPlanner()
	planner.SetScores(map[apis.ChunkPartType]float64{apis.XorPart(2, 1): 0})
	planner.Prepare([]apis.ChunkPartType{apis.XorPart(2, 1), apis.XorParity(2)})
	require.True(t, planner.IsReadingPossible())
	assert.Equal(t, []apis.ChunkPartType{apis.XorParity(2), apis.XorPart(2, 1)}, basicParts(planner.BuildPlanFor(0, 2)))
}

func TestMultiVariantPlanner_Impossible(t *testing.T) {
	planner := NewMultiVariantPlanner()
	planner.Prepare([]apis.ChunkPartType{apis.XorPart(2, 1)})
	assert.False(t, planner.IsReadingPossible())
	assert.Empty(t, planner.PartsToUse())

	planner.Prepare([]apis.ChunkPartType{apis.XorPart(3, 1), apis.XorParity(3), apis.XorPart(2, 2)})
	assert.False(t, planner.IsReadingPossible())

	planner.Prepare(nil)
	assert.False(t, planner.IsReadingPossible())
}

func TestMultiVariantPlanner_StartAvoidingPart(t *testing.T) {
	parity, part1, part2 := apis.XorParity(2), apis.XorPart(2, 1), apis.XorPart(2, 2)

	planner := NewMultiVariantPlanner()
	planner.Prepare([]apis.ChunkPartType{part1, part2, parity})
	planner.StartAvoidingPart(part1)
	require.True(t, planner.IsReadingPossible())
	plan := planner.BuildPlanFor(0, 4)
	assert.Equal(t, []apis.ChunkPartType{parity, part2}, basicParts(plan))
	assert.Contains(t, plan.Reads().Additional, part1)

	// avoiding the only remaining spare would make reading impossible
	planner = NewMultiVariantPlanner()
	planner.Prepare([]apis.ChunkPartType{part1, parity})
	planner.StartAvoidingPart(part1)
	assert.True(t, planner.IsReadingPossible())
	assert.Equal(t, []apis.ChunkPartType{parity, part1}, basicParts(planner.BuildPlanFor(0, 4)))

	for level := apis.MinXorLevel; level <= apis.MaxXorLevel; level++ {
		planner := NewMultiVariantPlanner()
		planner.Prepare(levelParts(level))
		for _, part := range levelParts(level) {
			planner.StartAvoidingPart(part)
			assert.True(t, planner.IsReadingPossible())
		}
	}
}

func TestStandardPlanner_Preferences(t *testing.T) {
	var planner StandardPlanner

	planner.Prepare(append(levelParts(2), levelParts(3)...))
	assert.Equal(t, []apis.ChunkPartType{apis.XorPart(3, 1), apis.XorPart(3, 2), apis.XorPart(3, 3)}, planner.PartsToUse())

	// a complete lower level beats a degraded higher level
	planner.Prepare(append(levelParts(2), without(levelParts(3), apis.XorPart(3, 2))...))
	assert.Equal(t, []apis.ChunkPartType{apis.XorPart(2, 1), apis.XorPart(2, 2)}, planner.PartsToUse())

	planner.Prepare(append(without(levelParts(2), apis.XorPart(2, 1)), without(levelParts(3), apis.XorPart(3, 2))...))
	assert.Equal(t, []apis.ChunkPartType{apis.XorParity(3), apis.XorPart(3, 1), apis.XorPart(3, 3)}, planner.PartsToUse())

	planner.Prepare([]apis.ChunkPartType{apis.XorPart(3, 1), apis.StandardPart()})
	assert.Equal(t, []apis.ChunkPartType{apis.StandardPart()}, planner.PartsToUse())

	planner.Prepare(levelParts(2))
	assert.Panics(t, func() { planner.BuildPlanFor(1020, 5) })
	assert.Panics(t, func() { planner.BuildPlanFor(0, 0) })
}

func TestStandardPlanner_DataPartReads(t *testing.T) {
	var planner StandardPlanner
	planner.Prepare(levelParts(3))
	plan := planner.BuildPlanFor(4, 5)

	// blocks 4..8: part 1 holds 6, part 2 holds 4 and 7, part 3 holds 5 and 8
	basic := plan.Reads().Basic
	assert.Equal(t, ReadOperation{RequestOffset: 2 * bs, RequestSize: bs, ReadDataOffsets: []uint32{2 * bs}},
		basic[apis.XorPart(3, 1)])
	assert.Equal(t, ReadOperation{RequestOffset: 1 * bs, RequestSize: 2 * bs, ReadDataOffsets: []uint32{0, 3 * bs}},
		basic[apis.XorPart(3, 2)])
	assert.Equal(t, ReadOperation{RequestOffset: 1 * bs, RequestSize: 2 * bs, ReadDataOffsets: []uint32{bs, 4 * bs}},
		basic[apis.XorPart(3, 3)])
	assert.Empty(t, plan.PostProcessForBasicPlan())
	assert.False(t, plan.IsReadingFinished(PartSet{apis.XorPart(3, 1): true}))
}

func TestApplyPostProcess(t *testing.T) {
	buffer := make([]byte, 3*bs)
	for i := range buffer {
		buffer[i] = byte(i / bs * 3)
	}
	// block 0 = 0, block 1 = 3, block 2 = 6
	ApplyPostProcess(buffer, []PostProcessOperation{
		{SourceOffset: 2 * bs, DestinationOffset: 0, BlocksToXorOffsets: []uint32{bs}},
		{SourceOffset: bs, DestinationOffset: bs},
	})
	assert.Equal(t, bytes.Repeat([]byte{6 ^ 3}, bs), buffer[:bs])
	assert.Equal(t, bytes.Repeat([]byte{3}, bs), buffer[bs:2*bs])
}
