package readplan

import (
	"math"

	"github.com/AICloudNAS/lizardfs/apis"
)

const defaultScore = 1.0

// Builds plans that read redundant parts too, so that a single slow or failed part does not hold up the read.
// Parts are trusted according to their scores: the basic reads avoid the part with the worst score if possible.
type MultiVariantPlanner struct {
	scores     map[apis.ChunkPartType]float64
	standard   StandardPlanner
	partsToUse []apis.ChunkPartType
}

func NewMultiVariantPlanner() *MultiVariantPlanner {
	return &MultiVariantPlanner{scores: map[apis.ChunkPartType]float64{}}
}

// Replaces the score table. Higher is better.
func (p *MultiVariantPlanner) SetScores(scores map[apis.ChunkPartType]float64) {
	p.scores = map[apis.ChunkPartType]float64{}
	for part, score := range scores {
		p.scores[part] = score
	}
}

// The part with the lowest score in the table. Among equal scores, the earlier part wins unless it belongs to
// optimal, in which case the later one takes its place.
func worstPart(scores map[apis.ChunkPartType]float64, optimal PartSet) apis.ChunkPartType {
	worstScore := math.Inf(1)
	worst := apis.XorParity(apis.MaxXorLevel)
	for _, part := range sortedParts(scores) {
		score := scores[part]
		if score < worstScore || (score == worstScore && optimal[worst]) {
			worstScore, worst = score, part
		}
	}
	return worst
}

func (p *MultiVariantPlanner) Prepare(available []apis.ChunkPartType) {
	for _, part := range available {
		if _, found := p.scores[part]; !found {
			p.scores[part] = defaultScore
		}
	}

	// the parts which would be used if there were no scores
	p.standard.Prepare(available)
	optimal := PartSet{}
	for _, part := range p.standard.PartsToUse() {
		optimal[part] = true
	}

	worst := worstPart(p.scores, optimal)
	var bestParts []apis.ChunkPartType
	for _, part := range available {
		if part != worst {
			bestParts = append(bestParts, part)
		}
	}
	p.standard.Prepare(bestParts)
	if !p.standard.IsReadingPossible() {
		p.standard.Prepare(available)
	}
	p.partsToUse = nil
	if !p.standard.IsReadingPossible() {
		return
	}

	selected := p.standard.PartsToUse()
	stripeSize := selected[0].StripeSize()
	for _, part := range selected {
		if part.StripeSize() != stripeSize {
			panic("read plan mixes stripe sizes")
		}
	}
	used := PartSet{}
	for _, part := range available {
		if part.StripeSize() == stripeSize {
			used[part] = true
		}
	}
	p.partsToUse = sortedParts(used)
}

// Every available part of the level being read, sorted.
func (p *MultiVariantPlanner) PartsToUse() []apis.ChunkPartType {
	return append([]apis.ChunkPartType(nil), p.partsToUse...)
}

func (p *MultiVariantPlanner) IsReadingPossible() bool {
	return p.standard.IsReadingPossible()
}

// Preconditions:
//   IsReadingPossible()
//   blockCount >= 1 and firstBlock+blockCount <= apis.BlocksInChunk
func (p *MultiVariantPlanner) BuildPlanFor(firstBlock uint32, blockCount uint32) ReadPlan {
	standardPlan := p.standard.BuildPlanFor(firstBlock, blockCount)

	// nothing redundant to read
	stripeSize := p.partsToUse[0].StripeSize()
	if stripeSize == 1 || len(p.partsToUse) == stripeSize {
		return standardPlan
	}

	plan := newReadFromAllXorPartsPlan(standardPlan, stripeSize, firstBlock, blockCount)
	// read everything needed to rebuild any block of the range
	firstStripe := firstBlock / uint32(stripeSize)
	stripes := (firstBlock+blockCount-1)/uint32(stripeSize) - firstStripe + 1
	for _, part := range p.partsToUse {
		blocksToRead := stripes
		if held := uint32(part.NumberOfBlocks(apis.BlocksInChunk)); firstStripe+blocksToRead > held {
			// some parts hold no block of the last stripe
			blocksToRead = held - firstStripe
		}
		op := ReadOperation{RequestOffset: firstStripe * apis.BlockSize, RequestSize: blocksToRead * apis.BlockSize}
		residuals := []ReadOperation{op}
		if basic, found := plan.reads.Basic[part]; found {
			residuals = subtractReadOperation(op, basic)
		}
		for _, residual := range residuals {
			if residual.RequestSize > 0 {
				plan.addAdditionalRead(part, residual)
			}
		}
	}
	return plan
}

// Stops reading from a part, but only if the remaining parts can still serve reads.
func (p *MultiVariantPlanner) StartAvoidingPart(avoided apis.ChunkPartType) {
	var remaining []apis.ChunkPartType
	for _, part := range p.partsToUse {
		if part != avoided {
			remaining = append(remaining, part)
		}
	}
	var check StandardPlanner
	check.Prepare(remaining)
	if check.IsReadingPossible() {
		p.standard.Prepare(remaining)
	}
}
