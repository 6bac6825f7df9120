package readplan

import "github.com/AICloudNAS/lizardfs/apis"

// Reads from every available part of one xor level, so that the requested blocks can be rebuilt as soon as all
// parts but one have delivered.
type readFromAllXorPartsPlan struct {
	planBase
}

// Takes over the basic reads of another plan, dropping its additional reads.
func newReadFromAllXorPartsPlan(plan ReadPlan, xorLevel int, firstBlock uint32, blockCount uint32) *readFromAllXorPartsPlan {
	reads := plan.Reads()
	return &readFromAllXorPartsPlan{planBase: planBase{
		reads: Reads{
			RequiredBufferSize: reads.RequiredBufferSize,
			Basic:              reads.Basic,
			Additional:         map[apis.ChunkPartType][]ReadOperation{},
		},
		xorLevel:   xorLevel,
		firstBlock: firstBlock,
		blockCount: blockCount,
	}}
}

func (p *readFromAllXorPartsPlan) IsReadingFinished(unfinished PartSet) bool {
	return len(unfinished) <= 1
}

func (p *readFromAllXorPartsPlan) PostProcessForBasicPlan() []PostProcessOperation {
	return p.postProcess(p.basicReads())
}

func (p *readFromAllXorPartsPlan) PostProcessForExtendedPlan(unfinished PartSet) []PostProcessOperation {
	if !p.IsReadingFinished(unfinished) {
		panic("post-processing an unfinished plan")
	}
	return p.postProcess(p.allReads(unfinished))
}

// Appends a read of the part to the additional reads, placing its blocks at the end of the buffer.
func (p *readFromAllXorPartsPlan) addAdditionalRead(part apis.ChunkPartType, op ReadOperation) {
	op.ReadDataOffsets = nil
	for i := uint32(0); i < op.RequestSize/apis.BlockSize; i++ {
		op.ReadDataOffsets = append(op.ReadDataOffsets, p.reads.RequiredBufferSize)
		p.reads.RequiredBufferSize += apis.BlockSize
	}
	p.reads.Additional[part] = append(p.reads.Additional[part], op)
}

// Removes from op1 the range covered by op2. Returns what is left: nothing, one range, or two ranges if op2 lies
// strictly inside op1. Buffer offsets are not carried over.
func subtractReadOperation(op1 ReadOperation, op2 ReadOperation) []ReadOperation {
	op1End := op1.RequestOffset + op1.RequestSize
	op2End := op2.RequestOffset + op2.RequestSize

	switch {
	case op2.RequestOffset <= op1.RequestOffset && op2End >= op1End:
		return nil
	case op2End <= op1.RequestOffset || op2.RequestOffset >= op1End:
		return []ReadOperation{{RequestOffset: op1.RequestOffset, RequestSize: op1.RequestSize}}
	case op2.RequestOffset <= op1.RequestOffset:
		return []ReadOperation{{RequestOffset: op2End, RequestSize: op1End - op2End}}
	case op2End >= op1End:
		return []ReadOperation{{RequestOffset: op1.RequestOffset, RequestSize: op2.RequestOffset - op1.RequestOffset}}
	default:
		return []ReadOperation{
			{RequestOffset: op1.RequestOffset, RequestSize: op2.RequestOffset - op1.RequestOffset},
			{RequestOffset: op2End, RequestSize: op1End - op2End},
		}
	}
}
