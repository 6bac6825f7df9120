// Package chunkreader executes read plans against chunkservers.
package chunkreader

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/readplan"
	"github.com/AICloudNAS/lizardfs/stats"
)

// Reads blocks of one chunk, falling back to redundant parts when chunkservers fail.
// Not safe for concurrent use.
type ChunkReader struct {
	connector apis.ChunkConnector
	stats     *stats.ChunkserverStats
	timeout   time.Duration

	planner   *readplan.MultiVariantPlanner
	chunk     apis.ChunkNum
	version   apis.Version
	locations map[apis.ChunkPartType]apis.ChunkTypeWithAddress
}

func NewChunkReader(connector apis.ChunkConnector, chunkserverStats *stats.ChunkserverStats, timeout time.Duration) *ChunkReader {
	return &ChunkReader{
		connector: connector,
		stats:     chunkserverStats,
		timeout:   timeout,
	}
}

// Chooses the servers and parts to read from. For every part, the server with the best score is used.
func (r *ChunkReader) Prepare(info apis.ChunkLocationInfo) error {
	r.chunk, r.version = info.Chunk, info.Version
	r.locations = map[apis.ChunkPartType]apis.ChunkTypeWithAddress{}
	for _, location := range info.Locations {
		existing, found := r.locations[location.PartType]
		if !found || r.stats.Score(location.Address) > r.stats.Score(existing.Address) {
			r.locations[location.PartType] = location
		}
	}
	var parts []apis.ChunkPartType
	for part := range r.locations {
		parts = append(parts, part)
	}

	r.planner = readplan.NewMultiVariantPlanner()
	r.planner.SetScores(r.stats.ScoresFor(info.Locations))
	r.planner.Prepare(apis.SortPartTypes(parts))
	if !r.planner.IsReadingPossible() {
		return apis.RecoverableError("no set of parts of chunk %d is enough to read it", info.Chunk)
	}
	return nil
}

type readResult struct {
	mu         sync.Mutex
	unfinished readplan.PartSet
	firstErr   error
}

func (res *readResult) fail(part apis.ChunkPartType, err error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.unfinished[part] = true
	if res.firstErr == nil {
		res.firstErr = err
	}
}

// Returns blockCount blocks starting at firstBlock.
// Parts that fail are avoided by later reads of this reader, as long as the rest can still serve them.
func (r *ChunkReader) ReadBlocks(ctx context.Context, firstBlock uint32, blockCount uint32) ([]byte, error) {
	if r.planner == nil || !r.planner.IsReadingPossible() {
		return nil, errors.New("chunk reader is not prepared")
	}
	if blockCount == 0 || firstBlock+blockCount > apis.BlocksInChunk {
		return nil, errors.Errorf("invalid block range [%d, %d)", firstBlock, firstBlock+blockCount)
	}
	plan := r.planner.BuildPlanFor(firstBlock, blockCount)
	reads := plan.Reads()
	buffer := make([]byte, reads.RequiredBufferSize)

	basic := map[apis.ChunkPartType][]readplan.ReadOperation{}
	for part, op := range reads.Basic {
		basic[part] = []readplan.ReadOperation{op}
	}
	result := &readResult{unfinished: readplan.PartSet{}}
	r.runReads(ctx, buffer, basic, result)

	var postProcess []readplan.PostProcessOperation
	if len(result.unfinished) == 0 {
		postProcess = plan.PostProcessForBasicPlan()
	} else {
		additional := map[apis.ChunkPartType][]readplan.ReadOperation{}
		for part, ops := range reads.Additional {
			if !result.unfinished[part] {
				additional[part] = ops
			}
		}
		r.runReads(ctx, buffer, additional, result)
		for part := range result.unfinished {
			r.planner.StartAvoidingPart(part)
		}
		if !plan.IsReadingFinished(result.unfinished) {
			return nil, errors.Wrapf(result.firstErr, "cannot read blocks [%d, %d) of chunk %d",
				firstBlock, firstBlock+blockCount, r.chunk)
		}
		log.WithFields(log.Fields{
			"chunk":  r.chunk,
			"failed": len(result.unfinished),
		}).WithError(result.firstErr).Info("rebuilt chunk data from redundant parts")
		postProcess = plan.PostProcessForExtendedPlan(result.unfinished)
	}
	readplan.ApplyPostProcess(buffer, postProcess)
	return buffer[:blockCount*apis.BlockSize], nil
}

// Performs the reads of every part concurrently. Parts whose reads fail are recorded in result.
func (r *ChunkReader) runReads(ctx context.Context, buffer []byte, reads map[apis.ChunkPartType][]readplan.ReadOperation, result *readResult) {
	var group errgroup.Group
	for part, ops := range reads {
		part, ops := part, ops
		location := r.locations[part]
		group.Go(func() error {
			for _, op := range ops {
				if err := r.readInto(ctx, location, op, buffer); err != nil {
					result.fail(part, err)
					return nil
				}
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (r *ChunkReader) readInto(ctx context.Context, location apis.ChunkTypeWithAddress, op readplan.ReadOperation, buffer []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.stats.RegisterReadOperation(location.Address)
	data, err := r.connector.Read(ctx, location, r.chunk, r.version, op.RequestOffset, op.RequestSize)
	r.stats.UnregisterReadOperation(location.Address)
	if err == nil && uint32(len(data)) != op.RequestSize {
		err = errors.Errorf("expected %d bytes, got %d", op.RequestSize, len(data))
	}
	if err != nil {
		err = errors.Wrapf(err, "reading %s", location.PartType)
		if apis.IsRecoverable(err) {
			// refused with a status; the server itself works
			return err
		}
		r.stats.MarkDefective(location.Address)
		return apis.ConnectionError(location.Address, err)
	}
	r.stats.MarkWorking(location.Address)
	for i, offset := range op.ReadDataOffsets {
		copy(buffer[offset:offset+apis.BlockSize], data[uint32(i)*apis.BlockSize:])
	}
	return nil
}
