// Package chunkwriter turns block writes for a single chunk into stripe-aligned writes to every chunkserver
// holding a part of that chunk, computing parity along the way.
package chunkwriter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/journal"
	"github.com/AICloudNAS/lizardfs/stats"
	"github.com/AICloudNAS/lizardfs/util"
)

const (
	// How long filling in a partial stripe may block on a single read.
	fillInReadTimeout = time.Second
	eventQueueSize    = 256
	// Identifies the handshake with all chunkservers that opens every write session.
	initOperationID uint32 = 0
)

// Writes one chunk. A ChunkWriter is owned by a single goroutine and is not safe for concurrent use.
//
// Usage: Init, then repeatedly AddOperation / StartNewOperations / ProcessOperations, then StartFlushMode and keep
// processing until UnfinishedOperationsCount is zero, then Finish. On any error, call AbortOperations and recover
// the unwritten data with ReleaseJournal.
type ChunkWriter struct {
	stats     *stats.ChunkserverStats
	connector apis.ChunkConnector
	// Any signal here wakes up ProcessOperations; may be nil.
	notify <-chan struct{}
	events chan apis.WriteEvent

	locator              apis.WriteChunkLocator
	executors            []apis.WriteExecutor
	journal              *journal.Journal
	newOperations        []*operation
	pendingOperations    map[uint32]*operation
	writeIDToOperationID map[apis.WriteID]uint32
	idCounter            uint32
	acceptsNewOperations bool
	combinedStripeSize   int
}

func NewChunkWriter(chunkserverStats *stats.ChunkserverStats, connector apis.ChunkConnector, notify <-chan struct{}) *ChunkWriter {
	return &ChunkWriter{
		stats:                chunkserverStats,
		connector:            connector,
		notify:               notify,
		events:               make(chan apis.WriteEvent, eventQueueSize),
		journal:              journal.New(),
		pendingOperations:    map[uint32]*operation{},
		writeIDToOperationID: map[apis.WriteID]uint32{},
		acceptsNewOperations: true,
	}
}

// Connects to every chunkserver holding a part of the located chunk and queues the init handshake.
// Preconditions:
//   no operations are pending and no executors are open
// Postconditions:
//   on success, one executor exists per distinct part type, and operation 0 waits for one ack per executor
func (w *ChunkWriter) Init(locator apis.WriteChunkLocator, timeout time.Duration) error {
	if len(w.pendingOperations) != 0 || len(w.executors) != 0 {
		panic("chunk writer initialized twice")
	}
	w.locator = locator
	w.combinedStripeSize = 0
	info := locator.LocationInfo()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, location := range info.Locations {
		// if some executor already writes this part type, chain the server behind it
		addedToChain := false
		for _, executor := range w.executors {
			if executor.PartType() == location.PartType {
				executor.AddChunkserverToChain(location)
				addedToChain = true
			}
		}
		if addedToChain {
			continue
		}

		stripeSize := location.PartType.StripeSize()
		if w.combinedStripeSize == 0 {
			w.combinedStripeSize = stripeSize
		} else {
			w.combinedStripeSize = int(util.LCM(uint32(w.combinedStripeSize), uint32(stripeSize)))
		}

		target := apis.WriteTarget{Chunk: info.Chunk, Version: info.Version, Timeout: timeout}
		executor, err := w.connector.StartWriting(ctx, location, target, w.events)
		if err != nil {
			return w.connectionFailure(location.Address, errors.Wrap(err, "cannot start writing"))
		}
		w.stats.RegisterWriteOperation(location.Address)
		w.executors = append(w.executors, executor)
	}
	if len(w.executors) == 0 {
		return apis.RecoverableError("no locations to write chunk %d to", info.Chunk)
	}

	init := &operation{}
	for _, executor := range w.executors {
		executor.AddInitPacket()
		init.unfinishedWrites++
	}
	w.pendingOperations[initOperationID] = init

	log.WithFields(log.Fields{
		"chunk":     info.Chunk,
		"version":   info.Version,
		"executors": len(w.executors),
		"stripe":    w.combinedStripeSize,
	}).Debug("started chunk write session")
	return nil
}

// The smallest number of blocks for which a write avoids reading anything back from chunkservers.
func (w *ChunkWriter) MinimumBlockCountWorthWriting() int {
	return w.combinedStripeSize
}

// Adds a copy of a block to the journal. Writable blocks become read-only in the journal; the caller's block stays
// as it is and may be modified further without affecting this write.
func (w *ChunkWriter) AddOperation(block journal.WriteCacheBlock) error {
	if block.Type == journal.ParityBlock {
		return errors.New("parity blocks cannot be written directly")
	}
	if !w.acceptsNewOperations {
		return errors.New("chunk writer no longer accepts new operations")
	}
	if w.locator == nil {
		return errors.New("chunk writer is not initialized")
	}
	if block.ChunkIndex != w.locator.ChunkIndex() {
		return errors.Errorf("block belongs to chunk %d, but the writer writes chunk %d",
			block.ChunkIndex, w.locator.ChunkIndex())
	}
	block = block.Clone()
	if block.Type == journal.WritableBlock {
		block.Type = journal.ReadOnlyBlock
	}
	pos := w.journal.PushBack(block)
	if len(w.newOperations) == 0 || !w.newOperations[len(w.newOperations)-1].isExpandPossible(w.journal, pos, w.combinedStripeSize) {
		w.newOperations = append(w.newOperations, &operation{})
	}
	w.newOperations[len(w.newOperations)-1].expand(w.journal, pos)
	return nil
}

// Starts queued operations in order, stopping at the first one that cannot be started yet, so that later writes
// never overtake earlier ones. Returns the number of operations started.
func (w *ChunkWriter) StartNewOperations() (int, error) {
	started := 0
	for len(w.newOperations) > 0 {
		op := w.newOperations[0]
		// only the last operation can still grow, and only while new data is accepted
		if len(w.newOperations) == 1 && w.acceptsNewOperations && !op.isFullStripe(w.journal, w.combinedStripeSize) {
			break
		}
		if !w.canStartOperation(op) {
			break
		}
		if err := w.startOperation(op); err != nil {
			return started, err
		}
		w.newOperations = w.newOperations[1:]
		started++
	}
	return started, nil
}

// Starting an operation that overlaps a pending one could compute parity from stale data.
func (w *ChunkWriter) canStartOperation(op *operation) bool {
	for _, pending := range w.pendingOperations {
		if op.collidesWith(w.journal, pending) {
			return false
		}
	}
	return true
}

func (w *ChunkWriter) allocateID() uint32 {
	w.idCounter++
	return w.idCounter
}

func (w *ChunkWriter) startOperation(op *operation) error {
	first := op.first(w.journal)
	combinedStripe := first.BlockIndex / uint32(w.combinedStripeSize)
	from, to := first.From, first.To

	if !w.hasDestination(op) {
		return apis.RecoverableError("no destination for block %d", first.BlockIndex)
	}

	// partial stripes are completed with data read back from the chunkservers
	present := make([]bool, w.combinedStripeSize)
	for _, pos := range op.journalPositions {
		present[int(w.journal.At(pos).BlockIndex)%w.combinedStripeSize] = true
	}
	for indexInStripe := 0; indexInStripe < w.combinedStripeSize; indexInStripe++ {
		if present[indexInStripe] {
			continue
		}
		blockIndex := combinedStripe*uint32(w.combinedStripeSize) + uint32(indexInStripe)
		if blockIndex >= apis.BlocksInChunk {
			break
		}
		block, err := w.recoverBlock(blockIndex)
		if err != nil {
			return err
		}
		block.From, block.To = from, to
		op.journalPositions = append(op.journalPositions, w.journal.InsertAfter(op.last(), block))
	}
	if !op.isFullStripe(w.journal, w.combinedStripeSize) {
		panic("operation does not cover a full stripe after filling it in")
	}

	operationID := w.allocateID()
	for _, executor := range w.executors {
		partType := executor.PartType()
		stripeSize := partType.StripeSize()
		if w.combinedStripeSize%stripeSize != 0 {
			panic(fmt.Sprintf("stripe size %d does not divide combined stripe size %d", stripeSize, w.combinedStripeSize))
		}
		var blocksToWrite []*journal.WriteCacheBlock

		switch {
		case partType.IsStandard():
			for _, pos := range op.journalPositions {
				if block := w.journal.At(pos); block.Type != journal.ReadBlock {
					blocksToWrite = append(blocksToWrite, block)
				}
			}
		case partType.IsXorParity():
			substripeCount := w.combinedStripeSize / stripeSize
			parityBlocks := make([]*journal.WriteCacheBlock, substripeCount)
			initialized := make([]bool, substripeCount)
			for i := range parityBlocks {
				// the block index is set from the first block xored into it
				parity := journal.NewWriteCacheBlock(first.ChunkIndex, 0, journal.ParityBlock)
				parityBlocks[i] = &parity
			}
			for _, pos := range op.journalPositions {
				block := w.journal.At(pos)
				if block.Size() != to-from {
					panic("operation blocks differ in size")
				}
				substripe := int(block.BlockIndex-combinedStripe*uint32(w.combinedStripeSize)) / stripeSize
				parity := parityBlocks[substripe]
				if !initialized[substripe] {
					parity.BlockIndex = block.BlockIndex
					if !parity.Expand(block.From, block.To, block.Data()) {
						panic("cannot initialize parity block")
					}
					initialized[substripe] = true
				} else {
					util.BlockXor(parity.Data(), block.Data())
				}
			}
			for i, parity := range parityBlocks {
				// the short last stripe of a chunk may leave trailing substripes empty
				if initialized[i] {
					op.parityBuffers = append(op.parityBuffers, parity)
					blocksToWrite = append(blocksToWrite, parity)
				}
			}
		default:
			for _, pos := range op.journalPositions {
				block := w.journal.At(pos)
				if block.Type != journal.ReadBlock && int(block.BlockIndex)%stripeSize+1 == partType.XorPartNumber() {
					blocksToWrite = append(blocksToWrite, block)
				}
			}
		}

		for _, block := range blocksToWrite {
			writeID := apis.WriteID(w.allocateID())
			w.writeIDToOperationID[writeID] = operationID
			executor.AddDataPacket(writeID, block.BlockIndex/uint32(stripeSize), block.From, block.Data())
			op.unfinishedWrites++
		}
	}
	if op.unfinishedWrites == 0 {
		panic("operation started without any write")
	}
	w.pendingOperations[operationID] = op
	return nil
}

// Whether some executor receives a packet for op. A data part only receives the blocks it holds; standard and
// parity parts receive something for every operation.
func (w *ChunkWriter) hasDestination(op *operation) bool {
	for _, executor := range w.executors {
		partType := executor.PartType()
		if partType.IsStandard() || partType.IsXorParity() {
			return true
		}
		for _, pos := range op.journalPositions {
			if int(w.journal.At(pos).BlockIndex)%partType.StripeSize()+1 == partType.XorPartNumber() {
				return true
			}
		}
	}
	return false
}

// Reads back the current contents of a block that some operation needs but does not write.
func (w *ChunkWriter) recoverBlock(blockIndex uint32) (journal.WriteCacheBlock, error) {
	block, source, err := w.readBlock(blockIndex)
	if err != nil {
		return journal.WriteCacheBlock{}, err
	}
	if source.IsXorParity() {
		// recover the data by xoring out every other block of the parity's stripe
		stripeSize := uint32(source.StripeSize())
		firstInStripe := (blockIndex / stripeSize) * stripeSize
		for i := firstInStripe; i < firstInStripe+stripeSize; i++ {
			if i == blockIndex || i >= apis.BlocksInChunk {
				continue
			}
			other, otherSource, err := w.readBlock(i)
			if err != nil {
				return journal.WriteCacheBlock{}, err
			}
			if otherSource.IsXorParity() {
				return journal.WriteCacheBlock{}, apis.RecoverableError("cannot recover block %d from parity part", blockIndex)
			}
			util.BlockXor(block.BlockData(), other.BlockData())
		}
	}
	return block, nil
}

// Picks a part to read a block from: the standard part if there is one, otherwise the data part holding the block,
// otherwise the parity part of the lowest xor level.
func (w *ChunkWriter) sourceForBlock(blockIndex uint32) (apis.ChunkTypeWithAddress, bool) {
	var source apis.ChunkTypeWithAddress
	found := false
	for _, executor := range w.executors {
		partType := executor.PartType()
		if partType.IsStandard() {
			return executor.Location(), true
		}
		if partType.IsXorParity() {
			if !found || (source.PartType.IsXorParity() && partType.XorLevel() < source.PartType.XorLevel()) {
				source, found = executor.Location(), true
			}
		} else if int(blockIndex)%partType.XorLevel()+1 == partType.XorPartNumber() {
			return executor.Location(), true
		}
	}
	return source, found
}

// Reads a whole block from whichever part sourceForBlock picks. Returns the part type actually read.
func (w *ChunkWriter) readBlock(blockIndex uint32) (journal.WriteCacheBlock, apis.ChunkPartType, error) {
	source, found := w.sourceForBlock(blockIndex)
	if !found {
		return journal.WriteCacheBlock{}, apis.ChunkPartType{}, apis.RecoverableError("no server to read block %d from", blockIndex)
	}
	stripe := blockIndex
	if source.PartType.IsXor() {
		stripe /= uint32(source.PartType.XorLevel())
	}
	info := w.locator.LocationInfo()

	ctx, cancel := context.WithTimeout(context.Background(), fillInReadTimeout)
	defer cancel()
	w.stats.RegisterReadOperation(source.Address)
	data, err := w.connector.Read(ctx, source, info.Chunk, info.Version, stripe*apis.BlockSize, apis.BlockSize)
	w.stats.UnregisterReadOperation(source.Address)
	if err != nil {
		err = errors.Wrapf(err, "cannot read block %d from %s", blockIndex, source.PartType)
		if apis.IsRecoverable(err) {
			// the chunkserver answered with a status, so it is not to blame
			return journal.WriteCacheBlock{}, apis.ChunkPartType{}, err
		}
		return journal.WriteCacheBlock{}, apis.ChunkPartType{}, w.connectionFailure(source.Address, err)
	}

	block := journal.NewWriteCacheBlock(w.locator.ChunkIndex(), blockIndex, journal.ReadBlock)
	block.From, block.To = 0, apis.BlockSize
	copy(block.BlockData(), data)
	return block, source.PartType, nil
}

func (w *ChunkWriter) connectionFailure(server apis.ServerAddress, err error) error {
	w.stats.MarkDefective(server)
	log.WithFields(log.Fields{"server": server}).WithError(err).Warn("chunkserver failed during write")
	return apis.ConnectionError(server, err)
}

func (w *ChunkWriter) findExecutor(executor apis.WriteExecutor) bool {
	for _, e := range w.executors {
		if e == executor {
			return true
		}
	}
	return false
}

// Sends everything queued, then waits up to timeout for replies from chunkservers or a signal on the notification
// channel, and handles every reply received.
func (w *ChunkWriter) ProcessOperations(timeout time.Duration) error {
	for _, executor := range w.executors {
		if executor.PendingPacketCount() > 0 {
			if err := executor.SendData(); err != nil {
				return w.connectionFailure(executor.Server(), errors.Wrap(err, "write to chunkserver failed"))
			}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case event := <-w.events:
		if err := w.handleEvent(event); err != nil {
			return err
		}
	case <-w.notify:
	case <-timer.C:
	}
	// handle whatever else has already arrived
	for draining := true; draining; {
		select {
		case event := <-w.events:
			if err := w.handleEvent(event); err != nil {
				return err
			}
		case <-w.notify:
		default:
			draining = false
		}
	}

	for _, executor := range w.executors {
		if executor.ServerTimedOut() {
			return w.connectionFailure(executor.Server(), errors.New("chunkserver timed out"))
		}
	}
	return nil
}

func (w *ChunkWriter) handleEvent(event apis.WriteEvent) error {
	// left over from executors that were already closed
	if !w.findExecutor(event.Executor) {
		return nil
	}
	for _, status := range event.Statuses {
		if err := w.processStatus(event.Executor, status); err != nil {
			return err
		}
	}
	if event.Err != nil {
		return w.connectionFailure(event.Executor.Server(), errors.Wrap(event.Err, "write to chunkserver failed"))
	}
	return nil
}

func (w *ChunkWriter) processStatus(executor apis.WriteExecutor, status apis.WriteStatus) error {
	info := w.locator.LocationInfo()
	if status.Chunk != info.Chunk {
		return w.connectionFailure(executor.Server(), errors.Errorf(
			"received inconsistent write status, expected chunk %d, got chunk %d", info.Chunk, status.Chunk))
	}
	if status.Status != apis.StatusOK {
		return apis.RecoverableStatusError(status.Status, "chunk write error from %s", executor.Server())
	}

	operationID := initOperationID
	if status.WriteID != 0 {
		id, found := w.writeIDToOperationID[status.WriteID]
		if !found {
			return apis.RecoverableError("unexpected status for write %d", status.WriteID)
		}
		delete(w.writeIDToOperationID, status.WriteID)
		operationID = id
	} else if _, found := w.pendingOperations[initOperationID]; !found {
		return apis.RecoverableError("unexpected status for write init")
	}

	op, found := w.pendingOperations[operationID]
	if !found {
		panic(fmt.Sprintf("write maps to operation %d, which is not pending", operationID))
	}
	op.unfinishedWrites--
	if op.unfinishedWrites == 0 {
		if operationID != initOperationID {
			if op.offsetOfEnd > w.locator.LocationInfo().FileLength {
				w.locator.UpdateFileLength(op.offsetOfEnd)
			}
			for _, pos := range op.journalPositions {
				w.journal.Erase(pos)
			}
		}
		delete(w.pendingOperations, operationID)
	}
	return nil
}

// Operations sent to chunkservers and not yet acknowledged, including the init handshake.
func (w *ChunkWriter) PendingOperationsCount() int {
	return len(w.pendingOperations)
}

func (w *ChunkWriter) UnfinishedOperationsCount() int {
	return len(w.pendingOperations) + len(w.newOperations)
}

// From now on, partial stripes are started as they are, since no more data will arrive to complete them.
func (w *ChunkWriter) StartFlushMode() {
	if !w.acceptsNewOperations {
		panic("flush mode already started")
	}
	w.acceptsNewOperations = false
}

// Forgets operations not started yet. Their blocks stay in the journal.
func (w *ChunkWriter) DropNewOperations() {
	if !w.acceptsNewOperations {
		panic("new operations already dropped")
	}
	w.newOperations = nil
	w.acceptsNewOperations = false
}

// Ends the write session with every chunkserver and returns the connections to the connector.
// Preconditions:
//   no operations are pending
// Postconditions:
//   either every executor was drained and released, or the rest were aborted and an error is returned
func (w *ChunkWriter) Finish(timeout time.Duration) error {
	if len(w.pendingOperations) != 0 {
		panic("chunk writer finished with pending operations")
	}
	for _, executor := range w.executors {
		executor.AddEndPacket()
	}
	deadline := time.Now().Add(timeout)
	for len(w.executors) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			count := len(w.executors)
			w.AbortOperations()
			return apis.RecoverableError("timed out finishing writes to %d chunkservers", count)
		}
		if err := w.ProcessOperations(remaining); err != nil {
			return err
		}
		var open []apis.WriteExecutor
		for _, executor := range w.executors {
			if executor.PendingPacketCount() == 0 {
				w.stats.UnregisterWriteOperation(executor.Server())
				w.connector.EndWriting(executor)
			} else {
				open = append(open, executor)
			}
		}
		w.executors = open
	}
	return nil
}

// Closes every connection without waiting for replies.
func (w *ChunkWriter) AbortOperations() {
	for _, executor := range w.executors {
		executor.Abort()
		w.stats.UnregisterWriteOperation(executor.Server())
	}
	w.executors = nil
}

// Hands back every block not known to be written, in journal order, so it can be retried elsewhere.
// The writer must not be used afterwards.
func (w *ChunkWriter) ReleaseJournal() []journal.WriteCacheBlock {
	w.newOperations = nil
	w.pendingOperations = map[uint32]*operation{}
	w.writeIDToOperationID = map[apis.WriteID]uint32{}
	return w.journal.Release()
}
