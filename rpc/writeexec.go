package rpc

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AICloudNAS/lizardfs/apis"
)

// Sends the packets of one write session over a single connection. Packets are queued and sent by the goroutine
// that owns the executor; replies are read by a separate goroutine and delivered as events.
type writeExecutor struct {
	conn     *Conn
	location apis.ChunkTypeWithAddress
	target   apis.WriteTarget
	chain    []apis.ChunkTypeWithAddress
	events   chan<- apis.WriteEvent

	queued         []*packet
	receiving      bool
	initSent       bool
	done           chan struct{}
	receiverExited chan struct{}
	abortOnce      sync.Once

	mu sync.Mutex
	// packets sent but not yet answered
	awaiting     int
	lastActivity time.Time
	drained      bool
}

var _ apis.WriteExecutor = &writeExecutor{}

func newWriteExecutor(conn *Conn, location apis.ChunkTypeWithAddress, target apis.WriteTarget,
	events chan<- apis.WriteEvent) *writeExecutor {
	return &writeExecutor{
		conn:           conn,
		location:       location,
		target:         target,
		events:         events,
		done:           make(chan struct{}),
		receiverExited: make(chan struct{}),
	}
}

func (e *writeExecutor) Server() apis.ServerAddress {
	return e.location.Address
}

func (e *writeExecutor) PartType() apis.ChunkPartType {
	return e.location.PartType
}

func (e *writeExecutor) Location() apis.ChunkTypeWithAddress {
	return e.location
}

func (e *writeExecutor) AddChunkserverToChain(location apis.ChunkTypeWithAddress) {
	if e.initSent {
		panic("chunkserver added to a chain after the init packet was sent")
	}
	if location.PartType != e.location.PartType {
		panic("chunkserver chained for a different part type")
	}
	e.chain = append(e.chain, location)
}

func (e *writeExecutor) AddInitPacket() {
	chain := make([]string, len(e.chain))
	for i, location := range e.chain {
		chain[i] = string(location.Address)
	}
	e.queued = append(e.queued, &packet{
		Kind:    kindWriteInit,
		Chunk:   e.target.Chunk,
		Version: e.target.Version,
		Part:    e.location.PartType.ID(),
		Chain:   chain,
	})
}

func (e *writeExecutor) AddDataPacket(writeID apis.WriteID, block uint32, offset uint32, data []byte) {
	e.queued = append(e.queued, &packet{
		Kind:     kindWriteData,
		Chunk:    e.target.Chunk,
		WriteID:  writeID,
		Block:    block,
		Offset:   offset,
		Data:     data,
		Checksum: checksum(data),
	})
}

func (e *writeExecutor) AddEndPacket() {
	e.queued = append(e.queued, &packet{Kind: kindWriteEnd, Chunk: e.target.Chunk})
}

func (e *writeExecutor) PendingPacketCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queued) + e.awaiting
}

func (e *writeExecutor) SendData() error {
	if len(e.queued) == 0 {
		return nil
	}
	if !e.receiving {
		e.receiving = true
		go e.receiveLoop()
	}
	for len(e.queued) > 0 {
		next := e.queued[0]
		e.mu.Lock()
		if e.awaiting == 0 {
			e.lastActivity = time.Now()
		}
		e.awaiting++
		e.mu.Unlock()
		if err := e.conn.send(next); err != nil {
			return err
		}
		if next.Kind == kindWriteInit {
			e.initSent = true
		}
		e.queued = e.queued[1:]
	}
	return nil
}

func (e *writeExecutor) ServerTimedOut() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaiting > 0 && time.Since(e.lastActivity) > e.target.Timeout
}

func (e *writeExecutor) Abort() {
	e.abortOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
	})
}

// True once the chunkserver acknowledged the end packet and the connection carries no further replies.
func (e *writeExecutor) isDrained() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drained
}

func (e *writeExecutor) acknowledge(end bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.awaiting--
	e.lastActivity = time.Now()
	if end {
		e.drained = true
	}
}

// Returns false if the executor was aborted while waiting for the owner to accept the event.
func (e *writeExecutor) push(event apis.WriteEvent) bool {
	select {
	case e.events <- event:
		return true
	case <-e.done:
		return false
	}
}

func (e *writeExecutor) receiveLoop() {
	defer close(e.receiverExited)
	for {
		reply, err := e.conn.receive()
		if err != nil {
			select {
			case <-e.done:
			default:
				e.push(apis.WriteEvent{Executor: e, Err: err})
			}
			return
		}
		switch reply.Kind {
		case kindWriteStatus:
			e.acknowledge(false)
			status := apis.WriteStatus{Chunk: reply.Chunk, WriteID: reply.WriteID, Status: reply.Status}
			if !e.push(apis.WriteEvent{Executor: e, Statuses: []apis.WriteStatus{status}}) {
				return
			}
		case kindWriteEnd:
			e.acknowledge(true)
			e.push(apis.WriteEvent{Executor: e})
			return
		default:
			log.WithFields(log.Fields{
				"server": e.Server(),
				"kind":   reply.Kind,
			}).Warn("unexpected packet in write session")
			e.push(apis.WriteEvent{Executor: e, Err: errors.Errorf("unexpected %s packet", reply.Kind)})
			return
		}
	}
}
