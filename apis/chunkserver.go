package apis

import (
	"context"
	"time"
)

// Identifies a single data packet sent to a chunkserver. Zero identifies the init packet of a write session.
type WriteID uint32

// One part of a chunk, as stored on a particular chunkserver.
type ChunkTypeWithAddress struct {
	Address  ServerAddress
	PartType ChunkPartType
}

// A chunk part, as listed by a chunkserver.
type ChunkWithType struct {
	Chunk    ChunkNum
	Version  Version
	PartType ChunkPartType
}

// The chunk that a write session targets.
type WriteTarget struct {
	Chunk   ChunkNum
	Version Version
	// How long a chunkserver may keep a write unacknowledged before it is considered timed out.
	Timeout time.Duration
}

// Completion of a single packet, as reported by the head of a write chain.
type WriteStatus struct {
	Chunk   ChunkNum
	WriteID WriteID
	Status  Status
}

// Sent by a write executor whenever it has received something from its chunkserver.
// Err is set if the connection failed; Statuses may then be empty.
type WriteEvent struct {
	Executor WriteExecutor
	Statuses []WriteStatus
	Err      error
}

// Writes one part type of one chunk, to a chain of chunkservers that all hold that part.
// A write executor is owned by a single goroutine; only its completion events are produced asynchronously.
type WriteExecutor interface {
	// The head of the chain, which all packets are sent to.
	Server() ServerAddress
	PartType() ChunkPartType
	Location() ChunkTypeWithAddress

	// Appends another chunkserver holding the same part to the end of the chain. Only valid before the init packet
	// has been sent.
	AddChunkserverToChain(location ChunkTypeWithAddress)

	// Queue packets. Nothing is sent until SendData is called.
	AddInitPacket()
	// block is the index of the block within this part, not within the chunk.
	AddDataPacket(writeID WriteID, block uint32, offset uint32, data []byte)
	AddEndPacket()

	// The number of packets which were queued but not yet fully processed by the chunkserver, including an
	// unacknowledged end packet.
	PendingPacketCount() int
	// Sends every queued packet.
	SendData() error
	// True if the chunkserver has left a packet unacknowledged for longer than the write timeout.
	ServerTimedOut() bool
	// Closes the connection without waiting for any replies.
	Abort()
}

// The network side of the chunk I/O engine.
type ChunkConnector interface {
	// Opens (or reuses) a connection to the location and wraps it in a write executor. Completion events for the
	// executor are delivered to events.
	StartWriting(ctx context.Context, location ChunkTypeWithAddress, target WriteTarget,
		events chan<- WriteEvent) (WriteExecutor, error)
	// Returns the connection of a fully drained executor to the pool.
	EndWriting(executor WriteExecutor)

	// Performs a single blocking read of size bytes at offset within the part stored at location.
	Read(ctx context.Context, location ChunkTypeWithAddress, chunk ChunkNum, version Version,
		offset uint32, size uint32) ([]byte, error)
}

// Where a chunk lives, as returned by the master.
type ChunkLocationInfo struct {
	Chunk      ChunkNum
	Version    Version
	FileLength uint64
	Locations  []ChunkTypeWithAddress
}

// Provides a chunk writer with everything it needs to know about the chunk it writes.
type WriteChunkLocator interface {
	// The index of the chunk within its file.
	ChunkIndex() uint32
	LocationInfo() ChunkLocationInfo
	// Called when a completed write extended the file.
	UpdateFileLength(length uint64)
}
