package chunkwriter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/AICloudNAS/lizardfs/apis"
)

type packetKind int

const (
	initPacket packetKind = iota
	dataPacket
	endPacket
)

type sentPacket struct {
	kind    packetKind
	writeID apis.WriteID
	block   uint32
	offset  uint32
	data    []byte
}

// A write executor that records packets. With autoAck set, every packet is acknowledged as soon as it is sent.
type fakeExecutor struct {
	location apis.ChunkTypeWithAddress
	chain    []apis.ChunkTypeWithAddress
	chunk    apis.ChunkNum
	events   chan<- apis.WriteEvent

	autoAck  bool
	timedOut bool
	aborted  bool
	ended    bool

	queued  []sentPacket
	sent    []sentPacket
	pending int
}

func (e *fakeExecutor) Server() apis.ServerAddress {
	return e.location.Address
}

func (e *fakeExecutor) PartType() apis.ChunkPartType {
	return e.location.PartType
}

func (e *fakeExecutor) Location() apis.ChunkTypeWithAddress {
	return e.location
}

func (e *fakeExecutor) AddChunkserverToChain(location apis.ChunkTypeWithAddress) {
	e.chain = append(e.chain, location)
}

func (e *fakeExecutor) AddInitPacket() {
	e.queued = append(e.queued, sentPacket{kind: initPacket})
	e.pending++
}

func (e *fakeExecutor) AddDataPacket(writeID apis.WriteID, block uint32, offset uint32, data []byte) {
	e.queued = append(e.queued, sentPacket{kind: dataPacket, writeID: writeID, block: block, offset: offset,
		data: append([]byte(nil), data...)})
	e.pending++
}

func (e *fakeExecutor) AddEndPacket() {
	e.queued = append(e.queued, sentPacket{kind: endPacket})
	e.pending++
}

func (e *fakeExecutor) PendingPacketCount() int {
	return e.pending
}

func (e *fakeExecutor) SendData() error {
	sending := e.queued
	e.queued = nil
	e.sent = append(e.sent, sending...)
	if !e.autoAck || len(sending) == 0 {
		return nil
	}
	var statuses []apis.WriteStatus
	for _, packet := range sending {
		if packet.kind != endPacket {
			statuses = append(statuses, apis.WriteStatus{Chunk: e.chunk, WriteID: packet.writeID, Status: apis.StatusOK})
		}
		e.pending--
	}
	e.events <- apis.WriteEvent{Executor: e, Statuses: statuses}
	return nil
}

// Delivers statuses as if the chunkserver had sent them.
func (e *fakeExecutor) reply(statuses ...apis.WriteStatus) {
	e.pending -= len(statuses)
	e.events <- apis.WriteEvent{Executor: e, Statuses: statuses}
}

func (e *fakeExecutor) ServerTimedOut() bool {
	return e.timedOut
}

func (e *fakeExecutor) Abort() {
	e.aborted = true
}

func (e *fakeExecutor) dataPackets() []sentPacket {
	var packets []sentPacket
	for _, packet := range e.sent {
		if packet.kind == dataPacket {
			packets = append(packets, packet)
		}
	}
	return packets
}

// Serves reads from whole part images and creates fake executors.
type fakeConnector struct {
	autoAck   bool
	parts     map[apis.ChunkPartType][]byte
	// reads of these parts are answered with a status instead of data
	refused   map[apis.ChunkPartType]apis.Status
	failStart map[apis.ServerAddress]bool
	executors []*fakeExecutor
	reads     []apis.ChunkPartType
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		autoAck:   true,
		parts:     map[apis.ChunkPartType][]byte{},
		refused:   map[apis.ChunkPartType]apis.Status{},
		failStart: map[apis.ServerAddress]bool{},
	}
}

func (c *fakeConnector) StartWriting(ctx context.Context, location apis.ChunkTypeWithAddress, target apis.WriteTarget,
	events chan<- apis.WriteEvent) (apis.WriteExecutor, error) {
	if c.failStart[location.Address] {
		return nil, errors.New("connection refused")
	}
	executor := &fakeExecutor{location: location, chunk: target.Chunk, events: events, autoAck: c.autoAck}
	c.executors = append(c.executors, executor)
	return executor, nil
}

func (c *fakeConnector) EndWriting(executor apis.WriteExecutor) {
	executor.(*fakeExecutor).ended = true
}

func (c *fakeConnector) Read(ctx context.Context, location apis.ChunkTypeWithAddress, chunk apis.ChunkNum,
	version apis.Version, offset uint32, size uint32) ([]byte, error) {
	c.reads = append(c.reads, location.PartType)
	if status, refused := c.refused[location.PartType]; refused {
		return nil, apis.RecoverableStatusError(status, "read from %s failed", location.Address)
	}
	image, found := c.parts[location.PartType]
	if !found {
		return nil, errors.New("no such part")
	}
	result := make([]byte, size)
	if offset < uint32(len(image)) {
		copy(result, image[offset:])
	}
	return result, nil
}

func (c *fakeConnector) executorFor(part apis.ChunkPartType) *fakeExecutor {
	for _, executor := range c.executors {
		if executor.location.PartType == part {
			return executor
		}
	}
	return nil
}

type fakeLocator struct {
	chunkIndex uint32
	info       apis.ChunkLocationInfo
}

func (l *fakeLocator) ChunkIndex() uint32 {
	return l.chunkIndex
}

func (l *fakeLocator) LocationInfo() apis.ChunkLocationInfo {
	return l.info
}

func (l *fakeLocator) UpdateFileLength(length uint64) {
	l.info.FileLength = length
}

func newLocator(parts ...apis.ChunkPartType) *fakeLocator {
	locator := &fakeLocator{info: apis.ChunkLocationInfo{Chunk: 77, Version: 3}}
	for i, part := range parts {
		locator.info.Locations = append(locator.info.Locations, apis.ChunkTypeWithAddress{
			Address:  apis.ServerAddress(string(rune('a'+i)) + ":9422"),
			PartType: part,
		})
	}
	return locator
}

const shortWait = 10 * time.Millisecond
