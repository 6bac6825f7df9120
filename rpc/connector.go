package rpc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AICloudNAS/lizardfs/apis"
)

// Connects the chunk I/O engine to chunkservers over the network.
type Connector struct {
	pool *ConnectionPool
}

var _ apis.ChunkConnector = &Connector{}

func NewConnector(pool *ConnectionPool) *Connector {
	return &Connector{pool: pool}
}

func (c *Connector) StartWriting(ctx context.Context, location apis.ChunkTypeWithAddress, target apis.WriteTarget,
	events chan<- apis.WriteEvent) (apis.WriteExecutor, error) {
	conn, err := c.pool.Lease(ctx, location.Address)
	if err != nil {
		return nil, err
	}
	return newWriteExecutor(conn, location, target, events), nil
}

// Returns the connection of a drained executor to the pool. Executors that still expect replies are closed instead.
func (c *Connector) EndWriting(executor apis.WriteExecutor) {
	e := executor.(*writeExecutor)
	if !e.isDrained() {
		e.Abort()
		return
	}
	// the receiver exits right after reporting the end acknowledgement
	<-e.receiverExited
	c.pool.Release(e.conn)
}

func (c *Connector) Read(ctx context.Context, location apis.ChunkTypeWithAddress, chunk apis.ChunkNum,
	version apis.Version, offset uint32, size uint32) ([]byte, error) {
	conn, err := c.pool.Lease(ctx, location.Address)
	if err != nil {
		return nil, err
	}
	data, err := c.readOn(ctx, conn, location.PartType, chunk, version, offset, size)
	if err != nil {
		var ioErr *apis.ChunkIOError
		if !errors.As(err, &ioErr) {
			// the connection may be left in the middle of a reply
			_ = conn.Close()
			return nil, err
		}
	}
	c.pool.Release(conn)
	return data, err
}

func (c *Connector) readOn(ctx context.Context, conn *Conn, partType apis.ChunkPartType, chunk apis.ChunkNum,
	version apis.Version, offset uint32, size uint32) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "setting read deadline")
		}
	} else if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, errors.Wrap(err, "clearing read deadline")
	}
	err := conn.send(&packet{
		Kind:    kindRead,
		Chunk:   chunk,
		Version: version,
		Part:    partType.ID(),
		Offset:  offset,
		Size:    size,
	})
	if err != nil {
		return nil, err
	}
	reply, err := conn.receive()
	if err != nil {
		return nil, err
	}
	if reply.Kind != kindReadData {
		return nil, errors.Errorf("unexpected %s packet in reply to read", reply.Kind)
	}
	if reply.Status != apis.StatusOK {
		log.WithFields(log.Fields{
			"server": conn.address,
			"chunk":  chunk,
			"part":   partType,
			"status": reply.Status,
		}).Debug("chunkserver refused read")
		return nil, apis.RecoverableStatusError(reply.Status, "read from %s failed", conn.address)
	}
	if !checksumMatches(reply.Data, reply.Checksum) {
		return nil, errors.Errorf("checksum mismatch in read reply from %s", conn.address)
	}
	if uint32(len(reply.Data)) != size {
		return nil, errors.Errorf("read reply from %s has %d bytes, expected %d", conn.address, len(reply.Data), size)
	}
	return reply.Data, nil
}
