package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/chunkserver/storage"
)

const (
	DefaultChunkserverAddress = ":9422"
	forwardTimeout            = 5 * time.Second
)

type chunkserver struct {
	store storage.PartStorage
	// connections to the next server of write chains
	pool *ConnectionPool

	mu      sync.Mutex
	closing bool
	active  map[net.Conn]struct{}
	serving sync.WaitGroup
}

// Serves the parts held by store over the chunkserver protocol. Writes are forwarded along chains through pool.
// Returns a teardown function, which stops the server when kill is set and otherwise waits for it to stop, and the
// address the server listens on.
func PublishChunkserver(store storage.PartStorage, pool *ConnectionPool, address apis.ServerAddress) (func(kill bool) error, apis.ServerAddress, error) {
	if address == "" {
		address = DefaultChunkserverAddress
	}
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return nil, "", err
	}
	server := &chunkserver{
		store:  store,
		pool:   pool,
		active: map[net.Conn]struct{}{},
	}
	termErr := make(chan error, 1)
	go func() {
		termErr <- server.acceptLoop(listener)
	}()

	teardown := func(kill bool) error {
		var err1 error
		if kill {
			server.mu.Lock()
			server.closing = true
			for conn := range server.active {
				_ = conn.Close()
			}
			server.mu.Unlock()
			err1 = listener.Close()
		}
		err2 := <-termErr
		server.serving.Wait()
		if err1 == nil {
			return err2
		} else if err2 == nil {
			return err1
		} else {
			return errors.Errorf("multiple errors: { %v } and { %v }", err1, err2)
		}
	}
	return teardown, apis.ServerAddress(listener.Addr().String()), nil
}

func (cs *chunkserver) acceptLoop(listener net.Listener) error {
	for {
		raw, err := listener.Accept()
		if err != nil {
			cs.mu.Lock()
			closing := cs.closing
			cs.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		cs.mu.Lock()
		if cs.closing {
			cs.mu.Unlock()
			_ = raw.Close()
			return nil
		}
		cs.active[raw] = struct{}{}
		cs.serving.Add(1)
		cs.mu.Unlock()
		go func() {
			defer cs.serving.Done()
			defer func() {
				cs.mu.Lock()
				delete(cs.active, raw)
				cs.mu.Unlock()
				_ = raw.Close()
			}()
			s := &session{server: cs, conn: newConn(raw, apis.ServerAddress(raw.RemoteAddr().String()))}
			s.serve()
		}()
	}
}

// The state of one client connection. A connection carries at most one write session at a time.
type session struct {
	server  *chunkserver
	conn    *Conn
	writing bool
	part    apis.ChunkWithType
	// the next server of the write chain, if any
	next *Conn
	// set once the chain failed; every later write reports it
	broken bool
}

func (s *session) serve() {
	defer s.dropForward()
	for {
		request, err := s.conn.receive()
		if err != nil {
			return
		}
		var reply *packet
		switch request.Kind {
		case kindRead:
			reply = s.read(request)
		case kindWriteInit:
			reply = s.writeInit(request)
		case kindWriteData:
			reply = s.writeData(request)
		case kindWriteEnd:
			reply = s.writeEnd(request)
		default:
			log.WithFields(log.Fields{
				"client": s.conn.address,
				"kind":   request.Kind,
			}).Warn("unexpected packet from client")
			return
		}
		if err := s.conn.send(reply); err != nil {
			log.WithField("client", s.conn.address).WithError(err).Debug("cannot reply")
			return
		}
	}
}

func (s *session) read(request *packet) *packet {
	reply := &packet{Kind: kindReadData, Chunk: request.Chunk}
	partType, err := apis.PartTypeFromID(request.Part)
	if err != nil {
		reply.Status = apis.StatusNoChunk
		return reply
	}
	part := apis.ChunkWithType{Chunk: request.Chunk, Version: request.Version, PartType: partType}
	data, err := s.server.store.Read(part, request.Offset, request.Size)
	if err != nil {
		reply.Status = storage.StatusOf(err)
		return reply
	}
	reply.Data = data
	reply.Checksum = checksum(data)
	return reply
}

func (s *session) status(request *packet, status apis.Status) *packet {
	return &packet{Kind: kindWriteStatus, Chunk: request.Chunk, WriteID: request.WriteID, Status: status}
}

func (s *session) writeInit(request *packet) *packet {
	if s.writing {
		return s.status(request, apis.StatusIOError)
	}
	s.broken = false
	partType, err := apis.PartTypeFromID(request.Part)
	if err != nil {
		return s.status(request, apis.StatusNoChunk)
	}
	part := apis.ChunkWithType{Chunk: request.Chunk, Version: request.Version, PartType: partType}
	if status := s.openPart(part); status != apis.StatusOK {
		return s.status(request, status)
	}
	if len(request.Chain) > 0 {
		forwarded := *request
		forwarded.Chain = request.Chain[1:]
		if status := s.startForward(apis.ServerAddress(request.Chain[0]), &forwarded); status != apis.StatusOK {
			s.dropForward()
			return s.status(request, status)
		}
	}
	s.writing = true
	s.part = part
	return s.status(request, apis.StatusOK)
}

// Parts are created by their first write session.
func (s *session) openPart(part apis.ChunkWithType) apis.Status {
	version, err := s.server.store.Version(part.Chunk, part.PartType)
	if errors.Is(err, storage.ErrNoChunk) {
		return storage.StatusOf(s.server.store.Create(part))
	} else if err != nil {
		return storage.StatusOf(err)
	} else if version != part.Version {
		return apis.StatusWrongVersion
	}
	return apis.StatusOK
}

func (s *session) startForward(address apis.ServerAddress, request *packet) apis.Status {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	next, err := s.server.pool.Lease(ctx, address)
	if err != nil {
		log.WithField("server", address).WithError(err).Warn("cannot forward write")
		return apis.StatusDisconnected
	}
	s.next = next
	return s.forward(request)
}

// Sends a request down the chain and waits for its reply. Any failure drops the rest of the chain.
func (s *session) forward(request *packet) apis.Status {
	if s.next == nil {
		if s.broken {
			return apis.StatusDisconnected
		}
		return apis.StatusOK
	}
	if err := s.next.SetDeadline(time.Now().Add(forwardTimeout)); err != nil {
		s.dropForward()
		return apis.StatusDisconnected
	}
	if err := s.next.send(request); err != nil {
		s.dropForward()
		return apis.StatusDisconnected
	}
	reply, err := s.next.receive()
	if err != nil {
		log.WithField("server", s.next.address).WithError(err).Warn("write chain broken")
		s.dropForward()
		return apis.StatusDisconnected
	}
	if (request.Kind == kindWriteEnd) != (reply.Kind == kindWriteEnd) {
		s.dropForward()
		return apis.StatusDisconnected
	}
	return reply.Status
}

func (s *session) dropForward() {
	if s.next != nil {
		_ = s.next.Close()
		s.next = nil
		s.broken = true
	}
}

func (s *session) writeData(request *packet) *packet {
	if !s.writing || request.Chunk != s.part.Chunk {
		return s.status(request, apis.StatusNoChunk)
	}
	if !checksumMatches(request.Data, request.Checksum) {
		return s.status(request, apis.StatusBadChecksum)
	}
	status := storage.StatusOf(s.server.store.WriteBlock(s.part, request.Block, request.Offset, request.Data))
	if status != apis.StatusOK {
		return s.status(request, status)
	}
	return s.status(request, s.forward(request))
}

func (s *session) writeEnd(request *packet) *packet {
	if s.next != nil {
		if status := s.forward(request); status == apis.StatusOK {
			s.server.pool.Release(s.next)
			s.next = nil
		} else {
			s.dropForward()
		}
	}
	s.writing = false
	return &packet{Kind: kindWriteEnd, Chunk: request.Chunk}
}
