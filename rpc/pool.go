package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	log "github.com/sirupsen/logrus"

	"github.com/AICloudNAS/lizardfs/apis"
)

const dialBackoffBase = 50 * time.Millisecond

type idleConn struct {
	conn  *Conn
	since time.Time
}

// Caches idle connections to chunkservers. Safe for concurrent use.
// A leased connection is owned by the caller until it is released or closed.
type ConnectionPool struct {
	mu          sync.Mutex
	idle        map[apis.ServerAddress][]idleConn
	dialTimeout time.Duration
	idleTimeout time.Duration
	dialRetries uint64
	closed      bool
}

func NewConnectionPool(dialTimeout time.Duration, idleTimeout time.Duration, dialRetries uint64) *ConnectionPool {
	return &ConnectionPool{
		idle:        map[apis.ServerAddress][]idleConn{},
		dialTimeout: dialTimeout,
		idleTimeout: idleTimeout,
		dialRetries: dialRetries,
	}
}

// must be called with mu held
func (p *ConnectionPool) takeIdle(address apis.ServerAddress) *Conn {
	conns := p.idle[address]
	for len(conns) > 0 {
		last := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		if time.Since(last.since) <= p.idleTimeout {
			p.idle[address] = conns
			return last.conn
		}
		_ = last.conn.Close()
	}
	delete(p.idle, address)
	return nil
}

// Returns an idle connection to the address if there is one, and dials a new one otherwise.
func (p *ConnectionPool) Lease(ctx context.Context, address apis.ServerAddress) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("attempt to use closed connection pool")
	}
	conn := p.takeIdle(address)
	p.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	var raw net.Conn
	backoff := retry.WithMaxRetries(p.dialRetries, retry.NewExponential(dialBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: p.dialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", string(address))
		if err != nil {
			log.WithField("server", address).WithError(err).Debug("dial failed")
			return retry.RetryableError(err)
		}
		raw = c
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %s", address)
	}
	return newConn(raw, address), nil
}

// Hands a connection back for reuse. The caller must not have any request outstanding on it.
func (p *ConnectionPool) Release(conn *Conn) {
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		return
	}
	p.idle[conn.address] = append(p.idle[conn.address], idleConn{conn: conn, since: time.Now()})
}

func (p *ConnectionPool) IdleCount(address apis.ServerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[address])
}

// Closes every idle connection. Leased connections are closed when they are released.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for address, conns := range p.idle {
		for _, idle := range conns {
			_ = idle.conn.Close()
		}
		delete(p.idle, address)
	}
}
