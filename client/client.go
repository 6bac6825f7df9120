// Package client wires the chunk I/O engine to the network: one connection pool, connector and statistics
// registry shared by every chunk writer and reader it hands out.
package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/AICloudNAS/lizardfs/apis"
	"github.com/AICloudNAS/lizardfs/chunkreader"
	"github.com/AICloudNAS/lizardfs/chunkwriter"
	"github.com/AICloudNAS/lizardfs/config"
	"github.com/AICloudNAS/lizardfs/journal"
	"github.com/AICloudNAS/lizardfs/rpc"
	"github.com/AICloudNAS/lizardfs/stats"
)

// How long a write loop waits for replies before checking for work again.
const processInterval = 50 * time.Millisecond

type Client struct {
	config     *config.Configuration
	pool       *rpc.ConnectionPool
	connector  *rpc.Connector
	stats      *stats.ChunkserverStats
	registerer prometheus.Registerer
}

// Set up all portions of a client based on a configuration, including the standard logger. Metrics are registered
// with registerer unless it is nil.
// This will not error if chunkservers aren't available; errors occur when chunks are read or written.
func ConfigureClient(configuration *config.Configuration, registerer prometheus.Registerer) (*Client, error) {
	cfg := *configuration
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.ConfigureLogging(&cfg); err != nil {
		return nil, err
	}
	chunkserverStats := stats.NewChunkserverStats(cfg.MetricsNamespace)
	if registerer != nil {
		for i, collector := range chunkserverStats.Collectors() {
			if err := registerer.Register(collector); err != nil {
				for _, registered := range chunkserverStats.Collectors()[:i] {
					registerer.Unregister(registered)
				}
				return nil, errors.Wrap(err, "cannot register chunkserver metrics")
			}
		}
	}
	pool := rpc.NewConnectionPool(cfg.DialTimeout, cfg.IdleTimeout, cfg.DialRetryCount())
	return &Client{
		config:     &cfg,
		pool:       pool,
		connector:  rpc.NewConnector(pool),
		stats:      chunkserverStats,
		registerer: registerer,
	}, nil
}

func (c *Client) Stats() *stats.ChunkserverStats {
	return c.stats
}

// A writer for a single chunk. Signals on notify wake up the writer while it waits for replies.
func (c *Client) NewChunkWriter(notify <-chan struct{}) *chunkwriter.ChunkWriter {
	return chunkwriter.NewChunkWriter(c.stats, c.connector, notify)
}

func (c *Client) NewChunkReader() *chunkreader.ChunkReader {
	return chunkreader.NewChunkReader(c.connector, c.stats, c.config.ReadTimeout)
}

// Writes blocks of the located chunk and waits until every chunkserver acknowledged them.
// On error, returns the blocks that are not known to be written, so that they can be retried.
func (c *Client) WriteChunk(locator apis.WriteChunkLocator, blocks []journal.WriteCacheBlock) ([]journal.WriteCacheBlock, error) {
	writer := c.NewChunkWriter(nil)
	added := 0
	fail := func(err error) ([]journal.WriteCacheBlock, error) {
		writer.AbortOperations()
		var unwritten []journal.WriteCacheBlock
		for _, block := range writer.ReleaseJournal() {
			// blocks read back to complete stripes were never ours to write
			if block.Type != journal.ReadBlock {
				unwritten = append(unwritten, block)
			}
		}
		unwritten = append(unwritten, blocks[added:]...)
		log.WithFields(log.Fields{
			"chunk":     locator.LocationInfo().Chunk,
			"unwritten": len(unwritten),
		}).WithError(err).Warn("chunk write failed")
		return unwritten, err
	}
	if err := writer.Init(locator, c.config.WriteTimeout); err != nil {
		return fail(err)
	}
	// Parts are created by the init handshake, and partial stripes are completed by reading them back.
	for writer.PendingOperationsCount() > 0 {
		if err := writer.ProcessOperations(processInterval); err != nil {
			return fail(err)
		}
	}
	for _, block := range blocks {
		if err := writer.AddOperation(block); err != nil {
			return fail(err)
		}
		added++
	}
	writer.StartFlushMode()
	for writer.UnfinishedOperationsCount() > 0 {
		if _, err := writer.StartNewOperations(); err != nil {
			return fail(err)
		}
		if err := writer.ProcessOperations(processInterval); err != nil {
			return fail(err)
		}
	}
	if err := writer.Finish(c.config.WriteTimeout); err != nil {
		return fail(err)
	}
	return nil, nil
}

// Reads blockCount blocks of a chunk starting at firstBlock, from whichever parts are available.
func (c *Client) ReadChunk(ctx context.Context, info apis.ChunkLocationInfo, firstBlock uint32, blockCount uint32) ([]byte, error) {
	reader := c.NewChunkReader()
	if err := reader.Prepare(info); err != nil {
		return nil, err
	}
	return reader.ReadBlocks(ctx, firstBlock, blockCount)
}

// Closes pooled connections and unregisters metrics.
func (c *Client) Close() {
	c.pool.CloseAll()
	if c.registerer != nil {
		for _, collector := range c.stats.Collectors() {
			c.registerer.Unregister(collector)
		}
	}
}

// A WriteChunkLocator for a chunk whose location is already known.
type StaticLocator struct {
	Index uint32
	Info  apis.ChunkLocationInfo
}

func (l *StaticLocator) ChunkIndex() uint32 {
	return l.Index
}

func (l *StaticLocator) LocationInfo() apis.ChunkLocationInfo {
	return l.Info
}

func (l *StaticLocator) UpdateFileLength(length uint64) {
	l.Info.FileLength = length
}
