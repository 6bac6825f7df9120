// Package stats keeps track of how busy and how healthy each chunkserver looks from this client, and turns that
// into the part scores consumed by the read planner.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AICloudNAS/lizardfs/apis"
)

type serverStats struct {
	pendingReads  int
	pendingWrites int
	defective     bool
}

// Safe for concurrent use. A nil *ChunkserverStats ignores every registration and scores every server 1.
type ChunkserverStats struct {
	mu      sync.Mutex
	servers map[apis.ServerAddress]*serverStats

	pending *prometheus.GaugeVec
	defects *prometheus.CounterVec
}

func NewChunkserverStats(namespace string) *ChunkserverStats {
	return &ChunkserverStats{
		servers: map[apis.ServerAddress]*serverStats{},
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "pending_operations",
			Help:      "Reads and writes currently in flight to a chunkserver.",
		}, []string{"server", "kind"}),
		defects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunkserver",
			Name:      "defects_total",
			Help:      "Times a chunkserver was marked defective.",
		}, []string{"server"}),
	}
}

// Returns all prometheus metrics as collectors for registration.
func (s *ChunkserverStats) Collectors() []prometheus.Collector {
	if s == nil {
		return nil
	}
	return []prometheus.Collector{s.pending, s.defects}
}

// must be called with mu held
func (s *ChunkserverStats) get(address apis.ServerAddress) *serverStats {
	entry, found := s.servers[address]
	if !found {
		entry = &serverStats{}
		s.servers[address] = entry
	}
	return entry
}

func (s *ChunkserverStats) update(address apis.ServerAddress, kind string, change func(entry *serverStats) int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := change(s.get(address))
	s.pending.WithLabelValues(string(address), kind).Set(float64(count))
}

func (s *ChunkserverStats) RegisterReadOperation(address apis.ServerAddress) {
	s.update(address, "read", func(entry *serverStats) int {
		entry.pendingReads++
		return entry.pendingReads
	})
}

func (s *ChunkserverStats) UnregisterReadOperation(address apis.ServerAddress) {
	s.update(address, "read", func(entry *serverStats) int {
		if entry.pendingReads > 0 {
			entry.pendingReads--
		}
		return entry.pendingReads
	})
}

func (s *ChunkserverStats) RegisterWriteOperation(address apis.ServerAddress) {
	s.update(address, "write", func(entry *serverStats) int {
		entry.pendingWrites++
		return entry.pendingWrites
	})
}

func (s *ChunkserverStats) UnregisterWriteOperation(address apis.ServerAddress) {
	s.update(address, "write", func(entry *serverStats) int {
		if entry.pendingWrites > 0 {
			entry.pendingWrites--
		}
		return entry.pendingWrites
	})
}

func (s *ChunkserverStats) MarkDefective(address apis.ServerAddress) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(address).defective = true
	s.defects.WithLabelValues(string(address)).Inc()
}

func (s *ChunkserverStats) MarkWorking(address apis.ServerAddress) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(address).defective = false
}

// Defective servers score 0; otherwise the score falls from 1 as operations pile up on the server.
func (s *ChunkserverStats) Score(address apis.ServerAddress) float64 {
	if s == nil {
		return 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.servers[address]
	if !found {
		return 1
	}
	if entry.defective {
		return 0
	}
	return 1 / float64(1+entry.pendingReads+entry.pendingWrites)
}

// Scores every part found in locations by its best server.
func (s *ChunkserverStats) ScoresFor(locations []apis.ChunkTypeWithAddress) map[apis.ChunkPartType]float64 {
	scores := map[apis.ChunkPartType]float64{}
	for _, location := range locations {
		score := s.Score(location.Address)
		if existing, found := scores[location.PartType]; !found || score > existing {
			scores[location.PartType] = score
		}
	}
	return scores
}
