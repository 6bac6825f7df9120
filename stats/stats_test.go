package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AICloudNAS/lizardfs/apis"
)

func TestChunkserverStats_Scores(t *testing.T) {
	s := NewChunkserverStats("test")
	assert.Equal(t, 1.0, s.Score("cs0"))

	s.RegisterReadOperation("cs0")
	s.RegisterWriteOperation("cs0")
	assert.Equal(t, 1.0/3, s.Score("cs0"))
	s.UnregisterWriteOperation("cs0")
	s.UnregisterReadOperation("cs0")
	s.UnregisterReadOperation("cs0")
	assert.Equal(t, 1.0, s.Score("cs0"))

	s.MarkDefective("cs1")
	assert.Equal(t, 0.0, s.Score("cs1"))

	scores := s.ScoresFor([]apis.ChunkTypeWithAddress{
		{Address: "cs0", PartType: apis.XorPart(2, 1)},
		{Address: "cs1", PartType: apis.XorPart(2, 2)},
		{Address: "cs1", PartType: apis.XorParity(2)},
		{Address: "cs2", PartType: apis.XorParity(2)},
	})
	assert.Equal(t, map[apis.ChunkPartType]float64{
		apis.XorPart(2, 1): 1,
		apis.XorPart(2, 2): 0,
		apis.XorParity(2):  1,
	}, scores)

	s.MarkWorking("cs1")
	assert.Equal(t, 1.0, s.Score("cs1"))
}

func TestChunkserverStats_Metrics(t *testing.T) {
	s := NewChunkserverStats("test")
	registry := prometheus.NewRegistry()
	for _, collector := range s.Collectors() {
		require.NoError(t, registry.Register(collector))
	}

	s.RegisterWriteOperation("cs0")
	s.RegisterWriteOperation("cs0")
	s.MarkDefective("cs0")
	s.MarkDefective("cs0")

	assert.Equal(t, 2.0, testutil.ToFloat64(s.pending.WithLabelValues("cs0", "write")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.defects.WithLabelValues("cs0")))
}

func TestChunkserverStats_Nil(t *testing.T) {
	var s *ChunkserverStats
	s.RegisterReadOperation("cs0")
	s.MarkDefective("cs0")
	assert.Equal(t, 1.0, s.Score("cs0"))
	assert.Nil(t, s.Collectors())
}
