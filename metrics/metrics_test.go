package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelmail/kestreld/metrics"
)

func TestGaugeSetAndValue(t *testing.T) {
	var g metrics.Gauge
	assert.Equal(t, float64(0), g.Value())
	g.Set(3.5)
	assert.Equal(t, 3.5, g.Value())
	g.Set(1)
	assert.Equal(t, float64(1), g.Value())
}

func TestCounterAdd(t *testing.T) {
	var c metrics.Counter
	assert.Equal(t, uint64(0), c.Value())
	c.Add(2)
	c.Add(3)
	assert.Equal(t, uint64(5), c.Value())
}

func TestRegistrySnapshot(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.QueryQueueLength.Set(4)
	reg.ActiveDBConnections.Set(2)
	reg.TotalDBConnections.Set(3)
	reg.HandlesNeeded.Set(1)

	snap := reg.Snapshot()
	byName := make(map[string]float64, len(snap))
	for _, s := range snap {
		byName[s.Name] = s.Value
	}

	assert.Equal(t, float64(4), byName["query-queue-length"])
	assert.Equal(t, float64(2), byName["active-db-connections"])
	assert.Equal(t, float64(3), byName["total-db-connections"])
	assert.Equal(t, float64(1), byName["handles-needed"])
}
