package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

func TestMetrics_Operations(t *testing.T) {
	m := NewMetrics()
	m.OperationFinished("create", "ok", 20*time.Millisecond)
	m.OperationFinished("create", "ok", 30*time.Millisecond)
	m.OperationFinished("delete", "cancelled", time.Millisecond)
	m.RollbackFailed("import")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("delete", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("import")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.durations))
}

func TestMetrics_Links(t *testing.T) {
	m := NewMetrics()
	m.LinkCreated()
	m.LinkCreated()
	m.LinkDeleted()
	m.Resolved(true)
	m.Resolved(false)
	m.Resolved(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.links))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.linkChanges.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resolutions.WithLabelValues("miss")))
}

func TestMetrics_WorldsByStatus(t *testing.T) {
	m := NewMetrics()
	gauge := func(s world.Status) float64 {
		return testutil.ToFloat64(m.worldsStatus.WithLabelValues(string(s)))
	}

	m.WorldUpserted(world.World{ID: "overworld", Status: world.StatusActive})
	m.WorldUpserted(world.World{ID: "skyland", Status: world.StatusLoading})
	m.WorldUpserted(world.World{ID: "skyland", Status: world.StatusActive})
	m.WorldUpserted(world.World{ID: "skyland", Status: world.StatusActive})
	assert.Equal(t, 2.0, gauge(world.StatusActive))
	assert.Equal(t, 0.0, gauge(world.StatusLoading))

	m.WorldRemoved("skyland")
	m.WorldRemoved("ghost")
	assert.Equal(t, 1.0, gauge(world.StatusActive))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.LinkCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "worlds_links_count 1")
	assert.NotContains(t, string(body), "go_goroutines", "private registry only")
}

func TestPropertyWorldGaugeMatchesRegistry(t *testing.T) {
	statuses := []world.Status{
		world.StatusLoading, world.StatusActive, world.StatusUnloading,
		world.StatusUnloaded, world.StatusDeleting,
	}
	rapid.Check(t, func(rt *rapid.T) {
		m := NewMetrics()
		live := make(map[string]world.Status)
		for i := rapid.IntRange(0, 40).Draw(rt, "ops"); i > 0; i-- {
			id := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "id")
			if rapid.Bool().Draw(rt, "remove") {
				m.WorldRemoved(id)
				delete(live, id)
				continue
			}
			s := rapid.SampledFrom(statuses).Draw(rt, "status")
			m.WorldUpserted(world.World{ID: id, Status: s})
			live[id] = s
		}
		for _, s := range statuses {
			want := 0
			for _, got := range live {
				if got == s {
					want++
				}
			}
			if g := testutil.ToFloat64(m.worldsStatus.WithLabelValues(string(s))); g != float64(want) {
				rt.Fatalf("status %s: gauge %v, want %d", s, g, want)
			}
		}
	})
}
