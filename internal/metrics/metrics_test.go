package metrics

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNames(t *testing.T) {
	r := NewRegistry("framewitness", "server")
	c := r.RegisterCounter("uploads_total", "Uploads", nil)
	assert.Equal(t, "framewitness_server_uploads_total", c.Name())

	// re-registering returns the same instance
	assert.Same(t, c, r.RegisterCounter("uploads_total", "Uploads", nil))
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("latency", "", nil, []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 2} {
		h.Observe(v)
	}
	counts, sum, count := h.cumulative()
	assert.Equal(t, []uint64{2, 3, 3, 4}, counts)
	assert.InDelta(t, 2.45, sum, 1e-9)
	assert.Equal(t, uint64(4), count)
	assert.InDelta(t, 0.6125, h.Mean(), 1e-9)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("fw", "")
	r.RegisterCounter("b_total", "B", nil).Add(3)
	r.RegisterGauge("a_gauge", "A", Labels{"x": `q"uote`}).Set(-2)
	vec := r.RegisterCounterVec("evidence_total", "Evidence", "tier")
	vec.With("high").Inc()
	vec.With("low").Add(2)
	r.RegisterHistogram("dur_seconds", "D", nil, []float64{0.5}).Observe(0.25)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, "# TYPE fw_b_total counter\nfw_b_total 3\n")
	assert.Contains(t, out, `fw_a_gauge{x="q\"uote"} -2`)
	assert.Contains(t, out, `fw_evidence_total{tier="high"} 1`)
	assert.Contains(t, out, `fw_evidence_total{tier="low"} 2`)
	assert.Contains(t, out, `fw_dur_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `fw_dur_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "fw_dur_seconds_count 1")

	// output is stable between scrapes
	var again bytes.Buffer
	require.NoError(t, r.WritePrometheus(&again))
	assert.Equal(t, out, again.String())
	assert.Less(t, strings.Index(out, "fw_b_total"), strings.Index(out, "fw_evidence_total"))
}

func TestHTTPHandler(t *testing.T) {
	r := NewRegistry("fw", "")
	r.RegisterCounter("hits_total", "Hits", nil).Inc()

	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "fw_hits_total 1")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, req)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap["fw_hits_total"])
}

func TestCounterVecConcurrent(t *testing.T) {
	vec := NewRegistry("", "").RegisterCounterVec("x_total", "", "k")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				vec.With("a").Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), vec.Value("a"))
	assert.Zero(t, vec.Value("missing"))
}

func TestSet(t *testing.T) {
	m := NewSet(NewRegistry("framewitness", ""))
	m.RecordEvidence("medium", 0.72, 300*time.Millisecond)
	m.RecordSignal("depth", "pass")
	m.RecordFailure("replay")
	m.ReplayRejected.Inc()
	m.UpdateUptime()

	assert.Equal(t, uint64(1), m.EvidenceByTier.Value("medium"))
	assert.Equal(t, uint64(1), m.SignalStatus.Value("depth:pass"))
	assert.Equal(t, uint64(1), m.ProcessingErrors.Value("replay"))
	assert.Equal(t, uint64(1), m.OverallScore.Count())

	snap := m.Registry().Snapshot()
	assert.EqualValues(t, 1, snap[`framewitness_evidence_total{tier="medium"}`])
}
