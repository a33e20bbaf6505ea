package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) Result { return Result{Status: StatusHealthy} }

func TestRunAggregates(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		check    Check
		want     Status
	}{
		{"all healthy", true, healthy, StatusHealthy},
		{"critical failure", true, PingCheck(func(context.Context) error { return errors.New("down") }), StatusUnhealthy},
		{"optional failure", false, PingCheck(func(context.Context) error { return errors.New("down") }), StatusDegraded},
		{"integrity lost", true, IntegrityCheck(func() bool { return false }), StatusUnhealthy},
		{"panic", true, func(context.Context) Result { panic("boom") }, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.Register(Component{Name: "base", Critical: true, Check: healthy})
			c.Register(Component{Name: "component", Critical: tt.critical, Check: tt.check})

			rep := c.Run(context.Background())
			assert.Equal(t, tt.want, rep.Status)
			assert.Len(t, rep.Components, 2)
		})
	}
}

func TestRunTimesOut(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "slow", Critical: true, Timeout: 20 * time.Millisecond, Check: func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Result{Status: StatusHealthy}
	}})

	rep := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Equal(t, "check timed out", rep.Components["slow"].Message)
}

func TestReadiness(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "base", Critical: true, Check: healthy})

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerReport(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "store", Critical: true, Check: IntegrityCheck(func() bool { return false })})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, StatusUnhealthy, rep.Status)
	assert.Contains(t, rep.Components["store"].Message, "integrity")
}

func TestDiskSpaceCheck(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "freebsd" {
		t.Skip("statfs not available")
	}
	dir := t.TempDir()

	r := DiskSpaceCheck(dir, 1)(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
	assert.Positive(t, r.Details["free_bytes"])

	r = DiskSpaceCheck(dir, ^uint64(0))(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)

	r = DiskSpaceCheck(dir+"/missing", 1)(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
}
