package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/smbclient/internal/smb/client"
)

type fakePool struct {
	conns  []client.ConnectionInfo
	closed bool
}

func (f *fakePool) Snapshot() []client.ConnectionInfo { return f.conns }
func (f *fakePool) Closed() bool                      { return f.closed }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := NewRouter(&fakePool{}, nil)

	rec := get(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadiness(t *testing.T) {
	pool := &fakePool{}
	h := NewRouter(pool, nil)

	assert.Equal(t, http.StatusOK, get(t, h, "/health/ready").Code)

	pool.closed = true
	rec := get(t, h, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection pool closed")
}

func TestConnections(t *testing.T) {
	pool := &fakePool{conns: []client.ConnectionInfo{
		{Host: "fs1", Port: 445, State: "CONNECTED", Dialect: "SMB 3.1.1", Credits: 64, Usage: 1},
	}}
	rec := get(t, NewRouter(pool, nil), "/health/connections")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []client.ConnectionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, pool.conns[0], resp.Data[0])
}

func TestMetricsEndpoint(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, NewRouter(&fakePool{}, nil), "/metrics").Code)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "smb_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := get(t, NewRouter(&fakePool{}, reg), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smb_test_total 1")
}

func TestRootRedirects(t *testing.T) {
	rec := get(t, NewRouter(&fakePool{}, nil), "/")
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/health", rec.Header().Get("Location"))
}
