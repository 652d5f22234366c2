package bqhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/balanced-queue/balanced-queue/bq"
	"github.com/balanced-queue/balanced-queue/bqmetrics"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T) *bqmetrics.Reader {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	d := bq.NewDriver(kv, bq.WithPrefix("t"))
	_, err = d.Push(context.Background(), "orders", []byte("a"), bq.WithPartitionOverride("tenant-1"))
	require.NoError(t, err)

	return bqmetrics.NewReader(kv, "t", nil)
}

func TestServeMetricsText(t *testing.T) {
	reader := newTestReader(t)
	server, err := New(reader, nil, false, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "balanced_queue_pending_jobs")
}

func TestServeMetricsJSON(t *testing.T) {
	reader := newTestReader(t)
	server, err := New(reader, nil, false, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics/json", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue":"orders"`)
}

func TestAllowListRejectsUnlistedRemote(t *testing.T) {
	reader := newTestReader(t)
	server, err := New(reader, nil, true, []string{"10.0.0.0/8"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.168.1.5:54321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAllowListAllowsListedRemote(t *testing.T) {
	reader := newTestReader(t)
	server, err := New(reader, nil, true, []string{"192.168.1.0/24"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.168.1.5:54321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestIPWhitelistEnabledWithEmptyListDeniesEveryone(t *testing.T) {
	reader := newTestReader(t)
	server, err := New(reader, nil, true, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.168.1.5:54321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIPWhitelistDisabledAllowsEveryoneEvenWithoutCIDRs(t *testing.T) {
	reader := newTestReader(t)
	server, err := New(reader, nil, false, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.168.1.5:54321"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
