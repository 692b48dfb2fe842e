package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbalert/internal/alert"
	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

type staticUnread int64

func (u staticUnread) Value() int64 { return int64(u) }

func newServer(t *testing.T, cfg Config) (*Server, *storage.Handle) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory", DupDetection: true}, logx.Nop(), nil)
	require.NoError(t, err)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, body := range []string{"first", "second", "third"} {
		require.True(t, st.Insert(context.Background(), alert.Record{
			SerialNumber: 10 + i,
			PLMN:         "310260",
			Body:         body,
			DeliveryTime: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	h := storage.NewHandle(st)
	return New(cfg, storage.NewProvider(h, logx.Nop()), staticUnread(3), logx.Nop()), h
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestListAlerts(t *testing.T) {
	s, _ := newServer(t, Config{})

	rr := do(t, s, http.MethodGet, "/api/alerts")
	require.Equal(t, http.StatusOK, rr.Code)
	var rows []alert.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "third", rows[0].Body)

	rr = do(t, s, http.MethodGet, "/api/alerts?order=asc&limit=2")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Body)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/alerts?order=sideways").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/alerts?limit=-1").Code)
}

func TestGetAlert(t *testing.T) {
	s, _ := newServer(t, Config{})

	rr := do(t, s, http.MethodGet, "/api/alerts?order=asc&limit=1")
	var rows []alert.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	require.Len(t, rows, 1)

	rr = do(t, s, http.MethodGet, "/api/alerts/"+jsonID(rows[0].ID))
	require.Equal(t, http.StatusOK, rr.Code)
	var got alert.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "first", got.Body)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/alerts/999").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/alerts/abc").Code)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestGenericMutationsAreRefused(t *testing.T) {
	s, _ := newServer(t, Config{})
	for _, c := range []struct{ method, target string }{
		{http.MethodPost, "/api/alerts"},
		{http.MethodPut, "/api/alerts/1"},
		{http.MethodPatch, "/api/alerts/1"},
		{http.MethodDelete, "/api/alerts/1"},
		{http.MethodDelete, "/api/alerts"},
	} {
		rr := do(t, s, c.method, c.target)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code, "%s %s", c.method, c.target)
		assert.Contains(t, rr.Body.String(), storage.ErrUnsupportedMutation.Error())
	}

	rr := do(t, s, http.MethodGet, "/api/alerts")
	var rows []alert.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rows))
	assert.Len(t, rows, 3)
}

func TestStatsAndUnread(t *testing.T) {
	s, _ := newServer(t, Config{})

	rr := do(t, s, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rr.Code)
	var st storage.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.EqualValues(t, 3, st.Inserted)

	rr = do(t, s, http.MethodGet, "/api/unread")
	assert.JSONEq(t, `{"unread":3}`, rr.Body.String())
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s, h := newServer(t, Config{})
	require.NoError(t, h.Close(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/alerts").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/stats").Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newServer(t, Config{RatePerSec: 0.001, Burst: 1})
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/unread").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/api/unread").Code)
}

func TestPprofOnlyOnLoopback(t *testing.T) {
	s, _ := newServer(t, Config{Listen: "127.0.0.1:0", Pprof: true})
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/debug/pprof/").Code)

	s, _ = newServer(t, Config{Listen: "0.0.0.0:8089", Pprof: true})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/debug/pprof/").Code)
}
