package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcrelay/internal/bridge"
	"dcrelay/internal/database"
	"dcrelay/internal/database/models"
	"dcrelay/internal/types"
)

type fakeBridge struct {
	store    *database.MemoryStore
	readyErr error
	retried  int
}

func (f *fakeBridge) Snapshot() bridge.Snapshot {
	return bridge.Snapshot{TotalRelayed: 3, PendingCount: 1}
}

func (f *fakeBridge) Ready(context.Context) error { return f.readyErr }

func (f *fakeBridge) UpsertRoomMapping(ctx context.Context, aID, aName, bID, bName string, bidirectional bool) (*models.RoomMapping, error) {
	return f.store.UpsertRoomMapping(ctx, &models.RoomMapping{
		NetworkARoomID: aID, NetworkARoomName: aName,
		NetworkBRoomID: bID, NetworkBRoomName: bName,
		Bidirectional: bidirectional,
	})
}

func (f *fakeBridge) UpsertUserMapping(ctx context.Context, aID, aName, bID, bName string) (*models.UserMapping, error) {
	return f.store.UpsertUserMapping(ctx, &models.UserMapping{
		NetworkAUserID: aID, NetworkADisplayName: aName,
		NetworkBUserID: bID, NetworkBDisplayName: bName,
	})
}

func (f *fakeBridge) RetryDeferred() int {
	f.retried++
	return 2
}

func newTestServer(t *testing.T) (*Server, *fakeBridge) {
	t.Helper()
	store := database.NewMemoryStore()
	fb := &fakeBridge{store: store}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "dcrelay_test_total", Help: "test"}))
	return NewServer(fb, store, reg, zerolog.Nop()), fb
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	s, fb := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/readyz", "").Code)

	fb.readyErr = errors.New("bridge not started")
	rec := do(s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge not started")
}

func TestStatsAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap bridge.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap.TotalRelayed)
	assert.Equal(t, int64(1), snap.PendingCount)

	rec = do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dcrelay_test_total")
}

func TestPutRoomDefaultsToBidirectional(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPut, "/mappings/rooms", `{"network_a_room_id":"c1","network_b_room_id":"42"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var m models.RoomMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.True(t, m.Bidirectional)

	rec = do(s, http.MethodPut, "/mappings/rooms", `{"network_a_room_id":"c2","network_b_room_id":"43","bidirectional":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.False(t, m.Bidirectional)

	rec = do(s, http.MethodGet, "/mappings/rooms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rooms []models.RoomMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rooms))
	assert.Len(t, rooms, 2)
}

func TestPutRoomRejectsInvalidMapping(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPut, "/mappings/rooms", `{"network_a_room_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPut, "/mappings/rooms", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutUser(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodPut, "/mappings/users",
		`{"network_a_user_id":"u1","network_a_display_name":"alice","network_b_user_id":"alice@example.org"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(s, http.MethodGet, "/mappings/users", "")
	var users []models.UserMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice@example.org", users[0].UserID(types.NetworkB))
}

func TestRetryDeferred(t *testing.T) {
	s, fb := newTestServer(t)

	rec := do(s, http.MethodPost, "/deferred/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"retried":2}`, rec.Body.String())
	assert.Equal(t, 1, fb.retried)
}
