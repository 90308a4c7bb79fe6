package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	down     bool
	resolved []int64
}

func (f *fakeSource) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeSource) Clusters(context.Context) ([]fleet.ClusterStatus, error) {
	return []fleet.ClusterStatus{{Cluster: domain.Cluster{ID: "cluster-yard", Location: "Yard", Members: []string{"d1", "d2"}}, LeaderID: "d1", Term: 2}}, nil
}

func (f *fakeSource) Analytics(context.Context) (service.Analytics, error) {
	return service.Analytics{TotalDevices: 2, OnlineDevices: 1}, nil
}

func (f *fakeSource) Emergencies(context.Context) ([]domain.EmergencyEvent, error) {
	return nil, errors.New("timeout")
}

func (f *fakeSource) ResolveEmergency(_ context.Context, id int64) (domain.EmergencyEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == 404 {
		return domain.EmergencyEvent{}, errors.New("emergency event not found")
	}
	f.resolved = append(f.resolved, id)
	return domain.EmergencyEvent{ID: id, Status: domain.EventResolved}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeSource, *httptest.Server) {
	t.Helper()
	src := &fakeSource{}
	s := New(src, 20*time.Millisecond, zerolog.Nop())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, src, srv
}

func TestStatsSnapshot(t *testing.T) {
	_, src, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "online", snap.APIStatus)
	require.Len(t, snap.Clusters, 1)
	assert.Equal(t, "d1", snap.Clusters[0].LeaderID)
	require.NotNil(t, snap.Analytics)
	assert.Equal(t, 2, snap.Analytics.TotalDevices)
	assert.Empty(t, snap.Emergencies)

	src.mu.Lock()
	src.down = true
	src.mu.Unlock()

	resp2, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&health))
	assert.Equal(t, "offline", health["status"])
}

func TestWebSocketInitAndUpdates(t *testing.T) {
	s, _, srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Type string   `json:"type"`
		Data Snapshot `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "init", msg.Type)
	assert.Equal(t, "online", msg.Data.APIStatus)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "update", msg.Type)
	assert.Len(t, msg.Data.Clusters, 1)

	cancel()
	<-done
	assert.Equal(t, 0, s.hub.Len())
}

func TestResolveRoute(t *testing.T) {
	_, src, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/emergencies/7/resolve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{7}, src.resolved)

	resp, err = http.Post(srv.URL+"/api/emergencies/404/resolve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/emergencies/abc/resolve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
