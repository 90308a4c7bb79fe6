package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	httpHandlers "github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/http"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	orch := fleet.New(fleet.Options{Config: fleet.DefaultConfig(), Logger: zerolog.Nop()})
	t.Cleanup(func() { orch.Stop() })
	require.NoError(t, orch.Seed(context.Background(), fleet.DefaultDevices()))

	app := fiber.New()
	httpHandlers.Register(app, orch, service.NewAnalyticsService(orch, service.DefaultThresholds()))
	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", 5*time.Second)
}

func TestReadRoutes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	devices, err := c.Devices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 10)

	clusters, err := c.Clusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 3)
	assert.Equal(t, "cluster-warehouse-a", clusters[0].ID)

	analytics, err := c.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, analytics.TotalDevices)

	events, err := c.Emergencies(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEmergencyRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	event, err := c.TriggerEmergency(ctx, "cluster-loading-dock", "fire", map[string]any{"zone": "3"})
	require.NoError(t, err)
	assert.Equal(t, domain.EventActive, event.Status)
	assert.Equal(t, "3", event.Details["zone"])

	resolved, err := c.ResolveEmergency(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventResolved, resolved.Status)

	_, err = c.ResolveEmergency(ctx, event.ID)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Contains(t, se.Error(), "already resolved")
}

func TestUnknownCluster(t *testing.T) {
	c := newTestClient(t)
	_, err := c.TriggerEmergency(context.Background(), "cluster-nowhere", "fire", nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}
