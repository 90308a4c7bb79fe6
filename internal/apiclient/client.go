// Package apiclient talks to the fleet API over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/agent"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fleet api: %s", http.StatusText(e.Code))
	}
	return fmt.Sprintf("fleet api: %s: %s", http.StatusText(e.Code), e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Devices(ctx context.Context) (map[string]agent.Status, error) {
	var out map[string]agent.Status
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Clusters(ctx context.Context) ([]fleet.ClusterStatus, error) {
	var out []fleet.ClusterStatus
	if err := c.do(ctx, http.MethodGet, "/clusters", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Emergencies(ctx context.Context) ([]domain.EmergencyEvent, error) {
	var out []domain.EmergencyEvent
	if err := c.do(ctx, http.MethodGet, "/emergencies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Analytics(ctx context.Context) (service.Analytics, error) {
	var out service.Analytics
	err := c.do(ctx, http.MethodGet, "/analytics", nil, &out)
	return out, err
}

func (c *Client) TriggerEmergency(ctx context.Context, clusterID, emergencyType string, details map[string]any) (domain.EmergencyEvent, error) {
	body := map[string]any{
		"clusterId":     clusterID,
		"emergencyType": emergencyType,
		"details":       details,
	}
	var out domain.EmergencyEvent
	err := c.do(ctx, http.MethodPost, "/emergency-coordination", body, &out)
	return out, err
}

func (c *Client) ResolveEmergency(ctx context.Context, id int64) (domain.EmergencyEvent, error) {
	var out domain.EmergencyEvent
	err := c.do(ctx, http.MethodPost, "/emergencies/"+strconv.FormatInt(id, 10)+"/resolve", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
