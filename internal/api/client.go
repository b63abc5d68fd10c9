package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/mode"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

// StatusError is a non-2xx response decoded from an ErrorResponse body.
type StatusError struct {
	StatusCode int
	Body       ErrorResponse
}

func (e *StatusError) Error() string {
	if e.Body.Details != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Body.Error, e.Body.Details)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Body.Error)
}

// Client talks to the api-server. It is used by the CLI and the simulator.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Sync posts the items for one reconcile pass.
func (c *Client) Sync(ctx context.Context, deviceID string, items []offline.QueueItem) (offline.Report, error) {
	var report offline.Report
	err := c.do(ctx, http.MethodPost, "/sync", map[string]string{headerDeviceID: deviceID},
		SyncRequest{Items: items}, &report)
	return report, err
}

func (c *Client) Mode(ctx context.Context) (mode.Snapshot, error) {
	var snap mode.Snapshot
	err := c.do(ctx, http.MethodGet, "/system/mode", nil, nil, &snap)
	return snap, err
}

func (c *Client) Appointment(ctx context.Context, id uuid.UUID, includeDeleted bool) (*appointment.Appointment, error) {
	var appt appointment.Appointment
	path := "/appointments/" + id.String()
	if includeDeleted {
		path += "?include_deleted=true"
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func (c *Client) Events(ctx context.Context, id uuid.UUID) ([]appointment.Event, error) {
	var resp EventsResponse
	if err := c.do(ctx, http.MethodGet, "/appointments/"+id.String()+"/events", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) Create(ctx context.Context, key string, req CreateAppointmentRequest) (*MutationResponse, error) {
	var resp MutationResponse
	err := c.do(ctx, http.MethodPost, "/appointments", map[string]string{headerIdempotencyKey: key}, req, &resp)
	return &resp, err
}

func (c *Client) Reschedule(ctx context.Context, key string, id uuid.UUID, req RescheduleRequest) (*MutationResponse, error) {
	var resp MutationResponse
	err := c.do(ctx, http.MethodPost, "/appointments/"+id.String()+"/reschedule",
		map[string]string{headerIdempotencyKey: key}, req, &resp)
	return &resp, err
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, &se.Body); err != nil || se.Body.Error == "" {
			se.Body.Error = http.StatusText(resp.StatusCode)
		}
		return se
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
