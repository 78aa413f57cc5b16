// Package remote is the client for the calendar backend the engine keeps
// its cache consistent with. The backend is only ever polled.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "roombook/internal/log"
	"roombook/internal/model"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 8 << 20

// Client talks JSON over HTTP to the calendar backend.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// NewClient creates a client for the backend rooted at baseURL. A zero
// timeout selects 15 seconds.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RoomEvents fetches the authoritative event list of a room.
func (c *Client) RoomEvents(ctx context.Context, roomID string) ([]model.Event, error) {
	var resp roomDataResponse
	q := url.Values{"calendarId": {roomID}}
	if err := c.do(ctx, "room_data", http.MethodGet, "/room_data", q, nil, &resp); err != nil {
		return nil, err
	}
	events := make([]model.Event, 0, len(resp.Events))
	for _, d := range resp.Events {
		events = append(events, d.toModel(roomID))
	}
	return events, nil
}

// CreateEvent creates an event and returns the server-assigned ID, which is
// empty when the backend does not echo it.
func (c *Client) CreateEvent(ctx context.Context, req EventRequest) (string, error) {
	req.EventID = ""
	var resp createResponse
	if err := c.do(ctx, "create_event", http.MethodPost, "/create_event", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.Event != nil && resp.Event.ID != "" {
		return resp.Event.ID, nil
	}
	return resp.ID, nil
}

// UpdateEvent replaces an existing event.
func (c *Client) UpdateEvent(ctx context.Context, req EventRequest) error {
	return c.do(ctx, "update_event", http.MethodPut, "/update_event", nil, req, nil)
}

// DeleteEvent deletes an existing event.
func (c *Client) DeleteEvent(ctx context.Context, req EventRequest) error {
	return c.do(ctx, "delete_event", http.MethodDelete, "/delete_event", nil, req, nil)
}

// RoomVersions returns the backend's current version counter per room.
func (c *Client) RoomVersions(ctx context.Context) ([]model.RoomVersion, error) {
	var resp roomUpdatesResponse
	if err := c.do(ctx, "room_updates", http.MethodGet, "/room_updates", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.RoomVersion, 0, len(resp.Updates))
	for _, u := range resp.Updates {
		out = append(out, model.RoomVersion{RoomID: u.RoomID, Version: u.Version})
	}
	return out, nil
}

// UserVersion returns the backend's user-directory version counter.
func (c *Client) UserVersion(ctx context.Context) (int64, error) {
	var resp userUpdatesResponse
	if err := c.do(ctx, "user_updates", http.MethodGet, "/user_updates", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

// Users returns the full user directory.
func (c *Client) Users(ctx context.Context) ([]model.User, error) {
	var resp usersResponse
	if err := c.do(ctx, "users", http.MethodGet, "/users", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Users == nil {
		return []model.User{}, nil
	}
	return resp.Users, nil
}

// FreeBusy asks for the busy intervals of attendees in [start, end) in one
// batched call. Every requested attendee is present in the result.
func (c *Client) FreeBusy(ctx context.Context, start, end time.Time, attendees []string) (map[string][]model.Interval, error) {
	req := freeBusyRequest{Start: start.UTC(), End: end.UTC(), Attendees: attendees}
	var resp freeBusyResponse
	if err := c.do(ctx, "freebusy", http.MethodPost, "/freebusy", nil, req, &resp); err != nil {
		return nil, err
	}

	out := make(map[string][]model.Interval, len(attendees))
	for _, a := range attendees {
		out[a] = []model.Interval{}
	}
	for email, busy := range resp.FreeBusy {
		ivs := make([]model.Interval, 0, len(busy))
		for _, b := range busy {
			ivs = append(ivs, model.Interval{Start: b.Start.Time, End: b.End.Time})
		}
		out[email] = ivs
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		appLog.Error("remote request failed", err, "op", op, "path", path)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	appLog.Debug("remote request", "op", op, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload errorPayload
		_ = json.Unmarshal(data, &payload)

		if resp.StatusCode == http.StatusForbidden && payload.Error == ReauthErrorCode {
			appLog.Warn("remote requires organizer re-authentication", "op", op)
			return fmt.Errorf("%s: %w", op, ErrAuthExpired)
		}

		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = resp.Status
		}
		return &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
