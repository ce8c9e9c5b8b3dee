package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/devpad/devpad/internal/jobmanager"
	"github.com/devpad/devpad/internal/registry"
	"github.com/devpad/devpad/internal/relay"
)

// client is a thin JSON client for the devserver API.
type client struct {
	server string
	http   *http.Client
}

func newClient(server string) *client {
	return &client{
		server: server,
		http:   http.DefaultClient,
	}
}

type submitRequest struct {
	Kind   jobmanager.Kind   `json:"kind"`
	Params jobmanager.Params `json:"params"`
}

func (c *client) submit(ctx context.Context, kind jobmanager.Kind, params jobmanager.Params) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}

	err := c.do(
		ctx,
		http.MethodPost,
		"/api/jobs",
		submitRequest{Kind: kind, Params: params},
		&resp,
	)
	if err != nil {
		return "", err
	}

	return resp.ID, nil
}

func (c *client) get(ctx context.Context, id string) (jobmanager.Snapshot, error) {
	var snapshot jobmanager.Snapshot

	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &snapshot)

	return snapshot, err
}

func (c *client) list(ctx context.Context, status, kind string) ([]jobmanager.Snapshot, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if kind != "" {
		query.Set("kind", kind)
	}

	path := "/api/jobs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var snapshots []jobmanager.Snapshot

	err := c.do(ctx, http.MethodGet, path, nil, &snapshots)

	return snapshots, err
}

func (c *client) cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(id), nil, nil)
}

// logs streams the job's log to out until the job's output closes or ctx is
// cancelled.
func (c *client) logs(ctx context.Context, id string, out io.Writer) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.url("/api/jobs/"+url.PathEscape(id)+"/logs"),
		nil,
	)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	_, err = io.Copy(out, resp.Body)

	return err
}

type leaseStatus struct {
	registry.Lease

	Reachable bool `json:"reachable"`
}

type resourcesResponse struct {
	Leases       []leaseStatus `json:"leases"`
	FreePorts    int           `json:"free_ports"`
	FreeDisplays int           `json:"free_displays"`
}

func (c *client) resources(ctx context.Context) (resourcesResponse, error) {
	var resp resourcesResponse

	err := c.do(ctx, http.MethodGet, "/api/resources", nil, &resp)

	return resp, err
}

// watch subscribes to the event stream and calls fn for every event until
// the stream closes or ctx is cancelled.
func (c *client) watch(ctx context.Context, filter string, fn func(relay.Event)) error {
	wsURL := url.URL{
		Scheme:   "ws",
		Host:     c.server,
		Path:     "/api/events",
		RawQuery: url.Values{"job": {filter}}.Encode(),
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}

		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close()

	stopWatch := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stopWatch()

	for {
		var event relay.Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				return nil
			}

			return err
		}

		fn(event)
	}
}

func (c *client) url(path string) string {
	return "http://" + c.server + path
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error string `json:"error"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	return errors.New(apiErr.Error)
}
