package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"meshprobe/internal/events"
	"meshprobe/internal/liveness"
	"meshprobe/internal/model"
)

// Client is a thin HTTP client for a node's API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Nodes fetches the node's registry.
func (c *Client) Nodes(ctx context.Context) (NodesResponse, error) {
	var resp NodesResponse
	if err := c.getJSON(ctx, "/api/nodes", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Node fetches one registry entry.
func (c *Client) Node(ctx context.Context, id string) (model.NodeRecord, error) {
	var rec model.NodeRecord
	if err := c.getJSON(ctx, "/api/nodes/"+url.PathEscape(id), &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Latency fetches the latency history the node keeps for id.
func (c *Client) Latency(ctx context.Context, id string) (liveness.History, error) {
	var h liveness.History
	if err := c.getJSON(ctx, "/api/nodes/"+url.PathEscape(id)+"/latency", &h); err != nil {
		return h, err
	}
	return h, nil
}

// Latencies fetches every latency history keyed by node id.
func (c *Client) Latencies(ctx context.Context) (map[string]liveness.History, error) {
	out := map[string]liveness.History{}
	if err := c.getJSON(ctx, "/api/latency", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Self describes the node answering the API.
func (c *Client) Self(ctx context.Context) (SelfResponse, error) {
	var resp SelfResponse
	if err := c.getJSON(ctx, "/api/self", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Watch streams events to fn until ctx is cancelled or the server closes the
// stream. A normal close returns nil.
func (c *Client) Watch(ctx context.Context, fn func(events.Event)) error {
	u, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ws, res, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return fmt.Errorf("watch: %s: %w", res.Status, err)
		}
		return fmt.Errorf("watch: %w", err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var ev events.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("watch read: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
