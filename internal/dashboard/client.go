// Package dashboard is the glue between the dashboard forms, prefs.json and
// the control-plane server: it syncs form values with the preferences,
// picks the model and test to show, dispatches runs and tells the plot
// processes to redraw.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is a non-2xx reply from the control-plane server.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the control-plane server. Every call is a GET with its
// arguments in the query string.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base, e.g.
// http://localhost:8000. A nil hc uses a client with a generous timeout,
// since /measure and /simulate block until the engine finishes.
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	u := c.base + "/" + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}
	if resp.StatusCode/100 != 2 {
		se := &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			se.Message = payload.Error
		}
		return nil, se
	}
	return body, nil
}

// ReadJSON returns the contents of a JSON file below the server root.
func (c *Client) ReadJSON(ctx context.Context, name string) (json.RawMessage, error) {
	body, err := c.get(ctx, "file", url.Values{"cmd": {"read"}, "filename": {name}})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// WriteJSON replaces a JSON file on the server.
func (c *Client) WriteJSON(ctx context.Context, name string, data []byte) error {
	_, err := c.get(ctx, "file", url.Values{"cmd": {"write"}, "filename": {name}, "json_data": {string(data)}})
	return err
}

func (c *Client) CopyFile(ctx context.Context, src, dst string) error {
	_, err := c.get(ctx, "file", url.Values{"cmd": {"copy"}, "filename": {src}, "new_filename": {dst}})
	return err
}

func (c *Client) DeleteFile(ctx context.Context, name string) error {
	_, err := c.get(ctx, "file", url.Values{"cmd": {"delete"}, "filename": {name}})
	return err
}

func query(data any) (url.Values, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return url.Values{"data": {string(b)}}, nil
}

// Call invokes endpoint with data encoded as the data query argument and
// discards the reply.
func (c *Client) Call(ctx context.Context, endpoint string, data any) error {
	q, err := query(data)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", endpoint, err)
	}
	_, err = c.get(ctx, endpoint, q)
	return err
}

// CallJSON is Call with the reply decoded into out.
func (c *Client) CallJSON(ctx context.Context, endpoint string, data any, out any) error {
	q, err := query(data)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", endpoint, err)
	}
	body, err := c.get(ctx, endpoint, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return nil
}
