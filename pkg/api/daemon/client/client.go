// This code is copied from https://github.com/rootless-containers/rootlesskit/blob/master/pkg/api/client/client.go v0.14.6
// The code is licensed under Apache-2.0

// Package client talks to the skipauthd admin API over its UNIX socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/hellomouse/skipauth/pkg/api"
)

type Client interface {
	HTTPClient() *http.Client
	RegistryManager() *RegistryManager
	Ping(ctx context.Context) error
}

// New creates a client.
// socketPath is a path to the UNIX socket, without unix:// prefix.
func New(socketPath string) (Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, err
	}
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return NewWithHTTPClient(hc), nil
}

func NewWithHTTPClient(hc *http.Client) Client {
	return &client{
		Client:    hc,
		version:   "v1",
		dummyHost: "skipauthd",
	}
}

type client struct {
	*http.Client
	// version is always "v1"
	version   string
	dummyHost string
}

func (c *client) HTTPClient() *http.Client {
	return c.Client
}

func (c *client) RegistryManager() *RegistryManager {
	return &RegistryManager{
		client: c,
	}
}

func (c *client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "GET", "ping", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *client) url(path string) string {
	return fmt.Sprintf("http://%s/%s/%s", c.dummyHost, c.version, path)
}

// do sends body (if any) as JSON and returns the response once it is known
// to be successful.
func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		m, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(m)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	if err := successful(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func readAtMost(r io.Reader, maxBytes int) ([]byte, error) {
	lr := &io.LimitedReader{
		R: r,
		N: int64(maxBytes),
	}
	b, err := io.ReadAll(lr)
	if err != nil {
		return b, err
	}
	if lr.N == 0 {
		return b, fmt.Errorf("expected at most %d bytes, got more", maxBytes)
	}
	return b, nil
}

// HTTPStatusErrorBodyMaxLength specifies the maximum length of HTTPStatusError.Body
const HTTPStatusErrorBodyMaxLength = 64 * 1024

// HTTPStatusError is created from non-2XX HTTP response
type HTTPStatusError struct {
	// StatusCode is non-2XX status code
	StatusCode int
	// Body is at most HTTPStatusErrorBodyMaxLength
	Body string
}

// Error implements error.
// If e.Body is a marshalled string of api.ErrorJSON, Error returns ErrorJSON.Message .
// Otherwise Error returns a human-readable string that contains e.StatusCode and e.Body.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" && len(e.Body) < HTTPStatusErrorBodyMaxLength {
		var ej api.ErrorJSON
		if json.Unmarshal([]byte(e.Body), &ej) == nil && ej.Message != "" {
			return ej.Message
		}
	}
	return fmt.Sprintf("unexpected HTTP status %s, body=%q", http.StatusText(e.StatusCode), e.Body)
}

func successful(resp *http.Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.StatusCode/100 != 2 {
		b, _ := readAtMost(resp.Body, HTTPStatusErrorBodyMaxLength)
		return &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(b),
		}
	}
	return nil
}

type RegistryManager struct {
	*client
}

func (rm *RegistryManager) command(ctx context.Context, method, path string, body any) (*api.CommandResult, error) {
	resp, err := rm.client.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	var res api.CommandResult
	if err := dec.Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (rm *RegistryManager) List(ctx context.Context) (*api.CommandResult, error) {
	return rm.command(ctx, "GET", "entries", nil)
}

func (rm *RegistryManager) Add(ctx context.Context, username, network string) (*api.CommandResult, error) {
	return rm.command(ctx, "POST", "entries", api.AddRequest{Username: username, Network: network})
}

func (rm *RegistryManager) Remove(ctx context.Context, username string) (*api.CommandResult, error) {
	return rm.command(ctx, "DELETE", "entries/"+url.PathEscape(username), nil)
}

func (rm *RegistryManager) Reload(ctx context.Context) (*api.CommandResult, error) {
	return rm.command(ctx, "POST", "reload", nil)
}

func (rm *RegistryManager) Whitelist(ctx context.Context, username string) (*api.CommandResult, error) {
	return rm.command(ctx, "POST", "whitelist", api.WhitelistRequest{Username: username})
}

// WhitelistKey whitelists the identity username gets after verifying with
// authorizedKey.
func (rm *RegistryManager) WhitelistKey(ctx context.Context, username, authorizedKey string) (*api.CommandResult, error) {
	return rm.command(ctx, "POST", "whitelist", api.WhitelistRequest{Username: username, PublicKey: authorizedKey})
}

func (rm *RegistryManager) Unwhitelist(ctx context.Context, username string) (*api.CommandResult, error) {
	return rm.command(ctx, "DELETE", "whitelist/"+url.PathEscape(username), nil)
}
