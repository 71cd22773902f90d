// Package commands implements the godimctl CLI commands.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds one admin API call.
const requestTimeout = 10 * time.Second

// ErrNotFound is returned for 404 responses (unknown session identifier).
var ErrNotFound = errors.New("not found")

// sessionInfo mirrors one session snapshot from the admin API.
type sessionInfo struct {
	Key        string `json:"key"`
	ID         string `json:"id"`
	Active     bool   `json:"active"`
	RemoteAddr string `json:"remote_addr"`
	Framing    string `json:"framing"`
}

// sessionsResponse mirrors the /v1/sessions payload.
type sessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []sessionInfo `json:"sessions"`
}

// versionResponse mirrors the /v1/version payload.
type versionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// adminClient is a thin JSON client for the daemon's admin API.
type adminClient struct {
	base string
	http *http.Client
}

func newAdminClient(addr string) *adminClient {
	return &adminClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: requestTimeout},
	}
}

// get fetches one endpoint and decodes the JSON body into out.
func (c *adminClient) get(path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// listSessions fetches all sessions known to the daemon.
func (c *adminClient) listSessions() (*sessionsResponse, error) {
	var out sessionsResponse
	if err := c.get("/v1/sessions", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// showSessions fetches the sessions bound to one user identifier.
func (c *adminClient) showSessions(id string) (*sessionsResponse, error) {
	var out sessionsResponse
	if err := c.get("/v1/sessions/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// daemonVersion fetches the daemon's build information.
func (c *adminClient) daemonVersion() (*versionResponse, error) {
	var out versionResponse
	if err := c.get("/v1/version", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
