package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"

	"edgecam/internal/control"
	"edgecam/internal/database"
)

// client talks to the daemon's control API
type client struct {
	base  *url.URL
	token string
	doer  goahttp.Doer
}

func newClient(rawURL, token string, timeout time.Duration, debug bool) (*client, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host are required", rawURL)
	}

	var doer goahttp.Doer = &http.Client{Timeout: timeout}
	if debug {
		doer = goahttp.NewDebugDoer(doer)
	}
	return &client{base: u, token: token, doer: doer}, nil
}

// apiError is a non-2xx answer
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Msg)
}

// do sends body (if any) as JSON and decodes the answer into out (if any)
func (c *client) do(ctx context.Context, verb, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, verb, u.String(), nil)
	if err != nil {
		return err
	}
	if body != nil {
		if err := goahttp.RequestEncoder(req).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
		if goahttp.ResponseDecoder(resp).Decode(&e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Msg: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := goahttp.ResponseDecoder(resp).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) login(ctx context.Context, username, password string) (control.LoginResponse, error) {
	var out control.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, control.LoginRequest{Username: username, Password: password}, &out)
	return out, err
}

func (c *client) timer(ctx context.Context, action string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/timer/"+action, nil, nil, nil)
}

func (c *client) schedule(ctx context.Context, desired control.DesiredState) (control.ReportedState, error) {
	var out control.ReportedState
	err := c.do(ctx, http.MethodPut, "/api/v1/schedule", nil, desired, &out)
	return out, err
}

func (c *client) status(ctx context.Context) (control.Status, error) {
	var out control.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
	return out, err
}

func (c *client) cycles(ctx context.Context, limit int) ([]database.CycleRecord, error) {
	var out []database.CycleRecord
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	err := c.do(ctx, http.MethodGet, "/api/v1/cycles", q, nil, &out)
	return out, err
}
