// Package client is a typed HTTP client for the warppool daemon API,
// used by warpctl and by integration tests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/warppool/warppool/pkg/api"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a client for a daemon at baseURL (e.g. http://127.0.0.1:8000).
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken installs the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

func readAtMost(r io.Reader, maxBytes int) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: int64(maxBytes)}
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
		if json.Unmarshal([]byte(e.Body), &ej) == nil {
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

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := successful(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Login authenticates and installs the returned token.
func (c *Client) Login(ctx context.Context, password string) error {
	var resp api.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", api.LoginRequest{Password: password}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var resp api.VersionResponse
	err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp)
	return resp.Version, err
}

func (c *Client) Status(ctx context.Context) (api.StatusRecord, error) {
	var status api.StatusRecord
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &status)
	return status, err
}

func (c *Client) Connect(ctx context.Context) (api.StatusRecord, error) {
	var status api.StatusRecord
	err := c.do(ctx, http.MethodPost, "/api/connect", nil, &status)
	return status, err
}

func (c *Client) Disconnect(ctx context.Context) (api.StatusRecord, error) {
	var status api.StatusRecord
	err := c.do(ctx, http.MethodPost, "/api/disconnect", nil, &status)
	return status, err
}

func (c *Client) RotateIP(ctx context.Context) (api.StatusRecord, error) {
	var status api.StatusRecord
	err := c.do(ctx, http.MethodPost, "/api/rotate", nil, &status)
	return status, err
}

func (c *Client) CurrentBackend(ctx context.Context) (api.BackendInfo, error) {
	var info api.BackendInfo
	err := c.do(ctx, http.MethodGet, "/api/backend/current", nil, &info)
	return info, err
}

func (c *Client) SwitchBackend(ctx context.Context, backend string) (api.SwitchBackendResponse, error) {
	var resp api.SwitchBackendResponse
	err := c.do(ctx, http.MethodPost, "/api/backend/switch", api.SwitchBackendRequest{Backend: backend}, &resp)
	return resp, err
}

func (c *Client) Mode(ctx context.Context) (string, error) {
	var resp api.ModeRequest
	err := c.do(ctx, http.MethodGet, "/api/mode", nil, &resp)
	return resp.Mode, err
}

func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.do(ctx, http.MethodPost, "/api/mode", api.ModeRequest{Mode: mode}, nil)
}

func (c *Client) Protocol(ctx context.Context) (string, error) {
	var resp api.ProtocolRequest
	err := c.do(ctx, http.MethodGet, "/api/protocol", nil, &resp)
	return resp.Protocol, err
}

func (c *Client) SetProtocol(ctx context.Context, protocol string) error {
	return c.do(ctx, http.MethodPost, "/api/protocol", api.ProtocolRequest{Protocol: protocol}, nil)
}

func (c *Client) SetEndpoint(ctx context.Context, endpoint string) (api.StatusRecord, error) {
	var status api.StatusRecord
	err := c.do(ctx, http.MethodPost, "/api/config/endpoint", api.EndpointRequest{Endpoint: endpoint}, &status)
	return status, err
}

func (c *Client) ListExcludes(ctx context.Context) ([]string, error) {
	var resp api.ExcludeListResponse
	err := c.do(ctx, http.MethodGet, "/api/excludes", nil, &resp)
	return resp.Subnets, err
}

func (c *Client) AddExcludes(ctx context.Context, subnets []string) error {
	return c.do(ctx, http.MethodPost, "/api/excludes", api.ExcludeRequest{Subnets: subnets}, nil)
}

func (c *Client) RemoveExcludes(ctx context.Context, subnets []string) error {
	return c.do(ctx, http.MethodDelete, "/api/excludes", api.ExcludeRequest{Subnets: subnets}, nil)
}

func (c *Client) KernelVersions(ctx context.Context, backend string) (api.KernelVersions, error) {
	var resp api.KernelVersions
	err := c.do(ctx, http.MethodGet, "/api/kernels/"+backend+"/versions", nil, &resp)
	return resp, err
}
