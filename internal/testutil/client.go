package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/jobqueue/internal/domain"
	"github.com/bissquit/jobqueue/internal/pkg/jwtauth"
)

// Token settings shared by the application under test and the client.
const (
	TestJWTSecret = "integration-test-secret-0123456789abcdef"
	TestJWTIssuer = "jobqueue-test"
)

// Client calls the job queue API. When Validator is set every response is
// checked against the OpenAPI document.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Validator  *OpenAPIValidator

	t *testing.T
}

// NewClient returns a client that does not validate responses.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// NewClientWithValidator returns a client that validates every response
// with v. Call SetT before use.
func NewClientWithValidator(baseURL string, v *OpenAPIValidator) *Client {
	c := NewClient(baseURL)
	c.Validator = v
	return c
}

// SetT sets the test that receives validation failures.
func (c *Client) SetT(t *testing.T) {
	c.t = t
}

// AuthenticateAs issues a one-hour token for subject with role.
func (c *Client) AuthenticateAs(t *testing.T, subject string, role domain.Role) {
	t.Helper()
	c.t = t

	token, err := jwtauth.Issue(TestJWTSecret, TestJWTIssuer, subject, role, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	c.Token = token
}

func (c *Client) AuthenticateAsAdmin(t *testing.T) {
	t.Helper()
	c.AuthenticateAs(t, "admin@example.com", domain.RoleAdmin)
}

func (c *Client) AuthenticateAsOperator(t *testing.T) {
	t.Helper()
	c.AuthenticateAs(t, "operator@example.com", domain.RoleOperator)
}

func (c *Client) AuthenticateAsViewer(t *testing.T) {
	t.Helper()
	c.AuthenticateAs(t, "viewer@example.com", domain.RoleViewer)
}

func (c *Client) GET(path string) (*http.Response, error) {
	return c.Do(http.MethodGet, path, nil)
}

func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.Do(http.MethodPost, path, body)
}

func (c *Client) PUT(path string, body any) (*http.Response, error) {
	return c.Do(http.MethodPut, path, body)
}

func (c *Client) DELETE(path string) (*http.Response, error) {
	return c.Do(http.MethodDelete, path, nil)
}

// Do sends body encoded as JSON. A nil body sends no payload.
func (c *Client) Do(method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	resp, err := c.HTTPClient.Do(c.newRequest(method, path, payload))
	if err != nil {
		return nil, err
	}

	if c.Validator != nil && c.t != nil {
		c.Validator.ValidateResponse(c.t, c.newRequest(method, path, payload), resp)
	}
	return resp, nil
}

func (c *Client) newRequest(method, path string, payload []byte) *http.Request {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		panic(fmt.Sprintf("build request %s %s: %v", method, path, err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req
}

// DecodeJSON decodes the response body into v and closes it.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
