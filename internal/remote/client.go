// Package remote talks to a tessera server over HTTP on behalf of one
// editing session.
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

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// Client is an authenticated HTTP client bound to one session identity.
type Client struct {
	base     string
	http     *http.Client
	identity models.Identity
	token    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a client for the API rooted at baseURL (for example
// http://localhost:8080/api).
func New(baseURL string, identity models.Identity, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     http.DefaultClient,
		identity: identity,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Identity returns the session identity.
func (c *Client) Identity() models.Identity { return c.identity }

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
	Holder  *models.Lock
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
}

// Unwrap maps the status to the matching apperr sentinel.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return apperr.ErrNotFound
	case e.Code == http.StatusBadRequest:
		return apperr.ErrValidation
	case e.Code == http.StatusConflict && e.Holder != nil:
		return apperr.ErrLockHeld
	case e.Code == http.StatusConflict:
		return apperr.ErrConflict
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("remote: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Client-Id", c.identity.ClientID)
	req.Header.Set("X-User-Id", c.identity.UserID)
	req.Header.Set("X-User-Name", c.identity.DisplayName)
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error  string       `json:"error"`
		Holder *models.Lock `json:"holder"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Error, Holder: body.Holder}
}

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func esc(s string) string { return url.PathEscape(s) }
