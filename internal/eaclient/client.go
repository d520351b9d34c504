// Package eaclient is the Go client for the relay HTTP API: a device client
// that signs poll and ack requests and opens signal envelopes, and an owner
// client for accounts, devices and signals.
package eaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/ea-relay/internal/errs"
)

// DefaultTimeout bounds a single HTTP exchange when no client is supplied.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the relay. It unwraps to the matching
// sentinel from internal/errs so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return errs.ErrValidation
	case http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case http.StatusForbidden:
		return errs.ErrTampered
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusConflict:
		return errs.ErrAlreadyExists
	case http.StatusGone:
		return errs.ErrNoActiveKey
	case http.StatusTooManyRequests:
		return errs.ErrRateLimited
	default:
		return nil
	}
}

type transport struct {
	base string
	http *http.Client
}

func newTransport(baseURL string, hc *http.Client) (transport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return transport{}, fmt.Errorf("base url: %w", errs.ErrValidation)
	}
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return transport{base: baseURL, http: hc}, nil
}

// do sends req and decodes a JSON answer into out (when non-nil). It returns
// the status code so callers can tell 200 from 201.
func (t transport) do(req *http.Request, out any) (int, error) {
	resp, err := t.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", req.URL.Path, err)
		}
	}
	return resp.StatusCode, nil
}

func (t transport) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
