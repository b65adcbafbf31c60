package payu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Request is a provider call described independently of net/http.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Body   interface{} // JSON encoded when non-nil
}

// Response is the raw outcome of a provider call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Session is an authenticated transport to the provider API.
type Session interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// SessionProvider hands out a session that is valid at call time.
type SessionProvider interface {
	ValidSession(ctx context.Context) (Session, error)
	// Invalidate drops a cached session the provider has rejected.
	Invalidate()
}

// HTTPSession sends requests with a fixed set of headers over an http.Client.
// Any response, whatever its status, is returned as a Response; only failures
// to get a response at all become a TransportError.
type HTTPSession struct {
	client  *http.Client
	headers http.Header
	timeout time.Duration
}

// NewHTTPSession creates a session that adds headers to every request and
// bounds every call by timeout (zero means no per-request bound).
func NewHTTPSession(client *http.Client, headers http.Header, timeout time.Duration) *HTTPSession {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSession{client: client, headers: headers.Clone(), timeout: timeout}
}

// WithHeader returns a copy of the session with an extra header set.
func (s *HTTPSession) WithHeader(key, value string) *HTTPSession {
	h := s.headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(key, value)
	return &HTTPSession{client: s.client, headers: h, timeout: s.timeout}
}

// Do implements Session.
func (s *HTTPSession) Do(ctx context.Context, req Request) (*Response, error) {
	op := req.Method + " " + req.URL
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("HTTPSession.Do: encode body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPSession.Do: build request: %w", err)
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		// A cancelled parent context is not a transport problem.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// classify turns a non-2xx response into AuthError or TransportError.
func classify(op string, resp *Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthError{Op: op, StatusCode: resp.StatusCode}
	default:
		return &domain.TransportError{Op: op, StatusCode: resp.StatusCode}
	}
}
