package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxDrainBytes = 1 << 20

// DispatchRequest is one outbound HTTP attempt.
type DispatchRequest struct {
	URL     string
	Method  string
	Body    string
	Params  map[string]string
	Headers map[string]string
	Timeout time.Duration
}

// Dispatcher performs an attempt and returns the response status code.
// Any non-2xx outcome is an error.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (int, error)
}

// DispatchError carries the HTTP status of a failed attempt, or 0 when no
// response was received.
type DispatchError struct {
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("Request failed with status code %d", e.StatusCode)
	}
	return e.Err.Error()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// StatusCodeOf classifies a dispatch failure: the HTTP status when there is one,
// 429 for timeouts and 500 for anything else.
func StatusCodeOf(err error) int {
	var de *DispatchError
	if errors.As(err, &de) && de.StatusCode > 0 {
		return de.StatusCode
	}
	if isTimeout(err) {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type HTTPDispatcher struct {
	client    *http.Client
	userAgent string
}

func NewHTTPDispatcher(client *http.Client, userAgent string) *HTTPDispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPDispatcher{client: client, userAgent: userAgent}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, r DispatchRequest) (int, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	target, err := url.Parse(r.URL)
	if err != nil {
		return 0, &DispatchError{Err: err}
	}
	if len(r.Params) > 0 {
		query := target.Query()
		for k, v := range r.Params {
			query.Set(k, v)
		}
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return 0, &DispatchError{Err: err}
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DispatchError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &DispatchError{
		StatusCode: resp.StatusCode,
		Err:        errors.New("unexpected response: " + resp.Status),
	}
}
