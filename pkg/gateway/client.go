// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway calls the external writer that owns persistence.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/backoff"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/mapsync/pkg/safejson"
)

type Method string

const (
	MethodPost Method = "post"
	MethodGet  Method = "get"
)

type ResultKind string

const (
	ResultJSON   ResultKind = "json"
	ResultString ResultKind = "string"
	ResultNone   ResultKind = "none"
)

const (
	DefaultTimeout = 10 * time.Second

	maxGetAttempts = 3
	maxBodyBytes   = 8 << 20
)

// OperationDefine describes one writer endpoint.
type OperationDefine struct {
	URI    string
	Method Method
	Result ResultKind
}

func (o OperationDefine) name() string {
	return string(o.Method) + " " + o.URI
}

// Result holds the decoded response. Exactly one of JSON and Text is set, depending on the ResultKind.
type Result struct {
	JSON       safejson.RawMessage
	Text       string
	StatusCode int
}

// Decode unmarshals a JSON result into v.
func (r Result) Decode(v any) error {
	if len(r.JSON) == 0 {
		return errors.New("result carries no JSON body")
	}

	return safejson.Unmarshal(r.JSON, v)
}

// Caller is what the rest of the service depends on.
type Caller interface {
	Call(ctx context.Context, op OperationDefine, args any) (Result, error)
}

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	InsecureTLS bool
	// Header is added to every request, e.g. an authorization token.
	Header map[string]string
}

type Client struct {
	http       *http.Client
	log        *zap.SugaredLogger
	latencyFRB *expiremap.ExpireMap[time.Time, time.Duration]
	latencyAll *expiremap.ExpireMap[time.Time, time.Duration]
	header     map[string]string
	baseURL    string
	timeout    time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}

	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}

	return &Client{
		http:       &http.Client{Transport: transport},
		log:        logger.For(logger.ComponentGateway),
		latencyFRB: newLatencyMap(),
		latencyAll: newLatencyMap(),
		header:     cfg.Header,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
	}
}

// HTTPClient exposes the underlying client, e.g. for request interception in tests.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Latency returns the statistics of the last five minutes.
func (c *Client) Latency() Latencies {
	return Latencies{
		FirstByte: calculateLatency(c.latencyFRB),
		Total:     calculateLatency(c.latencyAll),
	}
}

// Call invokes op with args, bounded by the client timeout.
// GET calls are retried on transient failures; POST calls never are.
// Every error is an *Error.
func (c *Client) Call(ctx context.Context, op OperationDefine, args any) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	result, err := c.callWithRetry(ctx, op, args)

	outcome := "success"

	switch {
	case IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}

	metrics.RecordGatewayCall(op.name(), outcome, time.Since(start))

	return result, err
}

func (c *Client) callWithRetry(ctx context.Context, op OperationDefine, args any) (Result, error) {
	if op.Method != MethodGet {
		return c.do(ctx, op, args)
	}

	retry := backoff.New(100*time.Millisecond, 2, 2*time.Second, backoff.PolicyExponential)

	var (
		result Result
		err    error
	)

	for attempt := 1; attempt <= maxGetAttempts; attempt++ {
		result, err = c.do(ctx, op, args)
		if err == nil {
			return result, nil
		}

		categorized := backoff.NewPermanentError(err)

		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.Transient() {
			categorized = backoff.NewTransientError(err)
		}

		if !backoff.IsTransientError(categorized) || attempt == maxGetAttempts {
			return result, err
		}

		c.log.Debugf("Retrying %s after attempt %d: %v", op.name(), attempt, err)

		if waitErr := retry.Wait(ctx); waitErr != nil {
			return result, c.wrap(op, 0, "", waitErr)
		}
	}

	return result, err
}

func (c *Client) wrap(op OperationDefine, status int, body string, err error) *Error {
	gwErr := NewError(op.name(), status, err)
	gwErr.Body = body

	return gwErr
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) buildRequest(ctx context.Context, op OperationDefine, args any) (*http.Request, error) {
	target := c.baseURL + op.URI

	switch op.Method {
	case MethodGet:
		query, err := toQuery(args)
		if err != nil {
			return nil, err
		}

		if len(query) > 0 {
			target += "?" + query.Encode()
		}

		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	case MethodPost:
		body, err := safejson.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arguments: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "application/json")

		return req, nil
	default:
		return nil, fmt.Errorf("unsupported method %q", op.Method)
	}
}

// toQuery flattens top level argument fields into query parameters.
func toQuery(args any) (url.Values, error) {
	values := url.Values{}
	if args == nil {
		return values, nil
	}

	encoded, err := safejson.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	var fields map[string]any
	if err := safejson.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("GET arguments must be an object: %w", err)
	}

	for k, v := range fields {
		switch val := v.(type) {
		case string:
			values.Set(k, val)
		case nil:
		default:
			raw, err := safejson.Marshal(val)
			if err != nil {
				return nil, err
			}
			values.Set(k, string(raw))
		}
	}

	return values, nil
}

func (c *Client) do(ctx context.Context, op OperationDefine, args any) (result Result, callErr error) {
	req, err := c.buildRequest(ctx, op, args)
	if err != nil {
		return Result{}, c.wrap(op, 0, "", err)
	}

	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	var requestStart time.Time
	var firstByte time.Duration

	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Since(requestStart)
		},
	}

	requestStart = time.Now()

	response, err := c.http.Do(req.WithContext(httptrace.WithClientTrace(req.Context(), trace)))
	if err != nil {
		if isTimeout(err) || isContextError(err) {
			return Result{}, c.wrap(op, 0, "", err)
		}

		return Result{}, c.wrap(op, 0, "", enhanceConnectionError(err))
	}

	defer func() {
		if err := response.Body.Close(); err != nil && callErr == nil {
			c.log.Debugf("Error closing response body of %s: %v", op.name(), err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return Result{}, c.wrap(op, response.StatusCode, "", fmt.Errorf("failed to read response: %w", err))
	}

	now := time.Now()
	c.latencyFRB.Set(now, firstByte)
	c.latencyAll.Set(now, now.Sub(requestStart))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Result{}, c.wrap(op, response.StatusCode, string(body), errors.New("error response code: "+response.Status))
	}

	result = Result{StatusCode: response.StatusCode}

	switch op.Result {
	case ResultJSON:
		var decoded any
		if err := safejson.Unmarshal(body, &decoded); err != nil {
			return Result{}, c.wrap(op, response.StatusCode, string(body), fmt.Errorf("invalid JSON result: %w", err))
		}
		result.JSON = body
	case ResultString:
		result.Text = string(body)
	case ResultNone, "":
	}

	return result, nil
}
