/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"go.uber.org/zap"
)

const (
	// ProbePath is the minimal endpoint used to test reachability
	ProbePath = "/ping"
	// ValidatePath returns the session bound to the presented credential
	ValidatePath = "/sessions/current"

	maxErrorBodySize = 64 * 1024
)

// Validation is the outcome of a preflight credential check
type Validation int

const (
	// NoResponse means the server could not be reached or did not answer
	NoResponse Validation = iota
	// Accepted means the credential is valid
	Accepted
	// Rejected means the server refused the credential
	Rejected
)

// String returns the string representation of the validation outcome
func (v Validation) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "no_response"
	}
}

// TokenSource supplies the current session credential
type TokenSource interface {
	Token() string
}

// RESTConfig configures a RESTClient
type RESTConfig struct {
	BaseURL            string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// RESTClient talks to the messaging server's REST API
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	onLiveness func()
	logger     *zap.Logger
}

// NewRESTClient creates a REST client. tokens may be nil for unauthenticated use.
func NewRESTClient(cfg RESTConfig, tokens TokenSource, logger *zap.Logger) *RESTClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	return &RESTClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		tokens: tokens,
		logger: logger,
	}
}

// SetLivenessHook registers fn to be called on every successful response
func (c *RESTClient) SetLivenessHook(fn func()) {
	c.onLiveness = fn
}

// Probe issues a lightweight request purely to test reachability. Any HTTP
// response proves the server is reachable.
func (c *RESTClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+ProbePath, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Unreachable, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return nil
}

// Validate asserts that the current credential is still accepted without
// opening the stream
func (c *RESTClient) Validate(ctx context.Context) (Validation, error) {
	req, err := c.newRequest(ctx, http.MethodGet, ValidatePath, nil)
	if err != nil {
		return NoResponse, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NoResponse, errs.Wrap(errs.Unreachable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.liveness()
		return Accepted, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Rejected, ClassifyResponse(resp.StatusCode, body)
	default:
		// The server answered but could not vouch for the credential
		return NoResponse, ClassifyResponse(resp.StatusCode, body)
	}
}

// Do sends a JSON request and returns the response body of a 2xx answer.
// Failures are returned as *errs.Error.
func (c *RESTClient) Do(ctx context.Context, method, path string, payload json.RawMessage) (json.RawMessage, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errs.Wrap(errs.Unreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Unreachable, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBodySize {
			data = data[:maxErrorBodySize]
		}
		e := ClassifyResponse(resp.StatusCode, data)
		c.logger.Debug("REST request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("class", e.Class.String()),
		)
		return nil, e
	}

	c.liveness()
	return data, nil
}

func (c *RESTClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *RESTClient) liveness() {
	if c.onLiveness != nil {
		c.onLiveness()
	}
}
