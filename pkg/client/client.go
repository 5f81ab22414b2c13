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

// Package client wires the reachability monitor, connection manager and
// retry queue into a single realtime messaging client.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/realtime-client/pkg/auth"
	"github.com/wso2/api-platform/realtime-client/pkg/config"
	"github.com/wso2/api-platform/realtime-client/pkg/connection"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/metrics"
	"github.com/wso2/api-platform/realtime-client/pkg/notify"
	"github.com/wso2/api-platform/realtime-client/pkg/presence"
	"github.com/wso2/api-platform/realtime-client/pkg/reachability"
	"github.com/wso2/api-platform/realtime-client/pkg/syncqueue"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
	"go.uber.org/zap"
)

var errOffline = errors.New("server unreachable")

// Status is a point-in-time view of the client
type Status struct {
	Reachability reachability.Snapshot `json:"reachability"`
	Connection   connection.Snapshot   `json:"connection"`
	QueueDepth   int                   `json:"queueDepth"`
}

// Option customizes a Client
type Option func(*options)

type options struct {
	clock  clockwork.Clock
	dialer transport.Dialer
}

// WithClock replaces the wall clock used by all timers
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDialer replaces the websocket dialer
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Client is the realtime messaging client
type Client struct {
	logger   *zap.Logger
	session  *auth.Session
	rest     *transport.RESTClient
	monitor  *reachability.Monitor
	manager  *connection.Manager
	queue    *syncqueue.Queue
	presence *presence.State
	sender   *routingSender

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a client from configuration
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	restCfg := transport.RESTConfig{
		BaseURL:            cfg.Server.BaseURL,
		Timeout:            cfg.Server.RequestTimeout,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
	}

	// the refresher must not present the credential it is replacing
	refresher := auth.NewHTTPRefresher(
		transport.NewRESTClient(restCfg, nil, logger.Named("refresher")),
		cfg.Auth.IdentityToken,
		cfg.Auth.AppID,
	)
	session := auth.NewSession(cfg.Auth.SessionToken, refresher, cfg.Auth.RefreshSkew, o.clock, logger.Named("auth"))
	session.SetRefreshTimeout(cfg.Server.RequestTimeout)
	rest := transport.NewRESTClient(restCfg, session, logger.Named("rest"))

	monitor := reachability.NewMonitor(reachability.Config{
		SilenceThreshold: cfg.Reachability.SilenceThreshold,
		ProbeInitial:     cfg.Reachability.ProbeInitial,
		ProbeMax:         cfg.Reachability.ProbeMax,
		ProbeTimeout:     cfg.Reachability.ProbeTimeout,
	}, rest, o.clock, logger.Named("reachability"))
	rest.SetLivenessHook(monitor.ReportLiveness)

	dialer := o.dialer
	if dialer == nil {
		ws := transport.NewWebSocketDialer(transport.WebSocketConfig{
			URL:                cfg.Server.StreamURL,
			HandshakeTimeout:   cfg.Connection.HandshakeTimeout,
			InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		}, logger.Named("stream"))
		ws.SetLivenessHook(monitor.ReportLiveness)
		dialer = ws
	}

	state := presence.NewState(cfg.Presence.Status, cfg.Presence.Followed)
	sender := &routingSender{rest: rest}

	queue := syncqueue.New(syncqueue.Config{
		RetryInitial:   cfg.Queue.RetryInitial,
		RetryMax:       cfg.Queue.RetryMax,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		MaxAuthRetries: cfg.Queue.MaxAuthRetries,
		CORSThreshold:  cfg.Queue.CORSThreshold,
	}, sender, session, monitor, o.clock, logger.Named("queue"))

	manager := connection.NewManager(connection.Config{
		ReconnectInitial:    cfg.Connection.ReconnectInitial,
		ReconnectMax:        cfg.Connection.ReconnectMax,
		ReconnectJitter:     cfg.Connection.ReconnectJitter,
		PingInterval:        cfg.Connection.PingInterval,
		PingTimeout:         cfg.Connection.PingTimeout,
		DialTimeout:         cfg.Connection.HandshakeTimeout,
		RequestTimeout:      cfg.Connection.RequestTimeout,
		MaxReauthPerAttempt: cfg.Connection.MaxReauthPerAttempt,
	}, connection.Deps{
		Validator:    rest,
		Dialer:       dialer,
		Auth:         session,
		Tokens:       session,
		Reachability: monitor,
		Queue:        queue,
		Recovery:     state,
	}, o.clock, logger.Named("connection"))
	sender.stream = manager

	return &Client{
		logger:   logger,
		session:  session,
		rest:     rest,
		monitor:  monitor,
		manager:  manager,
		queue:    queue,
		presence: state,
		sender:   sender,
	}, nil
}

// Start starts every component
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	sub := c.monitor.Subscribe()
	c.wg.Add(1)
	go c.forwardReachability(sub)

	c.monitor.Start()
	c.queue.Start()
	c.manager.Start()
	metrics.Up.Set(1)
	c.logger.Info("Realtime client started")
}

// Stop stops every component. Queued requests are aborted.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.manager.Stop()
	c.queue.Stop()
	c.monitor.Stop()
	c.wg.Wait()
	metrics.Up.Set(0)
	c.logger.Info("Realtime client stopped")
}

// Running reports whether the client has been started and not yet stopped
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

// forwardReachability relays monitor transitions to the manager and queue
func (c *Client) forwardReachability(sub *notify.Subscription[reachability.Event]) {
	defer c.wg.Done()
	for e := range sub.C() {
		t, ok := e.(reachability.Transition)
		if !ok {
			continue
		}
		c.manager.OnReachabilityChange(t.Online)
		c.queue.OnReachabilityChange(t.Online)
	}
}

// Send delivers a mutation through the retry queue and waits for its
// terminal outcome. Query and fetch-by-id requests take the fail-fast path.
// Cancelling ctx removes the request from the queue.
func (c *Client) Send(ctx context.Context, req *syncqueue.Request) (json.RawMessage, error) {
	if req.Category.Exempt() {
		return c.Do(ctx, req)
	}

	done := make(chan syncqueue.Outcome, 1)
	userDone := req.OnDone
	req.OnDone = func(o syncqueue.Outcome) {
		if userDone != nil {
			userDone(o)
		}
		done <- o
	}

	id, err := c.queue.Enqueue(req)
	if err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		if o.State == syncqueue.Completed {
			return o.Response, nil
		}
		return nil, o.Err
	case <-ctx.Done():
		c.queue.Cancel(id)
		return nil, ctx.Err()
	}
}

// Do sends a request once, bypassing the queue. It fails immediately with an
// Unreachable error while the server is believed offline.
func (c *Client) Do(ctx context.Context, req *syncqueue.Request) (json.RawMessage, error) {
	if !c.monitor.IsOnline() {
		return nil, errs.Wrap(errs.Unreachable, errOffline)
	}
	resp, err := c.sender.Send(ctx, req)
	if err != nil && errs.IsClass(err, errs.Unreachable) && ctx.Err() == nil {
		c.monitor.RequestProbe()
	}
	return resp, err
}

// UpdatePresence records status and announces it to the server
func (c *Client) UpdatePresence(ctx context.Context, status string) error {
	c.presence.SetStatus(status)
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	_, err = c.Send(ctx, &syncqueue.Request{
		Operation: connection.OpPresenceUpdate,
		Category:  syncqueue.CategoryMutation,
		Route:     syncqueue.RouteStream,
		Payload:   payload,
	})
	return err
}

// ReportConnectivityHint passes a platform connectivity signal to the
// reachability monitor. The hint only triggers a probe.
func (c *Client) ReportConnectivityHint(online bool) {
	c.monitor.ReportExternalHint(online)
}

// Resume retries connecting after a failed re-authentication
func (c *Client) Resume() {
	c.manager.Resume()
}

// Status returns a view of every component
func (c *Client) Status() Status {
	return Status{
		Reachability: c.monitor.Snapshot(),
		Connection:   c.manager.Snapshot(),
		QueueDepth:   c.queue.Len(),
	}
}

// Requests lists queued requests
func (c *Client) Requests() []syncqueue.Info {
	return c.queue.List()
}

// Request returns a queued request
func (c *Client) Request(id string) (syncqueue.Info, bool) {
	return c.queue.Get(id)
}

// CancelRequest removes a queued request
func (c *Client) CancelRequest(id string) bool {
	return c.queue.Cancel(id)
}

// Presence returns the presence state announced on (re)connect
func (c *Client) Presence() *presence.State {
	return c.presence
}

// Session returns the session credential holder
func (c *Client) Session() *auth.Session {
	return c.session
}
