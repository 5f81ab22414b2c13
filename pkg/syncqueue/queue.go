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

// Package syncqueue holds outbound mutations until they are delivered or
// fail terminally. Delivery is strictly FIFO with a single request in flight.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/metrics"
	"github.com/wso2/api-platform/realtime-client/pkg/notify"
	"github.com/wso2/api-platform/realtime-client/pkg/retrypolicy"
	"go.uber.org/zap"
)

// Sender delivers a single request
type Sender interface {
	Send(ctx context.Context, req *Request) (json.RawMessage, error)
}

// Authenticator refreshes the session credential
type Authenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Reachability is the subset of the reachability monitor the queue uses
type Reachability interface {
	IsOnline() bool
	RequestProbe()
}

// Config tunes retry behaviour
type Config struct {
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
	MaxAuthRetries int
	CORSThreshold  int
}

// DefaultConfig returns the default retry policy
func DefaultConfig() Config {
	return Config{
		RetryInitial:   time.Second,
		RetryMax:       60 * time.Second,
		MaxAttempts:    20,
		MaxAuthRetries: 3,
		CORSThreshold:  3,
	}
}

type entry struct {
	req         *Request
	state       State
	attempts    int
	authRetries int
	lastErr     error
	enqueuedAt  time.Time
	schedule    *retrypolicy.Schedule
}

func (e *entry) info() Info {
	i := Info{
		ID:         e.req.ID,
		Operation:  e.req.Operation,
		Route:      e.req.Route,
		State:      e.state,
		StateName:  e.state.String(),
		Attempts:   e.attempts,
		Recovery:   e.req.Recovery,
		EnqueuedAt: e.enqueuedAt,
	}
	if e.lastErr != nil {
		i.LastError = e.lastErr.Error()
	}
	return i
}

// Queue is the Retry Queue
type Queue struct {
	cfg    Config
	sender Sender
	auth   Authenticator
	reach  Reachability
	clock  clockwork.Clock
	logger *zap.Logger
	hub    *notify.Hub[Event]
	policy retrypolicy.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	items       []*entry
	byID        map[string]*entry
	inFlight    *entry
	sendCancel  context.CancelFunc
	gen         uint64
	retryTimer  clockwork.Timer
	online      bool
	corsStrikes int
	started     bool
	stopped     bool
}

// New creates a queue. Requests may be enqueued before Start.
func New(cfg Config, sender Sender, auth Authenticator, reach Reachability, clock clockwork.Clock, logger *zap.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		sender: sender,
		auth:   auth,
		reach:  reach,
		clock:  clock,
		logger: logger,
		hub:    notify.NewHub[Event](),
		policy: retrypolicy.Policy{Initial: cfg.RetryInitial, Max: cfg.RetryMax},
		ctx:    ctx,
		cancel: cancel,
		byID:   make(map[string]*entry),
		online: true,
	}
}

// Start begins delivery
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	q.online = q.reach.IsOnline()
	q.logger.Info("Retry queue started",
		zap.Int("max_attempts", q.cfg.MaxAttempts),
		zap.Duration("retry_max", q.cfg.RetryMax),
		zap.Int("pending", len(q.items)),
	)
	q.dispatchLocked()
}

// Stop cancels the in-flight send and aborts every queued request
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.stopRetryTimerLocked()
	if q.sendCancel != nil {
		q.sendCancel()
		q.sendCancel = nil
	}
	q.gen++
	q.inFlight = nil
	for len(q.items) > 0 {
		q.finishLocked(q.items[0], Aborted, nil, errs.ErrStopped)
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.hub.Close()
	q.logger.Info("Retry queue stopped")
}

// Subscribe returns a subscription to RequestCompleted and RequestAborted events
func (q *Queue) Subscribe() *notify.Subscription[Event] {
	return q.hub.Subscribe()
}

// Enqueue appends req to the queue and returns its id. Query and
// fetch-by-id requests are rejected with errs.ErrExemptCategory.
func (q *Queue) Enqueue(req *Request) (string, error) {
	if req.Category.Exempt() {
		return "", fmt.Errorf("%w: %s", errs.ErrExemptCategory, req.Category)
	}
	if err := validateRequest(req); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return "", errs.ErrStopped
	}
	e, err := q.newEntryLocked(req)
	if err != nil {
		return "", err
	}
	q.items = append(q.items, e)
	metrics.QueueDepth.Set(float64(len(q.items)))

	q.logger.Debug("Request enqueued",
		zap.String("request_id", req.ID),
		zap.String("operation", req.Operation),
		zap.Int("depth", len(q.items)),
	)
	q.dispatchLocked()
	return req.ID, nil
}

// EnqueueFront places reqs, in order, ahead of every request that is not
// already in flight
func (q *Queue) EnqueueFront(reqs ...*Request) error {
	for _, req := range reqs {
		if err := validateRequest(req); err != nil {
			return err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errs.ErrStopped
	}

	front := make([]*entry, 0, len(reqs))
	for _, req := range reqs {
		e, err := q.newEntryLocked(req)
		if err != nil {
			for _, added := range front {
				delete(q.byID, added.req.ID)
			}
			return err
		}
		front = append(front, e)
	}

	at := 0
	if q.inFlight != nil && len(q.items) > 0 && q.items[0] == q.inFlight {
		at = 1
	}
	if at == 0 && len(q.items) > 0 && q.items[0].state == Retrying {
		// the displaced head is re-sent once the new requests are done
		q.stopRetryTimerLocked()
		q.items[0].state = Pending
	}

	items := make([]*entry, 0, len(q.items)+len(front))
	items = append(items, q.items[:at]...)
	items = append(items, front...)
	items = append(items, q.items[at:]...)
	q.items = items
	metrics.QueueDepth.Set(float64(len(q.items)))

	q.dispatchLocked()
	return nil
}

// Cancel removes a request in any non-terminal state. A late response to a
// cancelled in-flight send is discarded.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[id]
	if !ok {
		return false
	}
	if q.inFlight == e {
		if q.sendCancel != nil {
			q.sendCancel()
			q.sendCancel = nil
		}
		q.gen++
		q.inFlight = nil
	}
	if len(q.items) > 0 && q.items[0] == e {
		q.stopRetryTimerLocked()
	}

	q.logger.Info("Request cancelled",
		zap.String("request_id", id),
		zap.String("state", e.state.String()),
	)
	q.finishLocked(e, Aborted, nil, errs.ErrCanceled)
	q.dispatchLocked()
	return true
}

// Get returns a view of a queued request
func (q *Queue) Get(id string) (Info, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// List returns views of all queued requests in delivery order
func (q *Queue) List() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Info, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.info())
	}
	return out
}

// Len returns the number of queued requests
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OnReachabilityChange resumes delivery when the server becomes reachable
func (q *Queue) OnReachabilityChange(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.online = online
	if !online {
		return
	}
	if len(q.items) > 0 && q.items[0].state == WaitingOffline {
		q.items[0].state = Pending
		metrics.QueueWaitingOffline.Set(0)
		q.logger.Info("Server reachable, resuming delivery", zap.String("request_id", q.items[0].req.ID))
	}
	q.dispatchLocked()
}

func validateRequest(req *Request) error {
	if req.Operation == "" {
		return errors.New("request operation is required")
	}
	if req.Route == "" {
		req.Route = RouteStream
	}
	if req.Route == RouteREST && (req.Method == "" || req.Path == "") {
		return fmt.Errorf("rest request %q requires method and path", req.Operation)
	}
	return nil
}

func (q *Queue) newEntryLocked(req *Request) (*entry, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if _, exists := q.byID[req.ID]; exists {
		return nil, fmt.Errorf("request %s is already queued", req.ID)
	}
	e := &entry{
		req:        req,
		state:      Pending,
		enqueuedAt: q.clock.Now(),
		schedule:   q.policy.NewSchedule(q.clock),
	}
	q.byID[req.ID] = e
	return e, nil
}

func (q *Queue) isOnlineLocked() bool {
	return q.online && q.reach.IsOnline()
}

func (q *Queue) stopRetryTimerLocked() {
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

// dispatchLocked sends the head of the queue if nothing is in flight
func (q *Queue) dispatchLocked() {
	if !q.started || q.stopped || q.inFlight != nil || q.retryTimer != nil || len(q.items) == 0 {
		return
	}
	head := q.items[0]
	if !q.isOnlineLocked() {
		if head.state != WaitingOffline {
			head.state = WaitingOffline
			metrics.QueueWaitingOffline.Set(1)
			q.logger.Debug("Server unreachable, holding request", zap.String("request_id", head.req.ID))
		}
		return
	}

	head.state = InFlight
	q.inFlight = head
	q.gen++
	gen := q.gen
	ctx, cancel := context.WithCancel(q.ctx)
	q.sendCancel = cancel

	q.wg.Add(1)
	go q.send(ctx, head, gen)
}

func (q *Queue) send(ctx context.Context, e *entry, gen uint64) {
	defer q.wg.Done()
	resp, err := q.sender.Send(ctx, e.req)
	q.onSendResult(e, gen, resp, err)
}

func (q *Queue) onSendResult(e *entry, gen uint64, resp json.RawMessage, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || gen != q.gen || q.inFlight != e {
		q.logger.Debug("Discarding stale response", zap.String("request_id", e.req.ID))
		return
	}
	if q.sendCancel != nil {
		q.sendCancel()
		q.sendCancel = nil
	}

	if err == nil {
		q.corsStrikes = 0
		q.inFlight = nil
		q.finishLocked(e, Completed, resp, nil)
		q.dispatchLocked()
		return
	}

	e.lastErr = err
	class := errs.ClassOf(err)

	if class == errs.Authentication {
		q.corsStrikes = 0
		q.handleAuthFailureLocked(e, gen, err)
		return
	}
	e.authRetries = 0

	if !class.Retryable() {
		q.corsStrikes = 0
		q.inFlight = nil
		q.finishLocked(e, Aborted, nil, err)
		q.dispatchLocked()
		return
	}

	if q.corsSuspectedLocked(e, class, err) {
		q.inFlight = nil
		q.finishLocked(e, Aborted, nil, &errs.Error{
			Class:   errs.CORSSuspected,
			Message: "requests keep failing without a response while the server is reachable",
			Err:     err,
		})
		q.dispatchLocked()
		return
	}

	q.inFlight = nil
	if !q.isOnlineLocked() {
		// waiting for connectivity does not consume an attempt
		e.state = WaitingOffline
		metrics.QueueWaitingOffline.Set(1)
		q.logger.Debug("Request failed while offline, waiting",
			zap.String("request_id", e.req.ID),
			zap.Error(err),
		)
		return
	}

	if e.attempts >= q.cfg.MaxAttempts {
		q.logger.Warn("Retry ceiling reached",
			zap.String("request_id", e.req.ID),
			zap.Int("attempts", e.attempts),
		)
		q.finishLocked(e, Aborted, nil, err)
		q.dispatchLocked()
		return
	}

	e.attempts++
	delay := e.schedule.Next()
	e.state = Retrying
	metrics.QueueRetriesTotal.WithLabelValues(class.String()).Inc()

	timerGen := q.gen
	q.retryTimer = q.clock.AfterFunc(delay, func() {
		q.onRetryTimer(e, timerGen)
	})

	q.logger.Info("Request failed, retrying",
		zap.String("request_id", e.req.ID),
		zap.String("class", class.String()),
		zap.Int("attempt", e.attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

// corsSuspectedLocked counts REST requests that got no response while the
// monitor believes the server is reachable. Each occurrence asks for a probe.
func (q *Queue) corsSuspectedLocked(e *entry, class errs.Class, err error) bool {
	if class != errs.Unreachable || e.req.Route != RouteREST || errors.Is(err, errs.ErrStreamDown) || !q.isOnlineLocked() {
		q.corsStrikes = 0
		return false
	}

	q.corsStrikes++
	q.reach.RequestProbe()
	q.logger.Debug("No response while reachable",
		zap.String("request_id", e.req.ID),
		zap.Int("occurrences", q.corsStrikes),
	)
	if q.corsStrikes < q.cfg.CORSThreshold {
		return false
	}
	q.corsStrikes = 0
	return true
}

func (q *Queue) handleAuthFailureLocked(e *entry, gen uint64, err error) {
	if e.authRetries >= q.cfg.MaxAuthRetries {
		q.inFlight = nil
		q.finishLocked(e, Aborted, nil, err)
		q.dispatchLocked()
		return
	}
	e.authRetries++

	// the entry stays in flight while the credential is refreshed
	ctx, cancel := context.WithCancel(q.ctx)
	q.sendCancel = cancel
	q.logger.Info("Request rejected, reauthenticating",
		zap.String("request_id", e.req.ID),
		zap.Int("auth_retry", e.authRetries),
	)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		authErr := q.auth.Reauthenticate(ctx)
		q.onReauthenticated(e, gen, authErr)
	}()
}

func (q *Queue) onReauthenticated(e *entry, gen uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || gen != q.gen || q.inFlight != e {
		return
	}
	if q.sendCancel != nil {
		q.sendCancel()
		q.sendCancel = nil
	}
	q.inFlight = nil

	if err != nil {
		q.finishLocked(e, Aborted, nil, err)
		q.dispatchLocked()
		return
	}
	e.state = Pending
	q.dispatchLocked()
}

func (q *Queue) onRetryTimer(e *entry, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || gen != q.gen || e.state != Retrying {
		return
	}
	q.retryTimer = nil
	e.state = Pending
	q.dispatchLocked()
}

func (q *Queue) finishLocked(e *entry, state State, resp json.RawMessage, err error) {
	for i, item := range q.items {
		if item == e {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.byID, e.req.ID)
	e.state = state
	metrics.QueueDepth.Set(float64(len(q.items)))
	if len(q.items) == 0 || q.items[0].state != WaitingOffline {
		metrics.QueueWaitingOffline.Set(0)
	}

	out := Outcome{
		ID:       e.req.ID,
		State:    state,
		Response: resp,
		Err:      err,
		Attempts: e.attempts,
	}

	if state == Completed {
		metrics.QueueOutcomesTotal.WithLabelValues("completed", "").Inc()
		q.logger.Debug("Request completed",
			zap.String("request_id", e.req.ID),
			zap.String("operation", e.req.Operation),
			zap.Int("attempts", e.attempts),
		)
		q.hub.Publish(RequestCompleted{ID: e.req.ID, Operation: e.req.Operation, Response: resp, Attempts: e.attempts})
	} else {
		out.Class = errs.ClassOf(err)
		metrics.QueueOutcomesTotal.WithLabelValues("aborted", out.Class.String()).Inc()
		if !errors.Is(err, errs.ErrCanceled) && !errors.Is(err, errs.ErrStopped) {
			q.logger.Warn("Request aborted",
				zap.String("request_id", e.req.ID),
				zap.String("operation", e.req.Operation),
				zap.String("class", out.Class.String()),
				zap.Int("attempts", e.attempts),
				zap.Error(err),
			)
		}
		q.hub.Publish(RequestAborted{ID: e.req.ID, Operation: e.req.Operation, Err: err, Class: out.Class, Attempts: e.attempts})
	}

	if done := e.req.OnDone; done != nil {
		go done(out)
	}
}
