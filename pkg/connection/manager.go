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

// Package connection owns the stream session: credential preflight, dialing,
// reconnect backoff, heartbeat, sequence tracking and recovery.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/metrics"
	"github.com/wso2/api-platform/realtime-client/pkg/notify"
	"github.com/wso2/api-platform/realtime-client/pkg/retrypolicy"
	"github.com/wso2/api-platform/realtime-client/pkg/syncqueue"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
	"go.uber.org/zap"
)

var (
	errOffline       = errors.New("server unreachable")
	errRejectedAgain = errors.New("session credential rejected after re-authentication")
)

// Validator performs the credential preflight
type Validator interface {
	Validate(ctx context.Context) (transport.Validation, error)
}

// Authenticator refreshes the session credential
type Authenticator interface {
	Reauthenticate(ctx context.Context) error
}

// TokenSource supplies the current session credential
type TokenSource interface {
	Token() string
}

// Reachability is the subset of the reachability monitor the manager uses
type Reachability interface {
	IsOnline() bool
	RequestProbe()
}

// Enqueuer is the subset of the retry queue used for recovery sequences
type Enqueuer interface {
	EnqueueFront(reqs ...*syncqueue.Request) error
	Cancel(id string) bool
}

// Config tunes the Manager
type Config struct {
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectJitter     float64
	PingInterval        time.Duration
	PingTimeout         time.Duration
	DialTimeout         time.Duration
	RequestTimeout      time.Duration
	MaxReauthPerAttempt int
}

// DefaultConfig returns the default connection tuning
func DefaultConfig() Config {
	return Config{
		ReconnectInitial:    time.Second,
		ReconnectMax:        30 * time.Second,
		PingInterval:        30 * time.Second,
		PingTimeout:         10 * time.Second,
		DialTimeout:         10 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxReauthPerAttempt: 1,
	}
}

// Deps are the collaborators of a Manager
type Deps struct {
	Validator    Validator
	Dialer       transport.Dialer
	Auth         Authenticator
	Tokens       TokenSource
	Reachability Reachability
	Queue        Enqueuer
	Recovery     RecoveryState
}

type recoverySequence struct {
	kind      RecoveryKind
	gen       uint64
	streamGen uint64 // stream the sequence was issued for
	pending   map[string]struct{}
	failed    int
}

// Manager is the Connection Manager
type Manager struct {
	cfg    Config
	deps   Deps
	clock  clockwork.Clock
	logger *zap.Logger
	hub    *notify.Hub[Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          State
	counter        SessionCounter
	schedule       *retrypolicy.Schedule
	reconnectTimer clockwork.Timer
	timerGen       uint64
	attemptGen     uint64
	attemptCancel  context.CancelFunc
	stream         transport.Stream
	streamGen      uint64
	counterGen     uint64 // stream the last counter-bearing frame arrived on
	pingTimer      clockwork.Timer
	lastConnected  time.Time
	everConnected  bool
	suspended      bool
	awaitingResume bool
	recovery       recoverySequence
	pending        map[string]chan response
	started        bool
	stopped        bool
}

// NewManager creates a manager in the Disconnected state
func NewManager(cfg Config, deps Deps, clock clockwork.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	policy := retrypolicy.Policy{
		Initial: cfg.ReconnectInitial,
		Max:     cfg.ReconnectMax,
		Jitter:  cfg.ReconnectJitter,
	}

	return &Manager{
		cfg:      cfg,
		deps:     deps,
		clock:    clock,
		logger:   logger,
		hub:      notify.NewHub[Event](),
		ctx:      ctx,
		cancel:   cancel,
		state:    Disconnected,
		schedule: policy.NewSchedule(clock),
		pending:  make(map[string]chan response),
	}
}

// Start begins the first connection attempt, or waits for the server to
// become reachable
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	metrics.SetConnectionState(m.state.String())

	m.logger.Info("Starting connection manager",
		zap.Duration("reconnect_max", m.cfg.ReconnectMax),
		zap.Duration("ping_interval", m.cfg.PingInterval),
	)

	if !m.deps.Reachability.IsOnline() {
		m.suspended = true
		m.logger.Info("Server unreachable, deferring connection")
		return
	}
	m.startAttemptLocked()
}

// Stop cancels timers, the in-flight attempt and outstanding recovery
// requests, and forgets the session
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.logger.Info("Stopping connection manager")
	m.stopped = true

	m.cancelAttemptLocked()
	m.stopReconnectTimerLocked()
	m.closeStreamLocked(errs.ErrStopped)
	m.cancelRecoveryLocked()
	m.counter.Reset()
	m.everConnected = false
	m.awaitingResume = false
	m.suspended = false
	if m.state != Disconnected {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.hub.Close()
	m.logger.Info("Connection manager stopped")
}

// Subscribe returns a subscription to manager events
func (m *Manager) Subscribe() *notify.Subscription[Event] {
	return m.hub.Subscribe()
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the current state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:              m.state,
		StateName:          m.state.String(),
		LastConnected:      m.lastConnected,
		ReconnectAttempt:   m.schedule.Attempt(),
		NextReconnectDelay: m.schedule.NextDelay(),
		ReconnectPending:   m.reconnectTimer != nil,
		Suspended:          m.suspended,
		AwaitingResume:     m.awaitingResume,
		RecoveryKind:       m.recovery.kind,
		RecoveryPending:    len(m.recovery.pending),
	}
	if v, ok := m.counter.Last(); ok {
		s.Counter = &v
	}
	return s
}

// OnDrop reports that the stream was lost
func (m *Manager) OnDrop(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.started {
		return
	}
	m.dropLocked(reason)
}

// OnReachabilityChange suspends reconnecting while the server is unreachable
// and resumes it immediately when it becomes reachable again
func (m *Manager) OnReachabilityChange(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.started {
		return
	}

	if !online {
		if m.state != Disconnected {
			m.dropLocked(errOffline)
			return
		}
		m.stopReconnectTimerLocked()
		if !m.suspended {
			m.suspended = true
			m.logger.Info("Server unreachable, reconnect suspended")
		}
		return
	}

	if m.state != Disconnected || m.awaitingResume {
		return
	}
	m.logger.Info("Server reachable, reconnecting")
	m.stopReconnectTimerLocked()
	m.startAttemptLocked()
}

// Resume retries after a failed re-authentication left the manager waiting
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.started || !m.awaitingResume {
		return
	}
	m.awaitingResume = false
	m.schedule.Reset()
	m.logger.Info("Resuming connection after authentication failure")

	if !m.deps.Reachability.IsOnline() {
		m.suspended = true
		return
	}
	m.startAttemptLocked()
}

// OnFrame processes a frame received on the stream
func (m *Manager) OnFrame(f transport.Frame) {
	if m.deps.Recovery != nil {
		m.deps.Recovery.ObserveFrame(f)
	}
	if f.Type == transport.FrameResponse {
		m.resolve(f)
	}
	if !f.HasCounter() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	got := *f.Counter
	firstOnStream := m.counterGen != m.streamGen
	m.counterGen = m.streamGen
	verdict, prev := m.counter.Observe(got)
	switch verdict {
	case CounterBaseline:
		if got != 0 {
			m.logger.Debug("Session counter baseline", zap.Uint64("counter", got))
		}
	case CounterReset:
		metrics.SessionResetsTotal.Inc()
		m.logger.Info("Server session reset detected", zap.Uint64("previous", prev))
		m.hub.Publish(SessionReset{Previous: prev})
		if m.state != Connected {
			break
		}
		if m.resetCoveredLocked(firstOnStream) {
			m.logger.Debug("Session reset covered by the reconnect recovery of this stream")
			break
		}
		m.startRecoveryLocked(Reconnect)
	case CounterAnomaly:
		metrics.SequenceAnomaliesTotal.Inc()
		m.logger.Warn("Session counter discontinuity",
			zap.Uint64("previous", prev),
			zap.Uint64("got", got),
		)
		m.hub.Publish(SequenceAnomaly{Previous: prev, Got: got})
	}
}

// resetCoveredLocked reports whether the reconnect sequence issued for the
// current stream already restores what a session reset dropped: the reset was
// the first counter seen on the stream, or that sequence is still running.
func (m *Manager) resetCoveredLocked(firstOnStream bool) bool {
	r := m.recovery
	if r.kind != Reconnect || r.streamGen == 0 || r.streamGen != m.streamGen {
		return false
	}
	return firstOnStream || len(r.pending) > 0
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	metrics.SetConnectionState(to.String())
	m.logger.Info("Connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	m.hub.Publish(StateChanged{From: from, To: to})
}

func (m *Manager) startAttemptLocked() {
	m.suspended = false
	m.cancelAttemptLocked()
	m.attemptGen++
	gen := m.attemptGen
	ctx, cancel := context.WithCancel(m.ctx)
	m.attemptCancel = cancel

	m.setStateLocked(Validating)

	m.wg.Add(1)
	go m.runAttempt(ctx, gen)
}

func (m *Manager) cancelAttemptLocked() {
	m.attemptGen++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
}

func (m *Manager) stopReconnectTimerLocked() {
	m.timerGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopPingLocked() {
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
}

// runAttempt validates the credential, re-authenticating when it is
// rejected, then dials the stream
func (m *Manager) runAttempt(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	reauths := 0
	for {
		v, err := m.deps.Validator.Validate(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.ValidationsTotal.WithLabelValues(v.String()).Inc()

		switch v {
		case transport.Accepted:
			m.dial(ctx, gen)
			return
		case transport.Rejected:
			if reauths >= m.cfg.MaxReauthPerAttempt {
				m.onAuthFailed(gen, errs.Wrap(errs.Authentication, errRejectedAgain))
				return
			}
			reauths++
			m.logger.Info("Session credential rejected, re-authenticating", zap.Int("cycle", reauths))
			if err := m.deps.Auth.Reauthenticate(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.onAuthFailed(gen, err)
				return
			}
		default:
			m.logger.Warn("Credential validation got no response", zap.Error(err))
			m.deps.Reachability.RequestProbe()
			m.onAttemptFailed(gen, err)
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.attemptGen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	stream, err := m.deps.Dialer.Dial(dialCtx, m.deps.Tokens.Token())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errs.IsClass(err, errs.Unreachable) {
			m.deps.Reachability.RequestProbe()
		}
		m.logger.Warn("Failed to open stream", zap.Error(err))
		m.onAttemptFailed(gen, err)
		return
	}
	m.onConnected(gen, stream)
}

func (m *Manager) onAttemptFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.attemptGen || m.stopped {
		return
	}
	m.attemptCancel = nil
	m.setStateLocked(Disconnected)
	m.scheduleReconnectLocked()
}

func (m *Manager) onAuthFailed(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.attemptGen || m.stopped {
		return
	}
	m.attemptCancel = nil
	m.awaitingResume = true
	m.logger.Error("Re-authentication failed, waiting for resume", zap.Error(err))
	m.setStateLocked(Disconnected)
	m.hub.Publish(AuthenticationFailed{Err: err})
}

func (m *Manager) onConnected(gen uint64, stream transport.Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.attemptGen || m.stopped {
		m.closeInBackground(stream)
		return
	}

	m.attemptCancel = nil
	m.stream = stream
	m.streamGen = gen
	m.lastConnected = m.clock.Now()
	m.schedule.Reset()
	m.setStateLocked(Connected)

	kind := Reconnect
	if !m.everConnected {
		kind = FirstConnect
	}
	m.everConnected = true

	m.wg.Add(1)
	go m.readLoop(stream, gen)

	m.armPingLocked()
	m.startRecoveryLocked(kind)
}

func (m *Manager) readLoop(stream transport.Stream, gen uint64) {
	defer m.wg.Done()
	for f := range stream.Frames() {
		m.OnFrame(f)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.stream != stream || m.streamGen != gen {
		return
	}
	err := stream.Err()
	if err == nil {
		err = transport.ErrClosed
	}
	m.dropLocked(err)
}

func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectTimerLocked()
	if m.stopped || m.awaitingResume {
		return
	}
	if !m.deps.Reachability.IsOnline() {
		m.suspended = true
		m.logger.Info("Server unreachable, reconnect suspended")
		return
	}

	delay := m.schedule.Next()
	gen := m.timerGen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.onReconnectTimer(gen)
	})
	metrics.ReconnectAttemptsTotal.Inc()
	m.logger.Info("Scheduling reconnect",
		zap.Int("attempt", m.schedule.Attempt()),
		zap.Duration("delay", delay),
	)
}

func (m *Manager) onReconnectTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.timerGen || m.state != Disconnected {
		return
	}
	m.reconnectTimer = nil
	if !m.deps.Reachability.IsOnline() {
		m.suspended = true
		return
	}
	m.startAttemptLocked()
}

// dropLocked tears down the current attempt or stream and schedules a
// reconnect
func (m *Manager) dropLocked(reason error) {
	if m.state == Disconnected {
		return
	}
	m.logger.Warn("Connection dropped",
		zap.String("state", m.state.String()),
		zap.Error(reason),
	)
	m.cancelAttemptLocked()
	m.closeStreamLocked(errs.Wrap(errs.Unreachable, errs.ErrStreamDown))
	m.setStateLocked(Disconnected)
	m.scheduleReconnectLocked()
}

func (m *Manager) closeStreamLocked(pendingErr error) {
	m.stopPingLocked()
	if m.stream != nil {
		m.closeInBackground(m.stream)
		m.stream = nil
	}
	m.failPendingLocked(pendingErr)
}

// closeInBackground closes s off the caller's goroutine. Close may block for
// the write deadline of a half-dead socket and must not run under m.mu.
func (m *Manager) closeInBackground(s transport.Stream) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = s.Close()
	}()
}

func (m *Manager) armPingLocked() {
	m.stopPingLocked()
	gen := m.streamGen
	m.pingTimer = m.clock.AfterFunc(m.cfg.PingInterval, func() {
		m.onPingTimer(gen)
	})
}

func (m *Manager) onPingTimer(gen uint64) {
	m.mu.Lock()
	if m.stopped || m.stream == nil || gen != m.streamGen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	stream := m.stream
	m.pingTimer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.PingTimeout)
	err := stream.Ping(ctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.stream != stream {
		return
	}
	if err != nil {
		metrics.PingFailuresTotal.Inc()
		m.logger.Warn("Heartbeat failed", zap.Error(err))
		m.dropLocked(err)
		return
	}
	m.armPingLocked()
}

// startRecoveryLocked enqueues a recovery sequence at the queue front. Any
// request still outstanding from the previous sequence is cancelled.
func (m *Manager) startRecoveryLocked(kind RecoveryKind) {
	m.cancelRecoveryLocked()

	reqs, err := recoveryRequests(kind, m.deps.Recovery)
	if err != nil {
		m.logger.Error("Failed to build recovery sequence", zap.Error(err))
		return
	}

	m.recovery.gen++
	gen := m.recovery.gen
	m.recovery.kind = kind
	m.recovery.streamGen = m.streamGen
	m.recovery.failed = 0
	m.recovery.pending = make(map[string]struct{}, len(reqs))

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		m.recovery.pending[req.ID] = struct{}{}
		ids = append(ids, req.ID)
		req.OnDone = func(o syncqueue.Outcome) {
			m.onRecoveryDone(gen, o)
		}
	}

	if err := m.deps.Queue.EnqueueFront(reqs...); err != nil {
		m.logger.Error("Failed to enqueue recovery sequence", zap.Error(err))
		m.recovery.pending = nil
		m.recovery.streamGen = 0
		return
	}

	metrics.RecoverySequencesTotal.WithLabelValues(string(kind)).Inc()
	m.logger.Info("Recovery sequence started",
		zap.String("kind", string(kind)),
		zap.Int("requests", len(ids)),
	)
	m.hub.Publish(RecoveryStarted{Kind: kind, RequestIDs: ids})
}

func (m *Manager) cancelRecoveryLocked() {
	m.recovery.gen++
	for id := range m.recovery.pending {
		m.deps.Queue.Cancel(id)
	}
	m.recovery.pending = nil
}

func (m *Manager) onRecoveryDone(gen uint64, o syncqueue.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.recovery.gen {
		return
	}
	if _, ok := m.recovery.pending[o.ID]; !ok {
		return
	}
	delete(m.recovery.pending, o.ID)
	if o.State != syncqueue.Completed {
		m.recovery.failed++
	}
	if len(m.recovery.pending) > 0 {
		return
	}

	m.logger.Info("Recovery sequence complete",
		zap.String("kind", string(m.recovery.kind)),
		zap.Int("failed", m.recovery.failed),
	)
	m.hub.Publish(Ready{Kind: m.recovery.kind, Failed: m.recovery.failed})
}
