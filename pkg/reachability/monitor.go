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

// Package reachability maintains the client's belief about whether the
// server can be reached. Platform connectivity hints are never trusted on
// their own: they only trigger an active probe.
package reachability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/realtime-client/pkg/metrics"
	"github.com/wso2/api-platform/realtime-client/pkg/notify"
	"github.com/wso2/api-platform/realtime-client/pkg/retrypolicy"
	"go.uber.org/zap"
)

// Prober performs a lightweight reachability check
type Prober interface {
	Probe(ctx context.Context) error
}

// Config tunes the Monitor
type Config struct {
	SilenceThreshold time.Duration
	ProbeInitial     time.Duration
	ProbeMax         time.Duration
	ProbeTimeout     time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 100 * time.Second,
		ProbeInitial:     time.Second,
		ProbeMax:         60 * time.Second,
		ProbeTimeout:     10 * time.Second,
	}
}

// Monitor is the Reachability Monitor
type Monitor struct {
	cfg    Config
	prober Prober
	clock  clockwork.Clock
	logger *zap.Logger
	hub    *notify.Hub[Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	status        Status
	lastDataAt    time.Time
	schedule      *retrypolicy.Schedule
	probing       bool // offline probe schedule active
	probeInFlight bool
	probeTrigger  string
	probeTimer    clockwork.Timer
	probeGen      uint64
	silenceTimer  clockwork.Timer
	silenceGen    uint64
	started       bool
	stopped       bool
}

// NewMonitor creates a monitor. It reports Online until Start is called and
// the silence threshold elapses without liveness.
func NewMonitor(cfg Config, prober Prober, clock clockwork.Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())

	policy := retrypolicy.Policy{Initial: cfg.ProbeInitial, Max: cfg.ProbeMax}

	return &Monitor{
		cfg:        cfg,
		prober:     prober,
		clock:      clock,
		logger:     logger,
		hub:        notify.NewHub[Event](),
		ctx:        ctx,
		cancel:     cancel,
		status:     Online,
		lastDataAt: clock.Now(),
		schedule:   policy.NewSchedule(clock),
	}
}

// Start arms the silence timer
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.lastDataAt = m.clock.Now()
	m.armSilenceLocked()
	metrics.ReachabilityOnline.Set(metrics.BoolToFloat(m.status == Online))

	m.logger.Info("Reachability monitor started",
		zap.Duration("silence_threshold", m.cfg.SilenceThreshold),
		zap.Duration("probe_initial", m.cfg.ProbeInitial),
		zap.Duration("probe_max", m.cfg.ProbeMax),
	)
}

// Stop cancels all timers and any in-flight probe, then closes subscriptions
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.stopSilenceLocked()
	m.stopProbeTimerLocked()
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.hub.Close()
	m.logger.Info("Reachability monitor stopped")
}

// Subscribe returns a subscription to Transition and ProbeCompleted events
func (m *Monitor) Subscribe() *notify.Subscription[Event] {
	return m.hub.Subscribe()
}

// IsOnline returns the current belief
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == Online
}

// Snapshot returns a copy of the current state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Status:        m.status,
		StatusName:    m.status.String(),
		LastDataAt:    m.lastDataAt,
		ProbeInFlight: m.probeInFlight,
		ProbePending:  m.probeTimer != nil,
	}
	if m.probing {
		s.Probe = &ProbeSchedule{
			NextDelay: m.schedule.NextDelay(),
			Attempt:   m.schedule.Attempt(),
		}
	}
	return s
}

// ReportLiveness records that data arrived from the server
func (m *Monitor) ReportLiveness() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.lastDataAt = m.clock.Now()
	if m.status == Offline {
		m.goOnlineLocked("liveness")
	}
	if m.started {
		m.armSilenceLocked()
	}
}

// ReportExternalHint records an untrusted platform connectivity signal. It
// never changes the status directly; it only triggers an immediate probe.
func (m *Monitor) ReportExternalHint(online bool) {
	metrics.ExternalHintsTotal.WithLabelValues(strconv.FormatBool(online)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	m.logger.Debug("Platform connectivity hint received",
		zap.Bool("online", online),
		zap.String("status", m.status.String()),
	)
	m.probeNowLocked(TriggerHint)
}

// RequestProbe asks for an immediate out-of-schedule probe, e.g. after a
// request failed without a response
func (m *Monitor) RequestProbe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.probeNowLocked(TriggerRequest)
}

func (m *Monitor) armSilenceLocked() {
	m.stopSilenceLocked()
	m.silenceGen++
	gen := m.silenceGen
	m.silenceTimer = m.clock.AfterFunc(m.cfg.SilenceThreshold, func() {
		m.onSilence(gen)
	})
}

func (m *Monitor) stopSilenceLocked() {
	if m.silenceTimer != nil {
		m.silenceTimer.Stop()
		m.silenceTimer = nil
	}
}

func (m *Monitor) stopProbeTimerLocked() {
	if m.probeTimer != nil {
		m.probeTimer.Stop()
		m.probeTimer = nil
	}
}

func (m *Monitor) onSilence(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.silenceGen || m.status == Offline {
		return
	}
	m.silenceTimer = nil

	silent := m.clock.Since(m.lastDataAt)
	if silent < m.cfg.SilenceThreshold {
		// liveness raced the timer
		m.armSilenceLocked()
		return
	}

	m.logger.Warn("No data from server within silence threshold",
		zap.Duration("silent_for", silent),
		zap.Duration("threshold", m.cfg.SilenceThreshold),
	)
	m.goOfflineLocked()

	m.schedule.Reset()
	m.probing = true
	m.probeNowLocked(TriggerSchedule)
}

func (m *Monitor) goOfflineLocked() {
	m.status = Offline
	now := m.clock.Now()

	metrics.ReachabilityOnline.Set(0)
	metrics.ReachabilityTransitionsTotal.WithLabelValues(Offline.String()).Inc()
	m.logger.Info("Reachability changed",
		zap.String("from", Online.String()),
		zap.String("to", Offline.String()),
		zap.Time("last_data_at", m.lastDataAt),
	)
	m.hub.Publish(Transition{Online: false, At: now})
}

func (m *Monitor) goOnlineLocked(reason string) {
	m.status = Online
	m.probing = false
	m.stopProbeTimerLocked()
	// results of a probe still in flight are now stale
	m.probeGen++
	m.schedule.Reset()

	metrics.ReachabilityOnline.Set(1)
	metrics.ReachabilityTransitionsTotal.WithLabelValues(Online.String()).Inc()
	m.logger.Info("Reachability changed",
		zap.String("from", Offline.String()),
		zap.String("to", Online.String()),
		zap.String("reason", reason),
	)
	m.hub.Publish(Transition{Online: true, At: m.clock.Now()})
}

// probeNowLocked starts a probe unless one is already in flight. A pending
// scheduled probe is superseded.
func (m *Monitor) probeNowLocked(trigger string) {
	if m.probeInFlight {
		return
	}
	m.stopProbeTimerLocked()

	m.probeGen++
	gen := m.probeGen
	m.probeInFlight = true
	m.probeTrigger = trigger

	m.wg.Add(1)
	go m.runProbe(gen, trigger)
}

func (m *Monitor) runProbe(gen uint64, trigger string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.clock.Now()
	err := m.prober.Probe(ctx)
	metrics.ProbeDurationSeconds.Observe(m.clock.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.ProbesTotal.WithLabelValues(result, trigger).Inc()

	m.onProbeResult(gen, trigger, err)
}

func (m *Monitor) onProbeResult(gen uint64, trigger string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.probeInFlight = false
	if m.stopped || gen != m.probeGen {
		return
	}

	attempt := 0
	if m.probing {
		attempt = m.schedule.Attempt() + 1
	}

	if err == nil {
		m.lastDataAt = m.clock.Now()
		m.hub.Publish(ProbeCompleted{Success: true, Attempt: attempt, Trigger: trigger})
		if m.status == Offline {
			m.goOnlineLocked("probe")
		}
		if m.started {
			m.armSilenceLocked()
		}
		return
	}

	if m.status == Online {
		// the silence threshold has not elapsed; a failed probe alone is not
		// enough to flip
		m.logger.Debug("Probe failed while online", zap.String("trigger", trigger), zap.Error(err))
		m.hub.Publish(ProbeCompleted{Success: false, Trigger: trigger, Err: err})
		return
	}

	delay := m.schedule.Next()
	m.probeGen++
	next := m.probeGen
	m.probeTimer = m.clock.AfterFunc(delay, func() {
		m.onProbeTimer(next)
	})

	m.logger.Debug("Probe failed, scheduling next attempt",
		zap.Int("attempt", attempt),
		zap.Duration("next_delay", delay),
		zap.String("trigger", trigger),
		zap.Error(err),
	)
	m.hub.Publish(ProbeCompleted{Success: false, Attempt: attempt, Trigger: trigger, NextDelay: delay, Err: err})
}

func (m *Monitor) onProbeTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.probeGen || m.status == Online {
		return
	}
	m.probeTimer = nil
	m.probeNowLocked(TriggerSchedule)
}
