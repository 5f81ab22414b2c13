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

// Package auth holds the session credential and refreshes it when the
// server rejects it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoRefresher is returned when the credential cannot be renewed
	ErrNoRefresher = errors.New("no credential refresher configured")
	// ErrTokenExpired is returned when a refresh yields an already expired token
	ErrTokenExpired = errors.New("session token expired")
)

// DefaultRefreshTimeout bounds a single credential refresh
const DefaultRefreshTimeout = 30 * time.Second

// Refresher obtains a new session token
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Session holds the current session credential. It is shared by the
// connection manager and the retry queue; concurrent Reauthenticate calls
// collapse into one refresh.
type Session struct {
	mu             sync.RWMutex
	token          string
	refresher      Refresher
	group          singleflight.Group
	clock          clockwork.Clock
	skew           time.Duration
	refreshTimeout time.Duration
	logger         *zap.Logger
}

// NewSession creates a session holding token
func NewSession(token string, refresher Refresher, skew time.Duration, clock clockwork.Clock, logger *zap.Logger) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		token:          token,
		refresher:      refresher,
		clock:          clock,
		skew:           skew,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         logger,
	}
}

// SetRefreshTimeout bounds each credential refresh. Non-positive values are
// ignored.
func (s *Session) SetRefreshTimeout(d time.Duration) {
	if d > 0 {
		s.refreshTimeout = d
	}
}

// Token returns the current credential
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the credential, e.g. after an interactive login
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// ExpiresAt reads the exp claim of a JWT credential. ok is false for opaque
// tokens and tokens without exp.
func (s *Session) ExpiresAt() (exp time.Time, ok bool) {
	return expiry(s.Token())
}

// Expired reports whether the credential is within skew of its expiry
func (s *Session) Expired() bool {
	exp, ok := s.ExpiresAt()
	if !ok {
		return false
	}
	return !s.clock.Now().Before(exp.Add(-s.skew))
}

// Reauthenticate refreshes the credential. A nil error means the caller may
// retry with the new credential. The refresh is shared by concurrent callers
// and runs detached from their contexts; a caller whose ctx ends stops
// waiting without failing the refresh for the others.
func (s *Session) Reauthenticate(ctx context.Context) error {
	if s.refresher == nil {
		metrics.ReauthenticationsTotal.WithLabelValues("unavailable").Inc()
		return errs.Wrap(errs.Authentication, ErrNoRefresher)
	}

	ch := s.group.DoChan("reauthenticate", func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()

		s.logger.Info("Re-authenticating session")
		token, err := s.refresher.Refresh(refreshCtx)
		if err != nil {
			return nil, err
		}
		if exp, ok := expiry(token); ok && !s.clock.Now().Before(exp) {
			return nil, ErrTokenExpired
		}

		s.SetToken(token)
		return nil, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}

	if res.Err != nil {
		metrics.ReauthenticationsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn("Re-authentication failed", zap.Error(res.Err), zap.Bool("shared", res.Shared))
		return errs.Wrap(errs.Authentication, fmt.Errorf("re-authentication failed: %w", res.Err))
	}

	metrics.ReauthenticationsTotal.WithLabelValues("success").Inc()
	s.logger.Info("Session re-authenticated", zap.Bool("shared", res.Shared))
	return nil
}

func expiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
