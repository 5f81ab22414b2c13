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

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
	"go.uber.org/zap"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

type refresherFunc func(ctx context.Context) (string, error)

func (f refresherFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

func TestSession_ExpiresAt(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	exp := clock.Now().Add(time.Minute)

	s := NewSession(signedToken(t, exp), nil, 30*time.Second, clock, zap.NewNop())
	got, ok := s.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, exp.Unix(), got.Unix())
	assert.False(t, s.Expired())

	clock.Advance(31 * time.Second)
	assert.True(t, s.Expired(), "inside refresh skew")

	opaque := NewSession("opaque-token", nil, 0, clock, zap.NewNop())
	_, ok = opaque.ExpiresAt()
	assert.False(t, ok)
	assert.False(t, opaque.Expired())
}

func TestSession_ReauthenticateSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fresh := signedToken(t, clock.Now().Add(time.Hour))

	s := NewSession("old", refresherFunc(func(context.Context) (string, error) {
		return fresh, nil
	}), 0, clock, zap.NewNop())

	require.NoError(t, s.Reauthenticate(context.Background()))
	assert.Equal(t, fresh, s.Token())
}

func TestSession_ReauthenticateFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()

	tests := []struct {
		name      string
		refresher Refresher
		wantErr   error
	}{
		{"no refresher", nil, ErrNoRefresher},
		{"refresh error", refresherFunc(func(context.Context) (string, error) {
			return "", errors.New("identity provider down")
		}), nil},
		{"expired token", refresherFunc(func(context.Context) (string, error) {
			return signedToken(t, clock.Now().Add(-time.Minute)), nil
		}), ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("old", tt.refresher, 0, clock, zap.NewNop())
			err := s.Reauthenticate(context.Background())
			require.Error(t, err)
			assert.Equal(t, errs.Authentication, errs.ClassOf(err))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, "old", s.Token())
		})
	}
}

func TestSession_ConcurrentReauthenticateCoalesces(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	s := NewSession("old", refresherFunc(func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "new", nil
	}), 0, nil, zap.NewNop())

	var wg sync.WaitGroup
	started := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			assert.NoError(t, s.Reauthenticate(context.Background()))
		}()
	}
	for i := 0; i < 5; i++ {
		<-started
	}
	// let the callers pile up behind the first refresh
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, "new", s.Token())
	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestSession_ReauthenticateSurvivesCallerCancellation(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var refreshErr atomic.Value

	s := NewSession("old", refresherFunc(func(ctx context.Context) (string, error) {
		entered <- struct{}{}
		<-release
		if err := ctx.Err(); err != nil {
			refreshErr.Store(err)
			return "", err
		}
		return "new", nil
	}), 0, nil, zap.NewNop())

	ctxA, cancelA := context.WithCancel(context.Background())
	resultA := make(chan error, 1)
	go func() { resultA <- s.Reauthenticate(ctxA) }()
	<-entered

	resultB := make(chan error, 1)
	go func() { resultB <- s.Reauthenticate(context.Background()) }()
	// give the second caller time to join the running refresh
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-resultA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(release)
	select {
	case err := <-resultB:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining caller not released")
	}

	assert.Nil(t, refreshErr.Load(), "refresh saw a cancelled context")
	assert.Equal(t, "new", s.Token())
}

func TestSession_RefreshTimeout(t *testing.T) {
	s := NewSession("old", refresherFunc(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), 0, nil, zap.NewNop())
	s.SetRefreshTimeout(20 * time.Millisecond)

	err := s.Reauthenticate(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.Authentication, errs.ClassOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "old", s.Token())
}

func TestHTTPRefresher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, SessionsPath, r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req createSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.IdentityToken != "identity" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createSessionResponse{SessionToken: "session-2"})
	}))
	defer server.Close()

	client := transport.NewRESTClient(transport.RESTConfig{BaseURL: server.URL, Timeout: time.Second}, nil, zap.NewNop())

	token, err := NewHTTPRefresher(client, "identity", "app-1").Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "session-2", token)

	_, err = NewHTTPRefresher(client, "wrong", "app-1").Refresh(context.Background())
	assert.Equal(t, errs.Authentication, errs.ClassOf(err))

	_, err = NewHTTPRefresher(client, "", "").Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoRefresher)
}
