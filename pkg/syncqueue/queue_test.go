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

package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu      sync.Mutex
	calls   int
	ops     []string
	handler func(ctx context.Context, call int, req *Request) (json.RawMessage, error)
}

func (s *fakeSender) Send(ctx context.Context, req *Request) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.ops = append(s.ops, req.Operation)
	h := s.handler
	s.mu.Unlock()

	if h == nil {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return h(ctx, call, req)
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSender) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type fakeReach struct {
	mu     sync.Mutex
	online bool
	probes int
}

func (r *fakeReach) IsOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

func (r *fakeReach) RequestProbe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes++
}

func (r *fakeReach) set(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
}

func (r *fakeReach) Probes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes
}

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAuth) Reauthenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.err
}

func (a *fakeAuth) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var (
	errServerUnavailable = errs.New(errs.ServerUnavailable, "service unavailable")
	errNoResponse        = errs.Wrap(errs.Unreachable, errors.New("dial tcp: connection refused"))
	errRejected          = errs.New(errs.Authentication, "invalid session")
)

func newTestQueue(t *testing.T, sender Sender, auth Authenticator, reach Reachability) (*Queue, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	q := New(DefaultConfig(), sender, auth, reach, clock, zap.NewNop())
	t.Cleanup(q.Stop)
	return q, clock
}

func mutation(op string, done chan<- Outcome) *Request {
	return &Request{
		Operation: op,
		Category:  CategoryMutation,
		Route:     RouteStream,
		Payload:   json.RawMessage(`{}`),
		OnDone:    func(o Outcome) { done <- o },
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func waitState(t *testing.T, q *Queue, id string, state State, attempts int) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := q.Get(id)
		return ok && info.State == state && info.Attempts == attempts
	}, 2*time.Second, 2*time.Millisecond, "waiting for %s attempts=%d", state, attempts)
}

func TestQueue_DeliversAndRemoves(t *testing.T) {
	sender := &fakeSender{}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("presence.update", done))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	out := waitOutcome(t, done)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, id, out.ID)
	assert.JSONEq(t, `{"ok":true}`, string(out.Response))
	assert.Zero(t, out.Attempts)

	_, found := q.Get(id)
	assert.False(t, found)
	assert.Zero(t, q.Len())
}

func TestQueue_RejectsExemptCategories(t *testing.T) {
	q, _ := newTestQueue(t, &fakeSender{}, &fakeAuth{}, &fakeReach{online: true})

	for _, c := range []Category{CategoryQuery, CategoryFetchByID} {
		_, err := q.Enqueue(&Request{Operation: "users.get", Category: c})
		assert.ErrorIs(t, err, errs.ErrExemptCategory, c.String())
	}
	assert.Zero(t, q.Len())
}

func TestQueue_ValidatesRequests(t *testing.T) {
	q, _ := newTestQueue(t, &fakeSender{}, &fakeAuth{}, &fakeReach{online: true})

	tests := []struct {
		name string
		req  *Request
	}{
		{name: "missing operation", req: &Request{}},
		{name: "rest without path", req: &Request{Operation: "items.create", Route: RouteREST, Method: "POST"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(tt.req)
			assert.Error(t, err)
		})
	}

	_, err := q.Enqueue(&Request{ID: "dup", Operation: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(&Request{ID: "dup", Operation: "b"})
	assert.Error(t, err)
}

func TestQueue_FIFO(t *testing.T) {
	sender := &fakeSender{}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	done := make(chan Outcome, 3)

	for _, op := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(mutation(op, done))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, q.Len())
	q.Start()

	for i := 0; i < 3; i++ {
		waitOutcome(t, done)
	}
	assert.Equal(t, []string{"a", "b", "c"}, sender.Ops())
}

func TestQueue_AbortsAtRetryCeiling(t *testing.T) {
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		return nil, errServerUnavailable
	}}
	q, clock := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("presence.update", done))
	require.NoError(t, err)

	for attempt := 1; attempt <= 20; attempt++ {
		waitState(t, q, id, Retrying, attempt)
		clock.Advance(time.Minute)
	}

	out := waitOutcome(t, done)
	assert.Equal(t, Aborted, out.State)
	assert.Equal(t, errs.ServerUnavailable, out.Class)
	assert.Equal(t, 20, out.Attempts)
	assert.Equal(t, 21, sender.Calls())
}

func TestQueue_RetryDelaysDouble(t *testing.T) {
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		if call <= 3 {
			return nil, errServerUnavailable
		}
		return nil, nil
	}}
	q, clock := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("presence.update", done))
	require.NoError(t, err)

	for attempt, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		waitState(t, q, id, Retrying, attempt+1)
		clock.Advance(delay - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, attempt+1, sender.Calls(), "resent before delay elapsed")
		clock.Advance(time.Millisecond)
	}

	out := waitOutcome(t, done)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 3, out.Attempts)
}

func TestQueue_FatalClassesAbortImmediately(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class errs.Class
	}{
		{name: "not found", err: errs.New(errs.NotFound, "no such object"), class: errs.NotFound},
		{name: "id in use", err: errs.New(errs.Conflict, "id_in_use"), class: errs.Conflict},
		{name: "unclassified", err: errors.New("boom"), class: errs.Unclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
				return nil, tt.err
			}}
			q, _ := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
			done := make(chan Outcome, 1)

			q.Start()
			_, err := q.Enqueue(mutation("items.create", done))
			require.NoError(t, err)

			out := waitOutcome(t, done)
			assert.Equal(t, Aborted, out.State)
			assert.Equal(t, tt.class, out.Class)
			assert.Zero(t, out.Attempts)
			assert.Equal(t, 1, sender.Calls())
		})
	}
}

func TestQueue_HoldsWhileOffline(t *testing.T) {
	sender := &fakeSender{}
	reach := &fakeReach{online: false}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, reach)
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("presence.update", done))
	require.NoError(t, err)

	waitState(t, q, id, WaitingOffline, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sender.Calls())

	reach.set(true)
	q.OnReachabilityChange(true)

	out := waitOutcome(t, done)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 1, sender.Calls())
}

func TestQueue_FailureWhileOfflineDoesNotConsumeAttempt(t *testing.T) {
	reach := &fakeReach{online: true}
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		if call == 1 {
			reach.set(false)
			return nil, errs.Wrap(errs.Unreachable, errs.ErrStreamDown)
		}
		return json.RawMessage(`{}`), nil
	}}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, reach)
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("presence.update", done))
	require.NoError(t, err)

	waitState(t, q, id, WaitingOffline, 0)

	reach.set(true)
	q.OnReachabilityChange(true)

	out := waitOutcome(t, done)
	assert.Equal(t, Completed, out.State)
	assert.Zero(t, out.Attempts)
}

func TestQueue_Reauthentication(t *testing.T) {
	t.Run("success resends without consuming an attempt", func(t *testing.T) {
		sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
			if call == 1 {
				return nil, errRejected
			}
			return json.RawMessage(`{}`), nil
		}}
		auth := &fakeAuth{}
		q, _ := newTestQueue(t, sender, auth, &fakeReach{online: true})
		done := make(chan Outcome, 1)

		q.Start()
		_, err := q.Enqueue(mutation("presence.update", done))
		require.NoError(t, err)

		out := waitOutcome(t, done)
		assert.Equal(t, Completed, out.State)
		assert.Zero(t, out.Attempts)
		assert.Equal(t, 1, auth.Calls())
		assert.Equal(t, 2, sender.Calls())
	})

	t.Run("failed reauthentication aborts", func(t *testing.T) {
		sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
			return nil, errRejected
		}}
		auth := &fakeAuth{err: errs.New(errs.Authentication, "refresh rejected")}
		q, _ := newTestQueue(t, sender, auth, &fakeReach{online: true})
		done := make(chan Outcome, 1)

		q.Start()
		_, err := q.Enqueue(mutation("presence.update", done))
		require.NoError(t, err)

		out := waitOutcome(t, done)
		assert.Equal(t, Aborted, out.State)
		assert.Equal(t, errs.Authentication, out.Class)
		assert.Equal(t, 1, sender.Calls())
	})

	t.Run("bounded consecutive auth retries", func(t *testing.T) {
		sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
			return nil, errRejected
		}}
		auth := &fakeAuth{}
		q, _ := newTestQueue(t, sender, auth, &fakeReach{online: true})
		done := make(chan Outcome, 1)

		q.Start()
		_, err := q.Enqueue(mutation("presence.update", done))
		require.NoError(t, err)

		out := waitOutcome(t, done)
		assert.Equal(t, Aborted, out.State)
		assert.Equal(t, errs.Authentication, out.Class)
		assert.Equal(t, 3, auth.Calls())
		assert.Equal(t, 4, sender.Calls())
	})
}

func TestQueue_CORSSuspected(t *testing.T) {
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		return nil, errNoResponse
	}}
	reach := &fakeReach{online: true}
	q, clock := newTestQueue(t, sender, &fakeAuth{}, reach)
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(&Request{
		Operation: "items.create",
		Category:  CategoryMutation,
		Route:     RouteREST,
		Method:    "POST",
		Path:      "/items",
		OnDone:    func(o Outcome) { done <- o },
	})
	require.NoError(t, err)

	waitState(t, q, id, Retrying, 1)
	clock.Advance(time.Minute)
	waitState(t, q, id, Retrying, 2)
	clock.Advance(time.Minute)

	out := waitOutcome(t, done)
	assert.Equal(t, Aborted, out.State)
	assert.Equal(t, errs.CORSSuspected, out.Class)
	assert.ErrorIs(t, out.Err, errNoResponse)
	assert.Equal(t, 3, sender.Calls())
	assert.Equal(t, 3, reach.Probes())
}

func TestQueue_CORSCountResetsOnOtherOutcome(t *testing.T) {
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		if call == 3 {
			return nil, errServerUnavailable
		}
		if call < 6 {
			return nil, errNoResponse
		}
		return json.RawMessage(`{}`), nil
	}}
	q, clock := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(&Request{
		Operation: "items.create",
		Route:     RouteREST,
		Method:    "POST",
		Path:      "/items",
		OnDone:    func(o Outcome) { done <- o },
	})
	require.NoError(t, err)

	for attempt := 1; attempt <= 5; attempt++ {
		waitState(t, q, id, Retrying, attempt)
		clock.Advance(time.Minute)
	}

	out := waitOutcome(t, done)
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, 5, out.Attempts)
}

func TestQueue_CancelInFlightDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"late":true}`), nil
	}}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	sub := q.Subscribe()
	done := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("presence.update", done))
	require.NoError(t, err)
	waitState(t, q, id, InFlight, 0)

	assert.True(t, q.Cancel(id))
	close(release)

	out := waitOutcome(t, done)
	assert.Equal(t, Aborted, out.State)
	assert.ErrorIs(t, out.Err, errs.ErrCanceled)

	ev := <-sub.C()
	aborted, ok := ev.(RequestAborted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, id, aborted.ID)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event after cancel: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, q.Cancel(id))
}

func TestQueue_CancelWhileRetrying(t *testing.T) {
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		if req.Operation == "first" {
			return nil, errServerUnavailable
		}
		return json.RawMessage(`{}`), nil
	}}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	first := make(chan Outcome, 1)
	second := make(chan Outcome, 1)

	q.Start()
	id, err := q.Enqueue(mutation("first", first))
	require.NoError(t, err)
	_, err = q.Enqueue(mutation("second", second))
	require.NoError(t, err)

	waitState(t, q, id, Retrying, 1)
	require.True(t, q.Cancel(id))

	assert.ErrorIs(t, waitOutcome(t, first).Err, errs.ErrCanceled)
	assert.Equal(t, Completed, waitOutcome(t, second).State)
}

func TestQueue_EnqueueFrontRunsBeforeOtherTraffic(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{handler: func(ctx context.Context, call int, req *Request) (json.RawMessage, error) {
		if call == 1 {
			<-release
		}
		return json.RawMessage(`{}`), nil
	}}
	q, _ := newTestQueue(t, sender, &fakeAuth{}, &fakeReach{online: true})
	done := make(chan Outcome, 4)

	q.Start()
	headID, err := q.Enqueue(mutation("head", done))
	require.NoError(t, err)
	waitState(t, q, headID, InFlight, 0)

	_, err = q.Enqueue(mutation("user", done))
	require.NoError(t, err)

	r1 := mutation("presence.subscribe", done)
	r1.Recovery = true
	r2 := mutation("presence.update", done)
	r2.Recovery = true
	require.NoError(t, q.EnqueueFront(r1, r2))

	list := q.List()
	require.Len(t, list, 4)
	assert.Equal(t, []string{"head", "presence.subscribe", "presence.update", "user"},
		[]string{list[0].Operation, list[1].Operation, list[2].Operation, list[3].Operation})

	close(release)
	for i := 0; i < 4; i++ {
		waitOutcome(t, done)
	}
	assert.Equal(t, []string{"head", "presence.subscribe", "presence.update", "user"}, sender.Ops())
}

func TestQueue_StopAbortsPending(t *testing.T) {
	reach := &fakeReach{online: false}
	q := New(DefaultConfig(), &fakeSender{}, &fakeAuth{}, reach, clockwork.NewFakeClock(), zap.NewNop())
	done := make(chan Outcome, 2)

	q.Start()
	_, err := q.Enqueue(mutation("a", done))
	require.NoError(t, err)
	_, err = q.Enqueue(mutation("b", done))
	require.NoError(t, err)

	q.Stop()
	for i := 0; i < 2; i++ {
		out := waitOutcome(t, done)
		assert.Equal(t, Aborted, out.State)
		assert.ErrorIs(t, out.Err, errs.ErrStopped)
	}

	_, err = q.Enqueue(mutation("c", done))
	assert.ErrorIs(t, err, errs.ErrStopped)
}
