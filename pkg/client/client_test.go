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

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/realtime-client/pkg/config"
	"github.com/wso2/api-platform/realtime-client/pkg/connection"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/syncqueue"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockServer is a minimal messaging server: REST endpoints plus a stream
// that answers every request frame
type mockServer struct {
	*httptest.Server
	mu      sync.Mutex
	methods []string
}

func (s *mockServer) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	s := &mockServer{}
	mux := http.NewServeMux()

	mux.HandleFunc(transport.ProbePath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(transport.ValidatePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":"alice"}`))
	})
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"i1"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":"i1"}]`))
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("session_token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		var counter uint64
		for {
			var f transport.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != transport.FrameRequest {
				continue
			}
			var req transport.RequestBody
			if err := json.Unmarshal(f.Body, &req); err != nil {
				continue
			}
			s.mu.Lock()
			s.methods = append(s.methods, req.Method)
			s.mu.Unlock()

			data, _ := json.Marshal(map[string]string{"method": req.Method})
			body, _ := json.Marshal(transport.ResponseBody{RequestID: req.RequestID, Success: true, Data: data})
			c := counter
			counter++
			if err := conn.WriteJSON(transport.Frame{Type: transport.FrameResponse, Counter: &c, Body: body}); err != nil {
				return
			}
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Server.BaseURL = baseURL
	cfg.Server.StreamURL = "ws" + strings.TrimPrefix(baseURL, "http") + "/stream"
	cfg.Server.RequestTimeout = 2 * time.Second
	cfg.Auth.SessionToken = "tok"
	cfg.Connection.HandshakeTimeout = 2 * time.Second
	cfg.Connection.RequestTimeout = 2 * time.Second
	cfg.Presence.Followed = []string{"bob"}
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestClient_Running(t *testing.T) {
	server := newMockServer(t)
	c := newTestClient(t, testConfig(t, server.URL))
	assert.False(t, c.Running())

	c.Start()
	assert.True(t, c.Running())

	c.Stop()
	assert.False(t, c.Running())
	c.Start()
	assert.False(t, c.Running(), "a stopped client cannot be restarted")
}

func TestClient_EndToEnd(t *testing.T) {
	server := newMockServer(t)
	c := newTestClient(t, testConfig(t, server.URL))
	c.Start()

	require.Eventually(t, func() bool {
		s := c.Status()
		return s.Connection.State == connection.Connected && s.QueueDepth == 0 && len(server.Methods()) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{connection.OpPresenceSubscribe, connection.OpPresenceUpdate}, server.Methods()[:2])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("stream mutation", func(t *testing.T) {
		data, err := c.Send(ctx, &syncqueue.Request{
			Operation: "messages.send",
			Route:     syncqueue.RouteStream,
			Payload:   json.RawMessage(`{"text":"hi"}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"method":"messages.send"}`, string(data))
	})

	t.Run("rest mutation", func(t *testing.T) {
		data, err := c.Send(ctx, &syncqueue.Request{
			Operation: "items.create",
			Route:     syncqueue.RouteREST,
			Method:    http.MethodPost,
			Path:      "/items",
			Payload:   json.RawMessage(`{"name":"i1"}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"i1"}`, string(data))
	})

	t.Run("query bypasses the queue", func(t *testing.T) {
		data, err := c.Send(ctx, &syncqueue.Request{
			Operation: "items.list",
			Category:  syncqueue.CategoryQuery,
			Route:     syncqueue.RouteREST,
			Method:    http.MethodGet,
			Path:      "/items",
		})
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":"i1"}]`, string(data))
	})

	t.Run("presence update", func(t *testing.T) {
		require.NoError(t, c.UpdatePresence(ctx, "away"))
		assert.Equal(t, "away", c.Presence().Status())
	})

	status := c.Status()
	assert.Equal(t, "online", status.Reachability.StatusName)
	assert.Empty(t, c.Requests())
}

func TestClient_OfflineFailsFast(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	cfg := testConfig(t, baseURL)
	cfg.Reachability.SilenceThreshold = 50 * time.Millisecond
	cfg.Reachability.ProbeInitial = 20 * time.Millisecond
	cfg.Reachability.ProbeTimeout = 200 * time.Millisecond
	c := newTestClient(t, cfg)
	c.Start()

	require.Eventually(t, func() bool {
		return c.Status().Reachability.StatusName == "offline"
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("exempt request", func(t *testing.T) {
		_, err := c.Do(context.Background(), &syncqueue.Request{
			Operation: "items.get",
			Category:  syncqueue.CategoryFetchByID,
			Route:     syncqueue.RouteREST,
			Method:    http.MethodGet,
			Path:      "/items/i1",
		})
		assert.True(t, errs.IsClass(err, errs.Unreachable))
	})

	t.Run("queued mutation waits and is cancelled with the context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := c.Send(ctx, &syncqueue.Request{Operation: "messages.send"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, c.Status().QueueDepth)
	})

	t.Run("hint does not change status", func(t *testing.T) {
		c.ReportConnectivityHint(true)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, "offline", c.Status().Reachability.StatusName)
	})
}

type fakeREST struct{ path string }

func (f *fakeREST) Do(ctx context.Context, method, path string, payload json.RawMessage) (json.RawMessage, error) {
	f.path = method + " " + path
	return json.RawMessage(`"rest"`), nil
}

type fakeStream struct{ op string }

func (f *fakeStream) Request(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error) {
	f.op = op
	return json.RawMessage(`"stream"`), nil
}

func TestRoutingSender(t *testing.T) {
	rest := &fakeREST{}
	stream := &fakeStream{}
	s := &routingSender{rest: rest, stream: stream}

	data, err := s.Send(context.Background(), &syncqueue.Request{Operation: "items.create", Route: syncqueue.RouteREST, Method: "POST", Path: "/items"})
	require.NoError(t, err)
	assert.Equal(t, `"rest"`, string(data))
	assert.Equal(t, "POST /items", rest.path)

	data, err = s.Send(context.Background(), &syncqueue.Request{Operation: "presence.update", Route: syncqueue.RouteStream})
	require.NoError(t, err)
	assert.Equal(t, `"stream"`, string(data))
	assert.Equal(t, "presence.update", stream.op)
}
