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
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"go.uber.org/zap"
)

// ErrClosed is reported by Err after a local Close
var ErrClosed = errors.New("stream closed")

// Stream is an open streaming session
type Stream interface {
	// Frames delivers received frames in order. It is closed when the
	// stream ends, after which Err reports why.
	Frames() <-chan Frame
	Err() error
	Send(ctx context.Context, f Frame) error
	// Ping sends a liveness probe and waits for the answer
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens streams
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// WebSocketConfig configures a WebSocketDialer
type WebSocketConfig struct {
	URL                string
	HandshakeTimeout   time.Duration
	InsecureSkipVerify bool
}

// WebSocketDialer opens streams over gorilla/websocket
type WebSocketDialer struct {
	cfg        WebSocketConfig
	onLiveness func()
	logger     *zap.Logger
}

// NewWebSocketDialer creates a websocket dialer
func NewWebSocketDialer(cfg WebSocketConfig, logger *zap.Logger) *WebSocketDialer {
	return &WebSocketDialer{cfg: cfg, logger: logger}
}

// SetLivenessHook registers fn to be called on every received frame and pong
func (d *WebSocketDialer) SetLivenessHook(fn func()) {
	d.onLiveness = fn
}

// Dial opens the stream using token as the session credential
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Stream, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("session_token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		},
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			d.logger.Warn("Stream handshake rejected",
				zap.Error(err),
				zap.Int("status_code", resp.StatusCode),
			)
			return nil, ClassifyResponse(resp.StatusCode, nil)
		}
		return nil, errs.Wrap(errs.Unreachable, err)
	}

	return newWSStream(conn, d.onLiveness, d.logger), nil
}

type wsStream struct {
	conn       *websocket.Conn
	frames     chan Frame
	pong       chan struct{}
	done       chan struct{}
	writeMu    sync.Mutex
	closeOnce  sync.Once
	errMu      sync.Mutex
	err        error
	onLiveness func()
	logger     *zap.Logger
}

func newWSStream(conn *websocket.Conn, onLiveness func(), logger *zap.Logger) *wsStream {
	s := &wsStream{
		conn:       conn,
		frames:     make(chan Frame, 64),
		pong:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		onLiveness: onLiveness,
		logger:     logger,
	}

	conn.SetPongHandler(func(string) error {
		s.liveness()
		select {
		case s.pong <- struct{}{}:
		default:
		}
		return nil
	})

	go s.readLoop()
	return s
}

func (s *wsStream) Frames() <-chan Frame {
	return s.frames
}

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) readLoop() {
	defer close(s.frames)

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}

		s.liveness()

		if messageType != websocket.TextMessage {
			s.logger.Debug("Ignoring non-text message", zap.Int("message_type", messageType))
			continue
		}

		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.logger.Warn("Failed to parse stream frame", zap.Error(err))
			continue
		}

		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(errs.Unreachable, err)
	}
	return nil
}

func (s *wsStream) Ping(ctx context.Context) error {
	// drop a pong left over from an earlier ping
	select {
	case <-s.pong:
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
	s.writeMu.Unlock()
	if err != nil {
		return errs.Wrap(errs.Unreachable, fmt.Errorf("failed to send ping: %w", err))
	}

	select {
	case <-s.pong:
		return nil
	case <-s.done:
		return errs.Wrap(errs.Unreachable, errs.ErrStreamDown)
	case <-ctx.Done():
		return errs.Wrap(errs.Unreachable, fmt.Errorf("pong not received: %w", ctx.Err()))
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client closing connection")
		_ = s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		select {
		case <-s.done:
			s.err = ErrClosed
		default:
			s.err = err
		}
	}
}

func (s *wsStream) liveness() {
	if s.onLiveness != nil {
		s.onLiveness()
	}
}
