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

package connection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/realtime-client/pkg/errs"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
	"go.uber.org/zap"
)

type response struct {
	body *transport.ResponseBody
	err  error
}

// Request sends a request frame over the stream and waits for the response
// frame carrying the same request id. It fails with an Unreachable error
// wrapping errs.ErrStreamDown when the stream is not connected.
func (m *Manager) Request(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error) {
	id := uuid.New().String()
	frame, err := transport.NewRequestFrame(id, op, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan response, 1)
	m.mu.Lock()
	if m.state != Connected || m.stream == nil {
		m.mu.Unlock()
		return nil, errs.Wrap(errs.Unreachable, errs.ErrStreamDown)
	}
	stream := m.stream
	m.pending[id] = ch
	m.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && m.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}

	if err := stream.Send(ctx, frame); err != nil {
		m.forget(id)
		if ctx.Err() != nil {
			return nil, requestContextErr(ctx)
		}
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if !res.body.Success {
			if res.body.Error == nil {
				return nil, errs.New(errs.Unclassified, "request %s failed", op)
			}
			return nil, transport.ClassifyErrorBody(*res.body.Error)
		}
		return res.body.Data, nil
	case <-ctx.Done():
		m.forget(id)
		return nil, requestContextErr(ctx)
	}
}

// requestContextErr reports a timed-out request as unreachable; an explicit
// cancellation is returned as is
func requestContextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Wrap(errs.Unreachable, ctx.Err())
	}
	return ctx.Err()
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *Manager) resolve(f transport.Frame) {
	body, err := f.Response()
	if err != nil {
		m.logger.Warn("Failed to parse response frame", zap.Error(err))
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[body.RequestID]
	delete(m.pending, body.RequestID)
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("Response for unknown request", zap.String("request_id", body.RequestID))
		return
	}
	ch <- response{body: body}
}

func (m *Manager) failPendingLocked(err error) {
	for id, ch := range m.pending {
		ch <- response{err: err}
		delete(m.pending, id)
	}
}
