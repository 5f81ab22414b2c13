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

	"github.com/wso2/api-platform/realtime-client/pkg/syncqueue"
)

// RESTDoer performs REST calls
type RESTDoer interface {
	Do(ctx context.Context, method, path string, payload json.RawMessage) (json.RawMessage, error)
}

// StreamRequester performs request/response exchanges over the stream
type StreamRequester interface {
	Request(ctx context.Context, op string, data json.RawMessage) (json.RawMessage, error)
}

// routingSender delivers a request over the transport its route names
type routingSender struct {
	rest   RESTDoer
	stream StreamRequester
}

func (s *routingSender) Send(ctx context.Context, req *syncqueue.Request) (json.RawMessage, error) {
	if req.Route == syncqueue.RouteREST {
		return s.rest.Do(ctx, req.Method, req.Path, req.Payload)
	}
	return s.stream.Request(ctx, req.Operation, req.Payload)
}
