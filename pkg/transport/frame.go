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
	"encoding/json"
	"time"
)

// Frame types carried by the stream
const (
	FrameChange   = "change"
	FrameResponse = "response"
	FrameRequest  = "request"
	FrameSignal   = "signal"
)

// Frame is the stream envelope. Counter is present on frames that take part
// in session sequencing.
type Frame struct {
	Type      string          `json:"type"`                // change, response, request, signal
	Counter   *uint64         `json:"counter,omitempty"`   // per-session sequence number
	Timestamp string          `json:"timestamp,omitempty"` // RFC3339 server time
	Body      json.RawMessage `json:"body,omitempty"`
}

// RequestBody is the body of a client request frame
type RequestBody struct {
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ResponseBody is the body of a server response frame
type ResponseBody struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error shape shared by REST responses and stream responses
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// ChangeBody is the body of a change frame
type ChangeBody struct {
	Operation string          `json:"operation"` // create, update, delete
	Object    ObjectRef       `json:"object"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ObjectRef identifies the object a change applies to
type ObjectRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// HasCounter reports whether the frame carries a sequence counter
func (f Frame) HasCounter() bool {
	return f.Counter != nil
}

// Time parses the frame timestamp. Zero when absent or malformed.
func (f Frame) Time() time.Time {
	if f.Timestamp == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Change decodes a change frame body
func (f Frame) Change() (*ChangeBody, error) {
	var c ChangeBody
	if err := json.Unmarshal(f.Body, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Response decodes a response frame body
func (f Frame) Response() (*ResponseBody, error) {
	var r ResponseBody
	if err := json.Unmarshal(f.Body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// NewRequestFrame builds a request frame
func NewRequestFrame(requestID, method string, data json.RawMessage) (Frame, error) {
	body, err := json.Marshal(RequestBody{RequestID: requestID, Method: method, Data: data})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameRequest, Body: body}, nil
}
