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
	"encoding/json"
	"time"

	"github.com/wso2/api-platform/realtime-client/pkg/errs"
)

// Category tells the queue whether a request may be retried
type Category int

const (
	// CategoryMutation requests are owned by the queue until terminal
	CategoryMutation Category = iota
	// CategoryQuery requests are sent once and fail fast
	CategoryQuery
	// CategoryFetchByID requests are sent once and fail fast
	CategoryFetchByID
)

// String returns the string representation of the category
func (c Category) String() string {
	switch c {
	case CategoryMutation:
		return "mutation"
	case CategoryQuery:
		return "query"
	case CategoryFetchByID:
		return "fetch_by_id"
	default:
		return "unknown"
	}
}

// Exempt reports whether the category bypasses the queue
func (c Category) Exempt() bool {
	return c == CategoryQuery || c == CategoryFetchByID
}

// Route selects the transport a request is delivered over
type Route string

const (
	RouteStream Route = "stream"
	RouteREST   Route = "rest"
)

// State is the lifecycle state of a queued request
type State int

const (
	Pending State = iota
	InFlight
	WaitingOffline
	Retrying
	Aborted
	Completed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case WaitingOffline:
		return "waiting_offline"
	case Retrying:
		return "retrying"
	case Aborted:
		return "aborted"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions happen from s
func (s State) Terminal() bool {
	return s == Aborted || s == Completed
}

// Request is an outbound operation. Operation and Payload are used for
// stream delivery; Method, Path and Payload for REST.
type Request struct {
	ID        string
	Operation string
	Category  Category
	Route     Route
	Method    string
	Path      string
	Payload   json.RawMessage
	// Recovery marks requests issued by the connection manager after a
	// (re)connect
	Recovery bool
	// OnDone is invoked once with the terminal outcome. It runs on its own
	// goroutine.
	OnDone func(Outcome)
}

// Outcome is the terminal result of a request
type Outcome struct {
	ID       string
	State    State
	Response json.RawMessage
	Err      error
	Class    errs.Class
	Attempts int
}

// Info is a point-in-time view of a queued request
type Info struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	Route      Route     `json:"route"`
	State      State     `json:"-"`
	StateName  string    `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	Recovery   bool      `json:"recovery"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Event is emitted by the Queue. Variants: RequestCompleted, RequestAborted.
type Event interface {
	queueEvent()
}

// RequestCompleted is emitted when a request succeeds
type RequestCompleted struct {
	ID        string
	Operation string
	Response  json.RawMessage
	Attempts  int
}

// RequestAborted is emitted when a request fails terminally or is cancelled
type RequestAborted struct {
	ID        string
	Operation string
	Err       error
	Class     errs.Class
	Attempts  int
}

func (RequestCompleted) queueEvent() {}
func (RequestAborted) queueEvent()   {}
