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
	"time"
)

// State represents the connection state
type State int

const (
	// Disconnected - no stream and no attempt in progress
	Disconnected State = iota
	// Validating - preflight check of the session credential
	Validating
	// Connecting - opening the stream
	Connecting
	// Connected - stream open
	Connected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Validating:
		return "validating"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// States lists every state, in lifecycle order
var States = []State{Disconnected, Validating, Connecting, Connected}

// RecoveryKind names a recovery sequence
type RecoveryKind string

const (
	// FirstConnect runs after the first successful connect of a session
	FirstConnect RecoveryKind = "first_connect"
	// Reconnect runs after every later connect and after a server session reset
	Reconnect RecoveryKind = "reconnect"
)

// Snapshot is a point-in-time copy of the manager state
type Snapshot struct {
	State              State         `json:"-"`
	StateName          string        `json:"state"`
	Counter            *uint64       `json:"counter,omitempty"`
	LastConnected      time.Time     `json:"lastConnected,omitempty"`
	ReconnectAttempt   int           `json:"reconnectAttempt"`
	NextReconnectDelay time.Duration `json:"nextReconnectDelay"`
	ReconnectPending   bool          `json:"reconnectPending"`
	Suspended          bool          `json:"suspended"`
	AwaitingResume     bool          `json:"awaitingResume"`
	RecoveryKind       RecoveryKind  `json:"recoveryKind,omitempty"`
	RecoveryPending    int           `json:"recoveryPending"`
}

// Event is emitted by the Manager. Variants: StateChanged, SessionReset,
// SequenceAnomaly, RecoveryStarted, Ready, AuthenticationFailed.
type Event interface {
	connectionEvent()
}

// StateChanged is emitted on every state transition
type StateChanged struct {
	From State
	To   State
}

// SessionReset is emitted when the counter returns to 0 after a non-zero value
type SessionReset struct {
	Previous uint64
}

// SequenceAnomaly is emitted for any other counter discontinuity
type SequenceAnomaly struct {
	Previous uint64
	Got      uint64
}

// RecoveryStarted is emitted when a recovery sequence is enqueued
type RecoveryStarted struct {
	Kind       RecoveryKind
	RequestIDs []string
}

// Ready is emitted once every request of the current recovery sequence is
// terminal
type Ready struct {
	Kind   RecoveryKind
	Failed int
}

// AuthenticationFailed is emitted when re-authentication during validation
// fails. The manager stays disconnected until Resume.
type AuthenticationFailed struct {
	Err error
}

func (StateChanged) connectionEvent()         {}
func (SessionReset) connectionEvent()         {}
func (SequenceAnomaly) connectionEvent()      {}
func (RecoveryStarted) connectionEvent()      {}
func (Ready) connectionEvent()                {}
func (AuthenticationFailed) connectionEvent() {}
