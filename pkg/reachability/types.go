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

package reachability

import (
	"time"
)

// Status is the binary reachability belief
type Status int

const (
	// Online means the server is believed reachable
	Online Status = iota
	// Offline means nothing was heard from the server within the silence
	// threshold and no probe has succeeded since
	Offline
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Probe triggers
const (
	TriggerSchedule = "schedule"
	TriggerHint     = "hint"
	TriggerRequest  = "request"
)

// Event is emitted by the Monitor. Variants: Transition, ProbeCompleted.
type Event interface {
	reachabilityEvent()
}

// Transition is emitted exactly when the status flips
type Transition struct {
	Online bool
	At     time.Time
}

// ProbeCompleted is emitted after every probe attempt
type ProbeCompleted struct {
	Success bool
	Attempt int    // position in the current probe schedule, 0 for out-of-schedule probes while online
	Trigger string // schedule, hint or request
	// NextDelay is the delay before the next scheduled probe; zero when none is scheduled
	NextDelay time.Duration
	Err       error
}

func (Transition) reachabilityEvent()     {}
func (ProbeCompleted) reachabilityEvent() {}

// ProbeSchedule is the state of the offline probe backoff
type ProbeSchedule struct {
	NextDelay time.Duration `json:"nextDelay"`
	Attempt   int           `json:"attempt"`
}

// Snapshot is a point-in-time copy of the monitor state
type Snapshot struct {
	Status        Status         `json:"-"`
	StatusName    string         `json:"status"`
	LastDataAt    time.Time      `json:"lastDataAt"`
	Probe         *ProbeSchedule `json:"probe,omitempty"`
	ProbeInFlight bool           `json:"probeInFlight"`
	ProbePending  bool           `json:"probePending"`
}
