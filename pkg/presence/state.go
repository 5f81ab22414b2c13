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

// Package presence tracks the client-side presence state and the stream
// positions that recovery sequences resume from.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/wso2/api-platform/realtime-client/pkg/transport"
)

// ObjectType is the change-frame object type carrying presence updates
const ObjectType = "presence"

// State is the presence and position bookkeeping of one client
type State struct {
	mu             sync.RWMutex
	status         string
	followed       map[string]struct{}
	lastEventAt    time.Time
	lastPresenceAt time.Time
}

// NewState creates a presence state
func NewState(status string, followed []string) *State {
	s := &State{
		status:   status,
		followed: make(map[string]struct{}, len(followed)),
	}
	for _, id := range followed {
		if id != "" {
			s.followed[id] = struct{}{}
		}
	}
	return s
}

// Status returns the last-known presence status of this client
func (s *State) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus records the presence status to announce on (re)connect
func (s *State) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Follow adds identities whose presence is subscribed to
func (s *State) Follow(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			s.followed[id] = struct{}{}
		}
	}
}

// Unfollow removes identities
func (s *State) Unfollow(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.followed, id)
	}
}

// Followed returns the followed identities in sorted order
func (s *State) Followed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.followed))
	for id := range s.followed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastEventAt is the server time of the newest change seen on the stream
func (s *State) LastEventAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEventAt
}

// LastPresenceAt is the server time of the newest presence change seen
func (s *State) LastPresenceAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPresenceAt
}

// ObserveFrame advances the stream positions from a received frame.
// Positions never move backwards.
func (s *State) ObserveFrame(f transport.Frame) {
	if f.Type != transport.FrameChange {
		return
	}
	at := f.Time()
	if at.IsZero() {
		return
	}

	isPresence := false
	if change, err := f.Change(); err == nil && change.Object.Type == ObjectType {
		isPresence = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastEventAt) {
		s.lastEventAt = at
	}
	if isPresence && at.After(s.lastPresenceAt) {
		s.lastPresenceAt = at
	}
}
