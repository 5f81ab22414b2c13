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
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/realtime-client/pkg/syncqueue"
	"github.com/wso2/api-platform/realtime-client/pkg/transport"
)

// Recovery operations
const (
	OpPresenceSubscribe = "presence.subscribe"
	OpPresenceUpdate    = "presence.update"
	OpEventsReplay      = "events.replay"
	OpPresenceSync      = "presence.sync"
)

// RecoveryState supplies the payloads of recovery sequences
type RecoveryState interface {
	Status() string
	Followed() []string
	LastEventAt() time.Time
	LastPresenceAt() time.Time
	ObserveFrame(f transport.Frame)
}

type subscribePayload struct {
	IDs []string `json:"ids"`
}

type updatePayload struct {
	Status string `json:"status"`
}

type sincePayload struct {
	Since string `json:"since,omitempty"`
}

func since(t time.Time) sincePayload {
	if t.IsZero() {
		return sincePayload{}
	}
	return sincePayload{Since: t.UTC().Format(time.RFC3339Nano)}
}

// recoveryRequests builds the ordered request list of a recovery sequence
func recoveryRequests(kind RecoveryKind, state RecoveryState) ([]*syncqueue.Request, error) {
	type step struct {
		op      string
		payload any
	}

	subscribe := step{OpPresenceSubscribe, subscribePayload{IDs: state.Followed()}}
	update := step{OpPresenceUpdate, updatePayload{Status: state.Status()}}

	var steps []step
	switch kind {
	case FirstConnect:
		steps = []step{subscribe, update}
	default:
		steps = []step{
			{OpEventsReplay, since(state.LastEventAt())},
			subscribe,
			update,
			{OpPresenceSync, since(state.LastPresenceAt())},
		}
	}

	reqs := make([]*syncqueue.Request, 0, len(steps))
	for _, s := range steps {
		data, err := json.Marshal(s.payload)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, &syncqueue.Request{
			ID:        uuid.New().String(),
			Operation: s.op,
			Category:  syncqueue.CategoryMutation,
			Route:     syncqueue.RouteStream,
			Payload:   data,
			Recovery:  true,
		})
	}
	return reqs, nil
}
