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

// Package retrypolicy turns configured backoff parameters into schedules.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Policy describes an exponential backoff: Initial, doubling, capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the randomization factor in [0, 1). Zero gives an exact
	// doubling sequence.
	Jitter float64
}

// Schedule is a running backoff sequence
type Schedule struct {
	b       *backoff.ExponentialBackOff
	attempt int
	next    time.Duration
}

// NewSchedule creates a schedule positioned at its first delay
func (p Policy) NewSchedule(clock clockwork.Clock) *Schedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	if clock != nil {
		b.Clock = clock
	}
	b.Reset()

	return &Schedule{b: b, next: p.Initial}
}

// Next returns the delay before the next attempt and advances the schedule.
// Jittered delays never exceed Max.
func (s *Schedule) Next() time.Duration {
	d := s.b.NextBackOff()
	if d > s.b.MaxInterval {
		d = s.b.MaxInterval
	}
	s.attempt++
	if s.next >= s.b.MaxInterval/2 {
		s.next = s.b.MaxInterval
	} else {
		s.next *= 2
	}
	return d
}

// Reset rewinds the schedule to the initial delay
func (s *Schedule) Reset() {
	s.b.Reset()
	s.attempt = 0
	s.next = s.b.InitialInterval
}

// Attempt is the number of delays handed out since the last reset
func (s *Schedule) Attempt() int {
	return s.attempt
}

// NextDelay is the un-jittered delay the next call to Next is based on
func (s *Schedule) NextDelay() time.Duration {
	return s.next
}
