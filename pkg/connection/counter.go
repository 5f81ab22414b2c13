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

// Verdict classifies a counter value against the previous one
type Verdict int

const (
	// CounterBaseline is the first value seen in this session
	CounterBaseline Verdict = iota
	// CounterContinuous is exactly previous+1
	CounterContinuous
	// CounterReset is 0 after a non-zero value: a new server session
	CounterReset
	// CounterAnomaly is any other discontinuity
	CounterAnomaly
)

// String returns the string representation of the verdict
func (v Verdict) String() string {
	switch v {
	case CounterBaseline:
		return "baseline"
	case CounterContinuous:
		return "continuous"
	case CounterReset:
		return "reset"
	case CounterAnomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

// SessionCounter tracks the per-session sequence number carried by stream
// frames. Anomalies are reported, never corrected: the observed value always
// becomes the new reference.
type SessionCounter struct {
	last uint64
	seen bool
}

// Observe records v and returns its verdict along with the previous value
func (c *SessionCounter) Observe(v uint64) (Verdict, uint64) {
	prev := c.last
	if !c.seen {
		c.seen = true
		c.last = v
		return CounterBaseline, 0
	}
	c.last = v

	switch {
	case v == prev+1:
		return CounterContinuous, prev
	case v == 0 && prev != 0:
		return CounterReset, prev
	default:
		return CounterAnomaly, prev
	}
}

// Last returns the reference value, if any has been seen
func (c *SessionCounter) Last() (uint64, bool) {
	return c.last, c.seen
}

// Reset forgets the reference value
func (c *SessionCounter) Reset() {
	c.last = 0
	c.seen = false
}
