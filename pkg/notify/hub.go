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

// Package notify provides an ordered, typed, in-process event fan-out used by
// each component to announce its state changes.
package notify

import (
	"sync"
)

// Hub delivers published events to every subscriber in publish order.
// Publish never blocks: each subscriber has its own unbounded queue drained
// by a dedicated goroutine, so a slow consumer only delays itself.
type Hub[E any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[E]
	nextID uint64
	closed bool
}

// NewHub creates an empty hub
func NewHub[E any]() *Hub[E] {
	return &Hub[E]{subs: make(map[uint64]*Subscription[E])}
}

// Subscription is a single consumer of a Hub
type Subscription[E any] struct {
	hub   *Hub[E]
	id    uint64
	ch    chan E
	mu    sync.Mutex
	queue []E
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Subscribe registers a new consumer. The returned channel is closed when
// the subscription or the hub is closed.
func (h *Hub[E]) Subscribe() *Subscription[E] {
	s := &Subscription[E]{
		hub:  h,
		ch:   make(chan E),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.done)
		close(s.ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.pump()
	return s
}

// Publish queues e for every current subscriber
func (h *Hub[E]) Publish(e E) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		s.push(e)
	}
}

// Close closes every subscription. Later publishes are dropped.
func (h *Hub[E]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription[E])
	h.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// C returns the delivery channel
func (s *Subscription[E]) C() <-chan E {
	return s.ch
}

// Close unregisters the subscription. Undelivered events are discarded.
func (s *Subscription[E]) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.stop()
}

func (s *Subscription[E]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription[E]) push(e E) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[E]) pump() {
	defer close(s.ch)

	var zero E
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}
