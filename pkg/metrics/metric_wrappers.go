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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Enabled indicates whether metrics collection is enabled.
// Set once at startup via SetEnabled, before Init.
var Enabled bool

// Counter wraps prometheus.Counter with a noop implementation when disabled
type Counter interface {
	Inc()
	Add(float64)
}

// CounterVec wraps prometheus.CounterVec with a noop implementation when disabled
type CounterVec interface {
	WithLabelValues(labels ...string) Counter
}

// Gauge wraps prometheus.Gauge with a noop implementation when disabled
type Gauge interface {
	Set(float64)
	Inc()
	Dec()
}

// GaugeVec wraps prometheus.GaugeVec with a noop implementation when disabled
type GaugeVec interface {
	WithLabelValues(labels ...string) Gauge
	Reset()
}

// Histogram wraps prometheus.Histogram with a noop implementation when disabled
type Histogram interface {
	Observe(float64)
}

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}

type noopGaugeVec struct{}

func (noopGaugeVec) WithLabelValues(...string) Gauge { return noopGauge{} }
func (noopGaugeVec) Reset()                          {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}

type counterVecWrapper struct {
	*prometheus.CounterVec
}

func (c *counterVecWrapper) WithLabelValues(labels ...string) Counter {
	return c.CounterVec.WithLabelValues(labels...)
}

type gaugeVecWrapper struct {
	*prometheus.GaugeVec
}

func (g *gaugeVecWrapper) WithLabelValues(labels ...string) Gauge {
	return g.GaugeVec.WithLabelValues(labels...)
}

// SetEnabled sets whether metrics collection is enabled.
// This must be called before Init() for proper effect.
func SetEnabled(e bool) {
	Enabled = e
}

// IsEnabled returns whether metrics collection is enabled
func IsEnabled() bool {
	return Enabled
}

func newCounterVec(opts prometheus.CounterOpts, labelNames []string) (CounterVec, prometheus.Collector) {
	if Enabled {
		v := prometheus.NewCounterVec(opts, labelNames)
		return &counterVecWrapper{v}, v
	}
	return noopCounterVec{}, nil
}

func newCounter(opts prometheus.CounterOpts) (Counter, prometheus.Collector) {
	if Enabled {
		c := prometheus.NewCounter(opts)
		return c, c
	}
	return noopCounter{}, nil
}

func newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) (GaugeVec, prometheus.Collector) {
	if Enabled {
		v := prometheus.NewGaugeVec(opts, labelNames)
		return &gaugeVecWrapper{v}, v
	}
	return noopGaugeVec{}, nil
}

func newGauge(opts prometheus.GaugeOpts) (Gauge, prometheus.Collector) {
	if Enabled {
		g := prometheus.NewGauge(opts)
		return g, g
	}
	return noopGauge{}, nil
}

func newHistogram(opts prometheus.HistogramOpts) (Histogram, prometheus.Collector) {
	if Enabled {
		h := prometheus.NewHistogram(opts)
		return h, h
	}
	return noopHistogram{}, nil
}
