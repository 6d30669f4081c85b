// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability provides Prometheus metrics for the runtime,
// grounded on the teacher's pkg/observability/metrics.go: one CounterVec or
// HistogramVec per subsystem, registered on a private registry and served
// over /metrics via promhttp.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokens       *prometheus.CounterVec

	toolCalls        *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	contextTrims *prometheus.CounterVec

	skillMatches *prometheus.CounterVec

	broadcastDropped *prometheus.CounterVec
}

// New creates a Metrics instance with a fresh, private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "run",
		Name:      "started_total",
		Help:      "Total number of runs started",
	}, []string{"agent_id"})

	m.runsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "run",
		Name:      "completed_total",
		Help:      "Total number of runs completed, by terminal status",
	}, []string{"agent_id", "status"})

	m.runsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: "run",
		Name:      "active",
		Help:      "Number of runs currently in progress",
	})

	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total number of LLM driver stream calls",
	}, []string{"model", "provider", "dialect"})

	m.llmCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "llm",
		Name:      "call_duration_seconds",
		Help:      "LLM driver stream call duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model", "provider", "dialect"})

	m.llmTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Total tokens accounted for, by kind",
	}, []string{"model", "kind"}) // kind: prompt|completion

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Total number of tool invocations, by success",
	}, []string{"tool_name", "success"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "tool",
		Name:      "call_duration_seconds",
		Help:      "Tool execution duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"tool_name"})

	m.contextTrims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "context",
		Name:      "trims_total",
		Help:      "Total number of context-manager trims applied, by strategy",
	}, []string{"strategy"})

	m.skillMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "skill",
		Name:      "matches_total",
		Help:      "Total number of skill matches, by reason",
	}, []string{"skill_id", "reason"})

	m.broadcastDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Total number of events dropped for lagging subscribers",
	}, []string{"run_id"})

	m.registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runsActive,
		m.llmCalls, m.llmCallDuration, m.llmTokens,
		m.toolCalls, m.toolCallDuration,
		m.contextTrims, m.skillMatches, m.broadcastDropped,
	)

	return m
}

// Handler returns the HTTP handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted(agentID string) {
	m.runsStarted.WithLabelValues(agentID).Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunCompleted(agentID, status string) {
	m.runsCompleted.WithLabelValues(agentID, status).Inc()
	m.runsActive.Dec()
}

func (m *Metrics) ObserveLLMCall(model, provider, dialect string, seconds float64) {
	m.llmCalls.WithLabelValues(model, provider, dialect).Inc()
	m.llmCallDuration.WithLabelValues(model, provider, dialect).Observe(seconds)
}

func (m *Metrics) AddTokens(model, kind string, n int) {
	if n <= 0 {
		return
	}
	m.llmTokens.WithLabelValues(model, kind).Add(float64(n))
}

func (m *Metrics) ObserveToolCall(toolName string, success bool, seconds float64) {
	m.toolCalls.WithLabelValues(toolName, boolLabel(success)).Inc()
	m.toolCallDuration.WithLabelValues(toolName).Observe(seconds)
}

func (m *Metrics) ContextTrimApplied(strategy string) {
	m.contextTrims.WithLabelValues(strategy).Inc()
}

func (m *Metrics) SkillMatched(skillID, reason string) {
	m.skillMatches.WithLabelValues(skillID, reason).Inc()
}

func (m *Metrics) BroadcastDropped(runID string) {
	m.broadcastDropped.WithLabelValues(runID).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
