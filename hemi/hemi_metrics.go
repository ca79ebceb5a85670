// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Engine metrics. A nil *Metrics records nothing.

package hemi

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of an engine.
type Metrics struct {
	requestsSent     prometheus.Counter
	responses        *prometheus.CounterVec // by status class
	failures         *prometheus.CounterVec // by reason
	retries          prometheus.Counter
	pipelineProblems prometheus.Counter
	connsOpened      prometheus.Counter
	connsClosed      prometheus.Counter
	bodyBytes        prometheus.Counter
}

// NewMetrics creates and registers the collectors to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "requests_sent_total",
			Help: "Requests fully written to connections, counting resends.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "responses_total",
			Help: "Requests finished with a response, by status class.",
		}, []string{"class"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "failures_total",
			Help: "Requests failed, by reason.",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "retries_total",
			Help: "Partially received responses restarted on a new connection.",
		}),
		pipelineProblems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "pipeline_problems_total",
			Help: "Framing violations and stalls seen on pipelined requests.",
		}),
		connsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "conns_opened_total",
			Help: "Connections established.",
		}),
		connsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "conns_closed_total",
			Help: "Connections closed.",
		}),
		bodyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hpipe", Subsystem: "http1", Name: "body_bytes_total",
			Help: "Response body bytes received, before content decoding.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsSent, m.responses, m.failures, m.retries, m.pipelineProblems, m.connsOpened, m.connsClosed, m.bodyBytes)
	}
	return m
}

func (m *Metrics) requestSent() {
	if m != nil {
		m.requestsSent.Inc()
	}
}
func (m *Metrics) responseFinished(status int) {
	if m != nil {
		m.responses.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
	}
}
func (m *Metrics) requestFailed(err error) {
	if m != nil {
		m.failures.WithLabelValues(failureReason(err)).Inc()
	}
}
func (m *Metrics) requestRetried() {
	if m != nil {
		m.retries.Inc()
	}
}
func (m *Metrics) pipelineProblem() {
	if m != nil {
		m.pipelineProblems.Inc()
	}
}
func (m *Metrics) connOpened() {
	if m != nil {
		m.connsOpened.Inc()
	}
}
func (m *Metrics) connClosed() {
	if m != nil {
		m.connsClosed.Inc()
	}
}
func (m *Metrics) bodyReceived(n int) {
	if m != nil {
		m.bodyBytes.Add(float64(n))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrConnectionRefused):
		return "refused"
	case errors.Is(err, ErrRepeatedFailed):
		return "repeated"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrBadContent):
		return "content"
	default:
		return "internal"
	}
}
