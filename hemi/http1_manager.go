// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x connection manager. It pools connections per destination and dispatches requests.

package hemi

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DialFunc creates an unconnected transport to dest.
type DialFunc func(dest *Destination) Transport

// Manager owns destinations and their connections. All methods must be called on the loop goroutine.
type Manager struct {
	// Assocs
	timers  TimerService
	dial    DialFunc
	config  *Config
	logger  *zap.Logger
	metrics *Metrics
	access  Logger
	// States
	dests      map[string]*Destination
	placed     map[*Request]*Conn // requests on connections
	started    map[*Request]time.Time
	lastConnID int64
	closed     bool
	// OnPipelineReload, if set, receives requests that were answered on a pipeline that later
	// broke. Their responses may belong to other requests.
	OnPipelineReload func(ids []uuid.UUID)
}

func NewManager(timers TimerService, dial DialFunc, config *Config, logger *zap.Logger, metrics *Metrics) (*Manager, error) {
	access, err := CreateLogger(config.AccessLog, config.AccessLogConfig())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		timers:  timers,
		dial:    dial,
		config:  config,
		logger:  logger,
		metrics: metrics,
		access:  access,
		dests:   make(map[string]*Destination),
		placed:  make(map[*Request]*Conn),
		started: make(map[*Request]time.Time),
	}
	return m, nil
}

// SetConfig applies config to connections created from now on and to destinations.
func (m *Manager) SetConfig(config *Config) {
	m.config = config
	for _, dest := range m.dests {
		dest.applyConfig(config)
	}
}

func (m *Manager) Config() *Config { return m.config }

// Destination returns the destination of addr and secure, creating it if needed.
func (m *Manager) Destination(addr string, secure string) *Destination {
	key := destKey(addr, secure)
	dest, ok := m.dests[key]
	if !ok {
		dest = NewDestination(addr, secure, m.config)
		m.dests[key] = dest
	}
	return dest
}

// AddRequest dispatches req to a connection to addr. On error req is not taken.
func (m *Manager) AddRequest(addr string, req *Request) error {
	if m.closed {
		return ErrNoMoreRequests
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	secure := ""
	if req.Secure {
		secure = "tls"
	}
	dest := m.Destination(addr, secure)
	m.started[req] = m.timers.Now()
	if err := m.dispatch(dest, req); err != nil {
		delete(m.started, req)
		return err
	}
	return nil
}

// dispatch puts req on a connection of dest, or makes it pending.
func (m *Manager) dispatch(dest *Destination, req *Request) error {
	for _, conn := range dest.conns { // reuse idle connections first
		if conn.IsIdle() {
			return m.place(conn, req)
		}
	}
	if len(dest.conns) < int(m.config.MaxConnsPerDest) {
		conn := m.newConn(dest)
		if err := m.place(conn, req); err != nil {
			m.forgetConn(conn)
			return err
		}
		conn.Connect()
		return nil
	}
	for _, conn := range dest.conns { // pipeline behind busy connections
		if conn.CanTakeNow() {
			return m.place(conn, req)
		}
	}
	dest.pending = append(dest.pending, req)
	return nil
}

func (m *Manager) place(conn *Conn, req *Request) error {
	if err := conn.AddRequest(req, false); err != nil {
		return err
	}
	if conn.queue.indexOf(req) >= 0 { // not moved or finished already
		m.placed[req] = conn
	}
	return nil
}

func (m *Manager) newConn(dest *Destination) *Conn {
	m.lastConnID++
	conn := newConn(m.lastConnID, m, dest, m.dial(dest), m.timers, m.config, m.logger, m.metrics)
	dest.conns = append(dest.conns, conn)
	return conn
}

// Cancel withdraws req. Its sink gets ErrCanceled.
func (m *Manager) Cancel(req *Request) bool {
	if conn, ok := m.placed[req]; ok {
		return conn.RemoveRequest(req)
	}
	for _, dest := range m.dests {
		for i, pending := range dest.pending {
			if pending == req {
				dest.pending = append(dest.pending[:i], dest.pending[i+1:]...)
				if req.fail(ErrCanceled) {
					m.requestDone(nil, req, 0, ErrCanceled)
				}
				return true
			}
		}
	}
	return false
}

// Close fails all requests and closes all connections.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for _, dest := range m.dests {
		for _, req := range dest.pending {
			if req.fail(ErrCanceled) {
				m.requestDone(nil, req, 0, ErrCanceled)
			}
		}
		dest.pending = nil
		for _, conn := range append([]*Conn(nil), dest.conns...) {
			conn.Abort(ErrCanceled)
		}
	}
	m.access.Close()
	return nil
}

// Stats tells the numbers of connections, requests on them, and pending requests.
func (m *Manager) Stats() (conns int, placed int, pending int) {
	for _, dest := range m.dests {
		conns += len(dest.conns)
		pending += len(dest.pending)
	}
	return conns, len(m.placed), pending
}

func (m *Manager) requeue(conn *Conn, req *Request) error {
	delete(m.placed, req)
	if m.closed {
		return ErrCanceled
	}
	return m.dispatch(conn.dest, req)
}

func (m *Manager) connIdle(conn *Conn) {
	dest := conn.dest
	for len(dest.pending) > 0 && conn.AcceptsNewRequests() {
		req := dest.pending[0]
		dest.pending = dest.pending[1:]
		if err := m.place(conn, req); err != nil {
			dest.pending = append([]*Request{req}, dest.pending...)
			return
		}
		if !conn.CanTakeNow() {
			return
		}
	}
	// Nothing pending. Take over unsent tails queued on siblings.
	for _, other := range dest.conns {
		if !conn.IsIdle() {
			return
		}
		if other != conn && other.UnsentRequestCount() > 0 && !other.HasPriorityRequest() {
			other.MoveLastRequestToANewConnection()
		}
	}
}

func (m *Manager) forgetConn(conn *Conn) {
	dest := conn.dest
	for i, c := range dest.conns {
		if c == conn {
			dest.conns = append(dest.conns[:i], dest.conns[i+1:]...)
			return
		}
	}
}

func (m *Manager) connFinished(conn *Conn) {
	m.forgetConn(conn)
	dest := conn.dest
	if m.closed || len(dest.pending) == 0 {
		return
	}
	pending := dest.pending
	dest.pending = nil
	for i, req := range pending {
		if err := m.dispatch(dest, req); err != nil {
			if errors.Is(err, ErrNoMoreRequests) {
				dest.pending = append(dest.pending, pending[i:]...)
				return
			}
			if req.fail(err) {
				m.requestDone(nil, req, 0, err)
			}
		}
	}
}

func (m *Manager) requestDone(conn *Conn, req *Request, status int, err error) {
	delete(m.placed, req)
	started, ok := m.started[req]
	delete(m.started, req)
	if m.access == nil {
		return
	}
	var took time.Duration
	if ok {
		took = m.timers.Now().Sub(started)
	}
	fields := m.config.AccessLogFields
	values := make([]any, 0, len(fields))
	for _, field := range fields {
		switch field {
		case "id":
			values = append(values, req.ID())
		case "method":
			values = append(values, req.Method)
		case "host":
			values = append(values, req.Host)
		case "target":
			values = append(values, req.Target)
		case "status":
			if err != nil {
				values = append(values, err.Error())
			} else {
				values = append(values, status)
			}
		case "size":
			values = append(values, req.delivery.delivered)
		case "sends":
			values = append(values, req.retry.sendCount)
		case "took":
			values = append(values, took)
		case "conn":
			if conn != nil {
				values = append(values, conn.id)
			} else {
				values = append(values, "-")
			}
		default:
			values = append(values, "-")
		}
	}
	m.access.Logf(strings.TrimSuffix(strings.Repeat("%v ", len(values)), " "), values...)
}

func (m *Manager) pipelineReload(conn *Conn, ids []uuid.UUID) {
	m.logger.Warn("pipeline reload", zap.Int64("conn", conn.id), zap.String("dest", conn.dest.Key()), zap.Int("requests", len(ids)))
	if m.OnPipelineReload != nil {
		m.OnPipelineReload(ids)
	}
}
