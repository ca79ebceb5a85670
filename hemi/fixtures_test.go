// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Fakes shared by tests: transports, timers, sinks and connection owners.

package hemi

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTransport is driven by tests.
type fakeTransport struct {
	handler      TransportHandler
	connects     int
	connectErr   error
	capacity     int // max bytes taken by one Send, 0 for unlimited
	sent         bytes.Buffer
	inbox        []byte
	closed       bool
	pendingClose bool
	batches      int
}

func (t *fakeTransport) SetHandler(handler TransportHandler) { t.handler = handler }
func (t *fakeTransport) Connect() error {
	t.connects++
	return t.connectErr
}
func (t *fakeTransport) Send(p []byte) (int, error) {
	if t.closed {
		return 0, errTransportClosed
	}
	n := len(p)
	if t.capacity > 0 && n > t.capacity {
		n = t.capacity
	}
	t.sent.Write(p[:n])
	return n, nil
}
func (t *fakeTransport) Read(p []byte) (int, error) {
	n := copy(p, t.inbox)
	t.inbox = t.inbox[n:]
	return n, nil
}
func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}
func (t *fakeTransport) IsClosed() bool     { return t.closed }
func (t *fakeTransport) PendingClose() bool { return t.pendingClose }
func (t *fakeTransport) BeginBatch()        { t.batches++ }
func (t *fakeTransport) EndBatch()          {}

func (t *fakeTransport) accept() { t.handler.OnConnected() }
func (t *fakeTransport) respond(data string) {
	t.inbox = append(t.inbox, data...)
	t.handler.OnReadable()
}
func (t *fakeTransport) hangUp() {
	if t.closed {
		return
	}
	t.closed = true
	t.handler.OnClosed(nil)
}
func (t *fakeTransport) fail(err error) {
	t.closed = true
	t.handler.OnClosed(err)
}

// requestLines returns the request lines written so far, in order.
func (t *fakeTransport) requestLines() []string {
	var lines []string
	for _, line := range strings.Split(t.sent.String(), "\r\n") {
		if strings.HasSuffix(line, " HTTP/1.1") {
			lines = append(lines, line)
		}
	}
	return lines
}

// fakeTimers is a TimerService with a manual clock.
type fakeTimers struct {
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeTimers) Now() time.Time { return s.now }
func (s *fakeTimers) AfterFunc(d time.Duration, fn func()) Timer {
	timer := &fakeTimer{at: s.now.Add(d), fn: fn}
	s.timers = append(s.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// advance moves the clock and fires due timers in time order.
func (s *fakeTimers) advance(d time.Duration) {
	s.now = s.now.Add(d)
	for {
		var due []*fakeTimer
		for _, timer := range s.timers {
			if !timer.stopped && !timer.fired && !timer.at.After(s.now) {
				due = append(due, timer)
			}
		}
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		due[0].fired = true
		due[0].fn()
	}
}

// active counts armed timers.
func (s *fakeTimers) active() (n int) {
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}
	return n
}

// recordingSink records what a request delivers.
type recordingSink struct {
	events   []string
	head     *ResponseHead
	body     bytes.Buffer
	trailers Headers
	status   int
	err      error
}

func (s *recordingSink) OnHeaderLoaded(head *ResponseHead) {
	s.events = append(s.events, "head")
	s.head = head
}
func (s *recordingSink) OnBodyBytes(p []byte) {
	if n := len(s.events); n == 0 || s.events[n-1] != "body" {
		s.events = append(s.events, "body")
	}
	s.body.Write(p)
}
func (s *recordingSink) OnTrailers(trailers Headers) {
	s.events = append(s.events, "trailers")
	s.trailers = trailers
}
func (s *recordingSink) OnFinished(status int) {
	s.events = append(s.events, "finished")
	s.status = status
}
func (s *recordingSink) OnFailed(err error) {
	s.events = append(s.events, "failed")
	s.err = err
}

func (s *recordingSink) finished() bool { return s.status != 0 }
func (s *recordingSink) terminals() (n int) {
	for _, event := range s.events {
		if event == "finished" || event == "failed" {
			n++
		}
	}
	return n
}

// fakeOwner stands in for a manager.
type fakeOwner struct {
	requeued []*Request
	idles    int
	finished int
	done     []*Request
	reloads  [][]uuid.UUID
}

func (o *fakeOwner) requeue(conn *Conn, req *Request) error {
	o.requeued = append(o.requeued, req)
	return nil
}
func (o *fakeOwner) connIdle(conn *Conn)     { o.idles++ }
func (o *fakeOwner) connFinished(conn *Conn) { o.finished++ }
func (o *fakeOwner) requestDone(conn *Conn, req *Request, status int, err error) {
	o.done = append(o.done, req)
}
func (o *fakeOwner) pipelineReload(conn *Conn, ids []uuid.UUID) {
	o.reloads = append(o.reloads, ids)
}

func testConfig(t *testing.T, text string) *Config {
	t.Helper()
	if text == "" {
		text = "{}"
	}
	config, err := ConfigFromText(text)
	require.NoError(t, err)
	return config
}

// connHarness is one connection with a fake owner.
type connHarness struct {
	t         *testing.T
	config    *Config
	timers    *fakeTimers
	owner     *fakeOwner
	dest      *Destination
	transport *fakeTransport
	conn      *Conn
}

func newConnHarness(t *testing.T, text string) *connHarness {
	h := newDialingHarness(t, text)
	h.conn.Connect()
	h.transport.accept()
	return h
}

// newDialingHarness leaves the connection unconnected, as the manager gets it.
func newDialingHarness(t *testing.T, text string) *connHarness {
	h := &connHarness{t: t, config: testConfig(t, text), timers: newFakeTimers(), owner: new(fakeOwner), transport: new(fakeTransport)}
	h.dest = NewDestination("origin.test:80", "", h.config)
	h.conn = newConn(1, h.owner, h.dest, h.transport, h.timers, h.config, zaptest.NewLogger(t), nil)
	return h
}

func (h *connHarness) add(method string, target string) (*Request, *recordingSink) {
	sink := new(recordingSink)
	req := NewRequest(method, target, "origin.test", sink)
	require.NoError(h.t, h.conn.AddRequest(req, false))
	return req, sink
}

// managerHarness is a manager whose connections use fake transports.
type managerHarness struct {
	t          *testing.T
	config     *Config
	timers     *fakeTimers
	manager    *Manager
	transports []*fakeTransport
	connectErr error
}

func newManagerHarness(t *testing.T, text string) *managerHarness {
	h := &managerHarness{t: t, config: testConfig(t, text), timers: newFakeTimers()}
	dial := func(dest *Destination) Transport {
		transport := &fakeTransport{connectErr: h.connectErr}
		h.transports = append(h.transports, transport)
		return transport
	}
	manager, err := NewManager(h.timers, dial, h.config, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	h.manager = manager
	t.Cleanup(func() { manager.Close() })
	return h
}

func (h *managerHarness) add(method string, target string) (*Request, *recordingSink) {
	sink := new(recordingSink)
	req := NewRequest(method, target, "origin.test", sink)
	require.NoError(h.t, h.manager.AddRequest("origin.test:80", req))
	return req, sink
}

// last returns the newest transport.
func (h *managerHarness) last() *fakeTransport {
	require.NotEmpty(h.t, h.transports)
	return h.transports[len(h.transports)-1]
}

// sentCount counts request lines with prefix over all transports.
func (h *managerHarness) sentCount(prefix string) (n int) {
	for _, transport := range h.transports {
		for _, line := range transport.requestLines() {
			if strings.HasPrefix(line, prefix) {
				n++
			}
		}
	}
	return n
}

func okResponse(body string) string {
	return "HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}
