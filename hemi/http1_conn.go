// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x client connections. A Conn carries many requests over one transport, pipelining them
// when the destination allows. See RFC 9112.

package hemi

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

// connOwner is the pool a Conn belongs to.
type connOwner interface {
	// requeue dispatches req, taken off conn, to another connection.
	requeue(conn *Conn, req *Request) error
	connIdle(conn *Conn)
	connFinished(conn *Conn)
	requestDone(conn *Conn, req *Request, status int, err error)
	// pipelineReload reports requests answered on a pipeline that later broke.
	pipelineReload(conn *Conn, ids []uuid.UUID)
}

type connPhase uint8

const (
	phaseIdle       connPhase = iota // created
	phaseConnecting                  // transport is connecting
	phaseConnected                   // transport is usable
	phaseClosed                      // transport is closed
)

// Conn is an HTTP/1.x connection to a destination. All methods must be called on the loop goroutine.
type Conn struct {
	// Parent
	owner connOwner
	// Assocs
	id        int64
	dest      *Destination
	transport Transport
	timers    TimerService
	config    *Config
	logger    *zap.Logger
	metrics   *Metrics
	// States (non-zeros)
	queue  requestQueue
	parser headParser
	// States (zeros)
	net    transportState
	proto  protoState
	pipe   pipeState
	body   bodyState
	out    outState
	chunks chunkDecoder
	timer  timerState
	stats  connStats
	ending bool // handling end of connection
}

type transportState struct {
	phase         connPhase
	everConnected bool
	lastActivity  time.Time
}

// protoState is what responses told about the protocol of the server.
type protoState struct {
	responses      int  // response heads received
	http11         bool // the last response was HTTP/1.1
	host10         bool // the server speaks HTTP/1.0
	keepAlive10    bool // an HTTP/1.0 server keeps this connection alive
	keepAliveLimit int  // requests allowed by Keep-Alive: max=, 0 if unlimited
}

type pipeState struct {
	classified     bool        // pipeline safety is classified from the first response
	noMoreRequests bool        // the connection closes after its queued requests
	suspects       []uuid.UUID // requests answered while pipelined
}

type bodyMode uint8

const (
	bodyNone       bodyMode = iota // no body
	bodySized                      // Content-Length
	bodyChunked                    // chunked transfer-coding
	bodyUntilClose                 // body ends when the connection closes
)

// bodyState is the state of the response being received.
type bodyState struct {
	head   *ResponseHead
	mode   bodyMode
	length int64                      // for bodySized
	loaded int64                      // payload bytes received
	coded  *bytebufferpool.ByteBuffer // encoded content waiting for the end of body
}

// outState is the state of the request being written.
type outState struct {
	buffer      *bytebufferpool.ByteBuffer // composed bytes not accepted by the transport yet
	from        int
	bodySent    int64
	bodyDone    bool
	bodyWaiting bool // the producer would block
}

func (s *outState) drop() {
	if s.buffer != nil {
		bytebufferpool.Put(s.buffer)
	}
	*s = outState{}
}

type connStats struct {
	requests int // requests added
	served   int // responses finished
}

func newConn(id int64, owner connOwner, dest *Destination, transport Transport, timers TimerService, config *Config, logger *zap.Logger, metrics *Metrics) *Conn {
	c := new(Conn)
	c.owner = owner
	c.id = id
	c.dest = dest
	c.transport = transport
	c.timers = timers
	c.config = config
	c.logger = logger.Named("http1").With(zap.Int64("conn", id), zap.String("dest", dest.Key()))
	c.metrics = metrics
	c.queue.init()
	c.parser.maxSize = int(config.MaxHeadSize)
	transport.SetHandler(c)
	return c
}

func (c *Conn) ID() int64                 { return c.id }
func (c *Conn) Destination() *Destination { return c.dest }
func (c *Conn) String() string            { return fmt.Sprintf("http1 conn %d to %s", c.id, c.dest.Key()) }
func (c *Conn) reqLogger(req *Request) *zap.Logger {
	return c.logger.With(zap.Stringer("req", req.ID()))
}

// Connect starts connecting the transport.
func (c *Conn) Connect() {
	if c.net.phase != phaseIdle {
		return
	}
	c.net.phase = phaseConnecting
	if err := c.transport.Connect(); err != nil {
		c.HandleEndOfConnection(err)
	}
}

func (c *Conn) OnConnected() {
	if c.net.phase != phaseConnecting {
		return
	}
	c.net.phase = phaseConnected
	c.net.everConnected = true
	c.net.lastActivity = c.timers.Now()
	c.metrics.connOpened()
	c.logger.Debug("connected")
	c.armIdleCheck(c.config.IdleCheckFirst)
	c.ComposeAndSend()
}
func (c *Conn) OnWritable()        { c.ComposeAndSend() }
func (c *Conn) OnClosed(err error) { c.HandleEndOfConnection(err) }

// AddRequest queues req. forceFirst puts it before all unsent requests. On error the caller
// keeps req and should dispatch it elsewhere.
func (c *Conn) AddRequest(req *Request, forceFirst bool) error {
	if !c.AcceptsNewRequests() {
		return ErrNoMoreRequests
	}
	if err := validateRequest(req); err != nil {
		return err
	}
	req.state = requestState{forceWaiting: req.state.forceWaiting}
	req.marks = pipelineMarks{}
	var i int
	if forceFirst {
		i = c.queue.insertFirst(req)
	} else {
		i = c.queue.insertWithPriority(req)
	}
	if i > 0 {
		req.state.waiting = !canPipelineNext(req, c.queue.at(i-1), c.pipelineEnv())
	}
	if req.Proxy && !req.Secure && !c.config.ProxyHTTP11 {
		c.pipe.noMoreRequests = true
	}
	if req.SendClose {
		c.pipe.noMoreRequests = true
	}
	c.stats.requests++
	if DebugLevel() >= 2 {
		c.reqLogger(req).Debug("request added", zap.String("method", req.Method), zap.String("target", req.Target), zap.Int("index", i), zap.Bool("waiting", req.state.waiting))
	}
	c.ComposeAndSend()
	return nil
}

// RemoveRequest withdraws req. Its sink gets ErrCanceled.
func (c *Conn) RemoveRequest(req *Request) bool {
	i := c.queue.indexOf(req)
	if i < 0 {
		return false
	}
	partial := i == c.queue.sending
	receiving := i == 0 && req.state.send != sendNone
	c.queue.remove(i)
	if partial { // written bytes can not be recalled
		c.out.drop()
		c.pipe.noMoreRequests = true
	}
	if receiving {
		c.resetResponse()
	}
	c.failRequest(req, ErrCanceled)
	switch {
	case receiving: // the rest of its response can not be told from the next one
		c.RestartRequests()
	case partial:
		c.moveRequestsToNewConnection(i)
		if c.queue.empty() {
			c.HandleEndOfConnection(nil)
		}
	case c.queue.empty():
		c.owner.connIdle(c)
	}
	return true
}

// Stop tears the connection down. Its requests are retried or failed as if the server closed it.
func (c *Conn) Stop() { c.HandleEndOfConnection(nil) }

// RestartRequests tears the connection down and moves all its requests to new connections.
func (c *Conn) RestartRequests() {
	if c.net.phase == phaseClosed || c.ending {
		return
	}
	c.ending = true
	c.moveRequestsToNewConnection(0)
	c.closeConn()
}

// Abort tears the connection down and fails all its requests with err.
func (c *Conn) Abort(err error) {
	if c.net.phase == phaseClosed || c.ending {
		return
	}
	c.ending = true
	for !c.queue.empty() {
		c.failRequest(c.queue.remove(0), err)
	}
	c.closeConn()
}

// MoveLastRequestToANewConnection hands the last request to another connection if it is unsent.
func (c *Conn) MoveLastRequestToANewConnection() bool {
	if c.queue.len() < 2 {
		return false
	}
	req := c.queue.last()
	if req.state.send != sendNone {
		return false
	}
	c.queue.remove(c.queue.len() - 1)
	if err := c.owner.requeue(c, req); err != nil {
		c.failRequest(req, err)
	}
	return true
}

// BodyReady resumes a request body whose producer would block.
func (c *Conn) BodyReady() {
	if c.out.bodyWaiting {
		c.out.bodyWaiting = false
		c.ComposeAndSend()
	}
}

func (c *Conn) IsIdle() bool {
	return c.net.phase == phaseConnected && !c.ending && c.queue.empty() && !c.pipe.noMoreRequests
}
func (c *Conn) IsActiveConnection() bool {
	return c.net.phase != phaseClosed && !c.ending // a connection not yet dialed takes requests
}
func (c *Conn) IsNeededConnection() bool {
	return c.IsActiveConnection() && (!c.queue.empty() || c.net.phase == phaseConnecting)
}
func (c *Conn) AcceptsNewRequests() bool {
	if !c.IsActiveConnection() || c.pipe.noMoreRequests {
		return false
	}
	if c.proto.keepAliveLimit > 0 && c.stats.requests >= c.proto.keepAliveLimit {
		return false
	}
	if c.queue.len() >= int(c.config.MaxPipelineDepth) {
		return false
	}
	if c.net.phase == phaseConnected && c.transport.PendingClose() {
		return false
	}
	return true
}

// CanTakeNow reports whether a request added now could be sent without waiting for a response.
func (c *Conn) CanTakeNow() bool {
	if !c.AcceptsNewRequests() {
		return false
	}
	if c.queue.empty() {
		return true
	}
	probe := &Request{Method: "GET"}
	return canPipelineNext(probe, c.queue.last(), c.pipelineEnv())
}

func (c *Conn) UnsentRequestCount() int { return c.queue.unsentCount() }
func (c *Conn) RequestCount() int       { return c.stats.requests }
func (c *Conn) HasRequests() bool       { return !c.queue.empty() }
func (c *Conn) HasPriorityRequest() bool {
	for _, req := range c.queue.items {
		if req.Priority > 0 {
			return true
		}
	}
	return false
}

func (c *Conn) pipelineEnv() pipelineEnv {
	return pipelineEnv{
		enabled:      c.config.Pipelining,
		verdict:      c.dest.verdict,
		noPipeline:   c.dest.noPipeline,
		host10:       c.proto.host10 || c.dest.HTTP10(),
		keepAlive10:  c.proto.keepAlive10,
		undetermined: c.proto.responses == 0 && !c.dest.protocolDetermined,
	}
}

func (c *Conn) completeRequest(req *Request, status int) {
	if !req.finish(status) {
		return
	}
	c.metrics.responseFinished(status)
	if DebugLevel() >= 1 {
		c.reqLogger(req).Debug("request finished", zap.Int("status", status), zap.Int64("size", req.delivery.delivered))
	}
	c.owner.requestDone(c, req, status, nil)
}
func (c *Conn) failRequest(req *Request, err error) {
	if !req.fail(err) {
		return
	}
	c.metrics.requestFailed(err)
	c.reqLogger(req).Info("request failed", zap.Error(err), zap.Int32("sends", req.retry.sendCount))
	c.owner.requestDone(c, req, 0, err)
}

func (c *Conn) closeConn() {
	if c.net.phase == phaseClosed {
		return
	}
	c.net.phase = phaseClosed
	c.stopTimers()
	c.out.drop()
	c.resetResponse()
	c.transport.Close()
	if c.net.everConnected {
		c.metrics.connClosed()
	}
	c.logger.Debug("closed", zap.Int("served", c.stats.served))
	c.owner.connFinished(c)
}
