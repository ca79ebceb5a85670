// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x response receiving. See RFC 9112 section 6.

package hemi

import (
	"fmt"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

func (c *Conn) OnReadable() {
	if c.net.phase != phaseConnected {
		return
	}
	buffer := GetNK(int64(c.config.BufferSize))
	defer PutNK(buffer)
	size := int(c.config.BufferSize)
	if size > len(buffer) {
		size = len(buffer)
	}
	for c.net.phase == phaseConnected && !c.ending {
		n, err := c.transport.Read(buffer[:size])
		if n > 0 {
			c.OnBytesReceived(buffer[:n])
		}
		if err != nil {
			c.HandleEndOfConnection(err)
			return
		}
		if n == 0 {
			return
		}
	}
}

// OnBytesReceived feeds response bytes to the current request. Bytes after the end of a response
// belong to the next request.
func (c *Conn) OnBytesReceived(data []byte) {
	c.net.lastActivity = c.timers.Now()
	if DebugLevel() >= 2 {
		c.logger.Debug("received", zap.Int("size", len(data)))
	}
	for len(data) > 0 && c.net.phase == phaseConnected && !c.ending {
		req := c.queue.currentRequest()
		if req == nil || req.state.send == sendNone {
			// An idle connection closing is not a failure.
			c.logger.Debug("unexpected data, stopping", zap.Int("size", len(data)))
			c.HandleEndOfConnection(nil)
			return
		}
		var n int
		if req.state.headerLoaded {
			n = c.receiveBody(req, data)
		} else {
			n = c.receiveHead(req, data)
		}
		data = data[n:]
	}
	if req := c.queue.currentRequest(); req != nil && req.state.headerLoaded && c.timer.idle == nil {
		c.armIdleTimer()
	}
}

func (c *Conn) receiveHead(req *Request, data []byte) int {
	consumed, result := c.parser.feed(data)
	switch result {
	case headNeedMore:
		return consumed
	case headTooLarge:
		c.protocolViolation(req, errHeadTooLarge)
		return len(data)
	case headComplete:
		if head, err := parseHead(c.parser.input); err == nil {
			c.parser.reset()
			c.interpretHead(req, head)
			return consumed
		}
	}
	// Malformed.
	if c.proto.responses == 0 && !c.dest.HTTP11() {
		return c.receiveSimple(req, consumed)
	}
	c.protocolViolation(req, errBadStatusLine)
	return len(data)
}

// receiveSimple takes a response without status line as the body of an HTTP/0.9 response.
func (c *Conn) receiveSimple(req *Request, consumed int) int {
	body := append([]byte(nil), c.parser.input...)
	c.parser.reset()
	c.reqLogger(req).Info("response without status line")
	head := &ResponseHead{Major: 0, Minor: 9, Status: 200, ContentLength: -1, Simple: true}
	c.proto.responses++
	c.proto.host10 = true
	c.dest.noteProtocol(false, false)
	c.dest.setVerdict(VerdictCautious)
	c.pipe.classified = true
	c.pipe.noMoreRequests = true
	c.stopResponseTimer()
	req.state.headerLoaded = true
	c.body.head = head
	c.body.mode = bodyUntilClose
	if !req.deliverHead(head) {
		c.failRequest(req, ErrRepeatedFailed)
	}
	c.moveRequestsToNewConnection(1)
	c.body.loaded += int64(len(body))
	c.consumeBody(req, body)
	return consumed
}

// interpretHead applies a complete response head to the current request.
func (c *Conn) interpretHead(req *Request, head *ResponseHead) {
	if DebugLevel() >= 2 {
		c.reqLogger(req).Debug("response head", zap.Int("status", head.Status), zap.Int("major", head.Major), zap.Int("minor", head.Minor), zap.Int64("length", head.ContentLength), zap.Bool("chunked", head.Chunked))
	}
	if head.Status >= 100 && head.Status < 200 && head.Status != 101 { // interim
		return
	}
	c.proto.responses++
	closing := c.learnProtocol(req, head)
	if !c.pipe.classified {
		c.classify(req, head)
	}
	partialLength := int64(-1)
	if head.Status == 206 {
		length, ok := c.checkPartial(req, head)
		if !ok {
			c.reqLogger(req).Info("content range mismatch, fetching the whole entity", zap.String("range", head.ContentRange))
			req.retry.dropRange = true
			c.RestartRequests()
			return
		}
		partialLength = length
	}
	c.stopResponseTimer()
	req.state.headerLoaded = true
	c.body.head = head
	if !req.deliverHead(head) {
		// A restart got another entity. Its body is read and dropped.
		c.failRequest(req, ErrRepeatedFailed)
	}
	c.frameBody(req, head, partialLength)
	if c.body.mode == bodyUntilClose || head.Status == 101 { // no way to tell where the next response starts
		closing = true
	}
	if closing {
		c.pipe.noMoreRequests = true
		c.moveRequestsToNewConnection(1)
	}
	if c.body.mode == bodyNone || (c.body.mode == bodySized && c.body.length == 0) {
		c.endResponse(req)
		return
	}
	c.ComposeAndSend() // successors waiting for this head
}

// learnProtocol updates what is known about the server from head. It returns true if the
// connection closes after this response.
func (c *Conn) learnProtocol(req *Request, head *ResponseHead) (closing bool) {
	plainProxy := req.Proxy && !req.Secure
	http11 := head.Major > 1 || (head.Major == 1 && head.Minor >= 1)
	c.proto.http11 = http11
	if http11 {
		closing = head.Close
		c.dest.noteProtocol(true, false)
	} else {
		c.proto.host10 = true
		alive := head.KeepAlive || (plainProxy && head.ProxyAlive)
		if alive && !head.Close {
			c.proto.keepAlive10 = true
		} else {
			closing = true
		}
		c.dest.noteProtocol(false, c.proto.keepAlive10)
	}
	if plainProxy && head.ProxyClose {
		closing = true
	}
	if head.KeepAliveMax > 0 {
		c.proto.keepAliveLimit = c.stats.served + 1 + head.KeepAliveMax // this one and max more
	}
	return closing
}

// classify decides pipeline safety from the first response of the connection.
func (c *Conn) classify(req *Request, head *ResponseHead) {
	c.pipe.classified = true
	if !c.config.Pipelining {
		c.dest.setVerdict(VerdictCautious)
		return
	}
	if req.Proxy && !req.Secure {
		c.dest.setVerdict(VerdictFast)
		return
	}
	safety := classifyPipelineSafety(head, c.config.never, c.config.notFully)
	c.logger.Debug("pipeline safety classified", zap.Stringer("safety", safety), zap.String("server", head.Server))
	switch safety {
	case safetyNever:
		c.dest.disablePipelining()
		c.pipe.noMoreRequests = true
		c.moveRequestsToNewConnection(1)
	case safetyPartial:
		c.dest.setVerdict(VerdictCautious)
	default:
		if c.proto.host10 {
			c.dest.setVerdict(VerdictCautious)
		} else {
			c.dest.setVerdict(VerdictFast)
		}
	}
}

// checkPartial checks a 206 response against the requested range. It returns the body length.
func (c *Conn) checkPartial(req *Request, head *ResponseHead) (int64, bool) {
	if head.ContentRange == "" { // Content-Length alone delimits the part
		return head.ContentLength, true
	}
	contentRange, err := ParseContentRange(head.ContentRange)
	if err != nil {
		return 0, false
	}
	requested := req.Range
	if req.retry.dropRange {
		requested = nil
	}
	if !matchContentRange(requested, contentRange, head.ContentLength) {
		return 0, false
	}
	if head.ContentLength >= 0 {
		return head.ContentLength, true
	}
	return contentRange.Size(), true
}

// frameBody decides how the body of the current response is delimited.
func (c *Conn) frameBody(req *Request, head *ResponseHead, partialLength int64) {
	switch {
	case req.isHEAD() || head.Status < 200 || head.Status == 204 || head.Status == 304:
		c.body.mode = bodyNone
	case head.Chunked:
		c.body.mode = bodyChunked
		c.chunks.reset()
	case len(head.Codings) > 0: // not chunked at last, Content-Length is ignored
		c.body.mode = bodyUntilClose
	case partialLength >= 0:
		c.body.mode = bodySized
		c.body.length = partialLength
	case head.ContentLength >= 0:
		c.body.mode = bodySized
		c.body.length = head.ContentLength
	default:
		c.body.mode = bodyUntilClose
	}
	if c.body.mode != bodyNone && len(head.Codings) > 0 {
		if codingsSupported(head.Codings) {
			c.body.coded = bytebufferpool.Get()
		} else {
			c.reqLogger(req).Info("unsupported transfer-coding, passing body through", zap.Strings("codings", head.Codings))
		}
	}
}

func (c *Conn) receiveBody(req *Request, data []byte) int {
	switch c.body.mode {
	case bodySized:
		n := int64(len(data))
		if remain := c.body.length - c.body.loaded; n > remain {
			n = remain
		}
		c.body.loaded += n
		if !c.consumeBody(req, data[:n]) {
			return len(data)
		}
		if c.body.loaded == c.body.length {
			c.endResponse(req)
		}
		return int(n)
	case bodyChunked:
		alive := true
		n, err := c.chunks.feed(data, func(p []byte) {
			if alive {
				alive = c.consumeBody(req, p)
			}
		})
		c.body.loaded = c.chunks.decoded
		if !alive {
			return len(data)
		}
		if err != nil {
			c.protocolViolation(req, err)
			return len(data)
		}
		if c.chunks.isDone() {
			c.endResponse(req)
		}
		return n
	case bodyUntilClose:
		c.body.loaded += int64(len(data))
		c.consumeBody(req, data)
		return len(data)
	default:
		c.endResponse(req)
		return 0
	}
}

// consumeBody passes body bytes on. It returns false if req is no longer current.
func (c *Conn) consumeBody(req *Request, p []byte) bool {
	c.metrics.bodyReceived(len(p))
	if c.body.coded != nil {
		c.body.coded.Write(p)
		return true
	}
	req.deliverBody(p)
	return c.queue.currentRequest() == req
}

// bodyComplete reports whether the current response can end now.
func (c *Conn) bodyComplete() bool {
	switch c.body.mode {
	case bodySized:
		return c.body.loaded >= c.body.length
	case bodyChunked:
		return c.chunks.isDone()
	default:
		return true
	}
}

// endResponse finishes the current request and moves on to the next one.
func (c *Conn) endResponse(req *Request) {
	empty := c.body.loaded == 0
	c.finishResponse(req)
	if c.net.phase != phaseConnected || c.ending {
		return
	}
	if c.pipe.noMoreRequests && c.queue.empty() {
		if empty && c.config.ZeroLengthTimeout > 0 {
			c.armZeroLengthTimer() // give the server a chance to close first
		} else {
			c.HandleEndOfConnection(nil)
		}
		return
	}
	if next := c.queue.currentRequest(); next != nil && next.state.send == sendSent {
		c.armResponseTimer()
	}
	c.ComposeAndSend()
	if c.IsIdle() {
		c.owner.connIdle(c)
	}
}

// finishResponse delivers what is left of the current response and unlinks req.
func (c *Conn) finishResponse(req *Request) {
	c.stopResponseTimer()
	c.stopIdleTimer()
	status := c.body.head.Status
	var err error
	if c.body.coded != nil {
		var data []byte
		if data, err = decodeTransfer(c.body.head.Codings, c.body.coded.B); err == nil {
			req.deliverBody(data)
		}
	}
	if c.body.mode == bodyChunked {
		req.deliverTrailers(c.chunks.trailers)
	}
	if req.marks.usedByPrevious || req.marks.sentPipelined {
		c.pipe.suspects = append(c.pipe.suspects, req.ID())
	}
	c.queue.remove(0)
	c.resetResponse()
	c.stats.served++
	if err != nil {
		c.failRequest(req, fmt.Errorf("%w: %v", ErrBadContent, err))
	} else {
		c.completeRequest(req, status)
	}
}

func (c *Conn) resetResponse() {
	c.parser.reset()
	c.chunks.reset()
	if c.body.coded != nil {
		bytebufferpool.Put(c.body.coded)
	}
	c.body = bodyState{}
}

// HandleOutOfOrderResponse makes the request with sequence id seq current, if an overlay protocol
// reports that the next response belongs to it. It only applies between responses and only to a
// sent request without response. It returns false if the response can not be placed.
func (c *Conn) HandleOutOfOrderResponse(seq uint32) bool {
	if !c.config.TrustSequenceIDs {
		return false
	}
	current := c.queue.currentRequest()
	if current == nil {
		return false
	}
	if current.SeqID == seq {
		return true
	}
	if current.state.headerLoaded || len(c.parser.input) > 0 {
		return false
	}
	for i := 1; i < c.queue.len(); i++ {
		req := c.queue.at(i)
		if req.SeqID == seq && req.state.send == sendSent && !req.state.headerLoaded {
			c.queue.promote(i)
			c.reqLogger(req).Debug("out of order response", zap.Uint32("seq", seq), zap.Int("index", i))
			return true
		}
	}
	return false
}
