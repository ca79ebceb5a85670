// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x request sending. See RFC 9112 section 3.

package hemi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// batcher is implemented by transports that can hold small writes back and send them together.
type batcher interface {
	BeginBatch()
	EndBatch()
}

// ComposeAndSend writes queued requests in order. It stops at a request that has to wait for its
// predecessor's response, when the body producer would block, or when the transport is full.
func (c *Conn) ComposeAndSend() {
	if c.net.phase != phaseConnected || c.ending {
		return
	}
	batching := false
	defer func() {
		if batching {
			c.transport.(batcher).EndBatch()
		}
	}()
	for c.net.phase == phaseConnected && !c.ending {
		if c.out.buffer != nil && !c.flush() {
			return
		}
		if c.queue.sending >= 0 {
			req := c.queue.sendingRequest()
			if c.out.bodyDone {
				c.markSent()
			} else if !c.produceBody(req) {
				return
			}
			continue
		}
		i := c.queue.nextUnsent()
		if i < 0 {
			return
		}
		req := c.queue.at(i)
		if i > 0 {
			pred := c.queue.at(i - 1)
			if !canPipelineNext(req, pred, c.pipelineEnv()) {
				req.state.waiting = true
				return
			}
			if !pred.state.headerLoaded {
				req.marks.usedByPrevious = true
				pred.marks.sentPipelined = true
				if b, ok := c.transport.(batcher); ok && !batching {
					b.BeginBatch()
					batching = true
				}
			}
		}
		req.state.waiting = false
		req.state.send = sendSending
		req.retry.sendCount++
		c.queue.sending = i
		c.out.bodySent = 0
		c.out.bodyDone = req.Body == nil
		c.composeHead(req)
	}
}

// flush gives composed bytes to the transport. It returns false if some bytes are left.
func (c *Conn) flush() bool {
	buffer := c.out.buffer
	n, err := c.transport.Send(buffer.B[c.out.from:])
	c.out.from += n
	if err != nil {
		c.HandleEndOfConnection(err)
		return false
	}
	if c.out.from < len(buffer.B) { // resumed by OnWritable
		return false
	}
	bytebufferpool.Put(buffer)
	c.out.buffer = nil
	c.out.from = 0
	return true
}

func (c *Conn) outBuffer() *bytebufferpool.ByteBuffer {
	if c.out.buffer == nil {
		c.out.buffer = bytebufferpool.Get()
	}
	return c.out.buffer
}

func (c *Conn) markSent() {
	i := c.queue.sending
	req := c.queue.at(i)
	req.state.send = sendSent
	c.queue.sending = -1
	c.metrics.requestSent()
	if DebugLevel() >= 2 {
		c.reqLogger(req).Debug("request sent", zap.Int("index", i), zap.Int32("sends", req.retry.sendCount), zap.Bool("pipelined", req.marks.usedByPrevious))
	}
	if i == 0 && !req.state.headerLoaded {
		c.armResponseTimer()
	}
}

// composeHead puts the request line and header section of req into the output.
func (c *Conn) composeHead(req *Request) {
	buffer := c.outBuffer()
	buffer.WriteString(req.Method)
	buffer.WriteByte(' ')
	buffer.WriteString(req.Target)
	buffer.WriteString(" HTTP/1.1\r\nHost: ")
	buffer.WriteString(req.Host)
	buffer.WriteString("\r\n")
	for _, header := range req.Headers {
		switch strings.ToLower(header.Name) {
		case "host", "connection", "proxy-connection", "keep-alive", "content-length", "transfer-encoding":
			continue
		case "range":
			if req.Range != nil || req.retry.dropRange {
				continue
			}
		}
		buffer.WriteString(header.Name)
		buffer.WriteString(": ")
		buffer.WriteString(header.Value)
		buffer.WriteString("\r\n")
	}
	if req.Range != nil && !req.retry.dropRange {
		buffer.WriteString("Range: ")
		buffer.WriteString(req.Range.String())
		buffer.WriteString("\r\n")
	}
	if req.Body != nil {
		if req.BodySize >= 0 {
			buffer.WriteString("Content-Length: ")
			buffer.B = strconv.AppendInt(buffer.B, req.BodySize, 10)
			buffer.WriteString("\r\n")
		} else {
			buffer.WriteString("Transfer-Encoding: chunked\r\n")
		}
	} else if !req.isSafe() {
		buffer.WriteString("Content-Length: 0\r\n")
	}
	switch {
	case req.SendClose:
		buffer.WriteString("Connection: close\r\n")
	case req.Proxy && !req.Secure:
		buffer.WriteString("Proxy-Connection: keep-alive\r\n")
	default:
		buffer.WriteString("Connection: keep-alive\r\n")
	}
	buffer.WriteString("\r\n")
	if DebugLevel() >= 2 {
		c.reqLogger(req).Debug("request head", zap.ByteString("head", buffer.B[c.out.from:]))
	}
}

// produceBody moves one piece of the body of req into the output. It returns false if the
// producer would block or the request is abandoned.
func (c *Conn) produceBody(req *Request) bool {
	max := int(c.config.BufferSize)
	if req.BodySize >= 0 {
		if remain := req.BodySize - c.out.bodySent; remain < int64(max) {
			max = int(remain)
		}
	}
	p, done, wouldBlock := req.Body.NextChunk(max)
	if len(p) > 0 {
		c.out.bodySent += int64(len(p))
		if req.BodySize >= 0 && c.out.bodySent > req.BodySize {
			c.abandonSending(fmt.Errorf("%w: body is larger than %d", ErrInvalidRequest, req.BodySize))
			return false
		}
		buffer := c.outBuffer()
		if req.BodySize < 0 {
			buffer.B = appendChunked(buffer.B, p, nil)
		} else {
			buffer.Write(p)
		}
	}
	if req.BodySize >= 0 && c.out.bodySent == req.BodySize {
		done = true // the rest of the producer is ignored
	}
	if done {
		if req.BodySize < 0 {
			buffer := c.outBuffer()
			buffer.B = appendChunked(buffer.B, nil, nil)
		} else if c.out.bodySent != req.BodySize {
			c.abandonSending(fmt.Errorf("%w: body is %d bytes, %d announced", ErrInvalidRequest, c.out.bodySent, req.BodySize))
			return false
		}
		c.out.bodyDone = true
		return true
	}
	if len(p) == 0 { // resumed by BodyReady
		if !wouldBlock {
			c.reqLogger(req).Warn("body producer returned nothing without blocking")
		}
		c.out.bodyWaiting = true
		return false
	}
	return true
}

// abandonSending fails the request being written. Its bytes on the wire can not be recalled, so
// the connection takes no more requests.
func (c *Conn) abandonSending(err error) {
	i := c.queue.sending
	req := c.queue.remove(i)
	c.out.drop()
	c.pipe.noMoreRequests = true
	receiving := i == 0 && req.state.headerLoaded
	if receiving {
		c.resetResponse()
	}
	c.failRequest(req, err)
	if receiving {
		c.RestartRequests()
		return
	}
	c.moveRequestsToNewConnection(i)
	if c.queue.empty() {
		c.HandleEndOfConnection(nil)
	}
}

// validateRequest checks that req can be put on the wire as is.
func validateRequest(req *Request) error {
	if !httpguts.ValidHeaderFieldName(req.Method) { // method is a token
		return fmt.Errorf("%w: bad method %q", ErrInvalidRequest, req.Method)
	}
	if req.Target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidRequest)
	}
	for i := 0; i < len(req.Target); i++ {
		if b := req.Target[i]; b <= ' ' || b == 0x7f {
			return fmt.Errorf("%w: bad target %q", ErrInvalidRequest, req.Target)
		}
	}
	if !httpguts.ValidHostHeader(req.Host) {
		return fmt.Errorf("%w: bad host %q", ErrInvalidRequest, req.Host)
	}
	for _, header := range req.Headers {
		if !httpguts.ValidHeaderFieldName(header.Name) || !httpguts.ValidHeaderFieldValue(header.Value) {
			return fmt.Errorf("%w: bad header %q", ErrInvalidRequest, header.Name)
		}
	}
	if req.Body == nil && req.BodySize > 0 {
		return fmt.Errorf("%w: no producer for a body of %d bytes", ErrInvalidRequest, req.BodySize)
	}
	return nil
}
