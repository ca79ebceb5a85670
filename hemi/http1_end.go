// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// End of HTTP/1.x connections: retries, requeues and pipeline problems.

package hemi

import (
	"errors"

	"go.uber.org/zap"
)

// HandleEndOfConnection resolves the requests of a connection that is closed by the server, by
// an error, or by us. It can not be reentered.
func (c *Conn) HandleEndOfConnection(cause error) {
	if c.ending || c.net.phase == phaseClosed {
		return
	}
	c.ending = true
	c.stopTimers()
	if cause != nil {
		c.logger.Debug("end of connection", zap.Error(cause))
	}
	if !c.net.everConnected {
		c.connectFailed(cause)
	} else if req := c.queue.currentRequest(); req != nil && req.state.send != sendNone {
		c.resolveCurrent(req, cause)
	}
	c.moveRequestsToNewConnection(0)
	c.closeConn()
}

// connectFailed counts a failed connect against every queued request.
func (c *Conn) connectFailed(cause error) {
	c.logger.Info("connect failed", zap.Error(cause))
	for i := c.queue.len() - 1; i >= 0; i-- {
		req := c.queue.at(i)
		req.retry.connectCount++
		if req.retry.connectCount >= c.config.MaxConnects {
			c.queue.remove(i)
			c.failRequest(req, ErrConnectionRefused)
		}
	}
}

// resolveCurrent decides whether the current request is finished, retried or failed. A retried
// request stays in the queue and is moved with the others.
func (c *Conn) resolveCurrent(req *Request, cause error) {
	failure := ErrConnectionClosed
	if errors.Is(cause, ErrTimeout) {
		failure = ErrTimeout
	}
	logger := c.reqLogger(req)
	if req.state.headerLoaded {
		if c.bodyComplete() {
			c.finishResponse(req)
			return
		}
		head := c.body.head
		switch {
		case head.IsRedirect() || req.Proxy || (head.ContentLength >= 0 && !c.dest.trustContentLength):
			c.dropCurrent(req, failure)
		case !req.isSafe() || req.Form:
			c.dropCurrent(req, failure)
		case req.retry.sendCount >= c.config.MaxSends:
			c.dropCurrent(req, failure)
		case req.retry.retried && c.body.loaded <= req.retry.prevLoadLength: // no progress
			c.dest.trustContentLength = false
			c.dropCurrent(req, ErrRepeatedFailed)
		default:
			logger.Info("retrying incomplete response", zap.Int64("loaded", c.body.loaded), zap.Int32("sends", req.retry.sendCount))
			req.retry.retried = true
			req.retry.prevLoadLength = c.body.loaded
			c.metrics.requestRetried()
		}
		return
	}
	// No response head.
	switch {
	case !req.isSafe() || req.Form:
		c.dropCurrent(req, failure)
	case req.retry.sendCount >= c.config.MaxSends:
		if req.retry.sendCount > 1 {
			failure = ErrRepeatedFailed
		}
		c.dropCurrent(req, failure)
	default:
		logger.Debug("resending request without response", zap.Int32("sends", req.retry.sendCount))
	}
}

func (c *Conn) dropCurrent(req *Request, err error) {
	c.queue.remove(0)
	c.resetResponse()
	c.failRequest(req, err)
}

// moveRequestsToNewConnection takes requests from index from to the end off this connection and
// dispatches them again. Sent requests that can not be repeated safely are failed.
func (c *Conn) moveRequestsToNewConnection(from int) {
	if from >= c.queue.len() {
		return
	}
	if from == 0 {
		c.resetResponse()
	}
	if c.queue.sending >= from { // its bytes on the wire are incomplete
		c.out.drop()
		c.pipe.noMoreRequests = true
	}
	moved := make([]*Request, 0, c.queue.len()-from)
	for c.queue.len() > from {
		moved = append(moved, c.queue.remove(from))
	}
	for _, req := range moved {
		if req.Terminated() {
			continue
		}
		if req.state.send != sendNone {
			if !req.isSafe() || req.Form {
				c.failRequest(req, ErrConnectionClosed)
				continue
			}
			if req.retry.sendCount >= c.config.MaxSends {
				c.failRequest(req, ErrRepeatedFailed)
				continue
			}
		}
		req.resetForRetry()
		if err := c.owner.requeue(c, req); err != nil {
			c.failRequest(req, err)
		}
	}
	if DebugLevel() >= 1 {
		c.logger.Debug("requests moved", zap.Int("from", from), zap.Int("count", len(moved)))
	}
}

// protocolViolation handles a response that can not be framed. The response may belong to
// another request if the pipeline got out of step, so everything is restarted.
func (c *Conn) protocolViolation(req *Request, cause error) {
	pipelined := req.marks.usedByPrevious || req.marks.sentPipelined
	c.reqLogger(req).Warn("protocol violation", zap.Error(cause), zap.Bool("pipelined", pipelined))
	if pipelined {
		c.pipelineProblem()
	}
	c.RestartRequests()
}

// pipelineProblem records a pipeline problem at the destination and asks for a reload of the
// requests answered on this pipeline.
func (c *Conn) pipelineProblem() {
	c.metrics.pipelineProblem()
	if c.dest.incPipelineProblem() {
		c.logger.Warn("pipelining disabled for destination")
	}
	if ids := c.pipe.suspects; len(ids) > 0 {
		c.pipe.suspects = nil
		c.owner.pipelineReload(c, ids)
	}
}
