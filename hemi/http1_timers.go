// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Timers of HTTP/1.x connections.

package hemi

import (
	"time"

	"go.uber.org/zap"
)

type timerState struct {
	response   Timer // waiting for a response head
	idle       Timer // waiting for more bytes of a response body
	check      Timer // periodic idle check
	zeroLength Timer // waiting for the server to close after an empty response
	checkDelay time.Duration
}

func (c *Conn) armResponseTimer() {
	if c.config.ResponseTimeout <= 0 {
		return
	}
	c.stopResponseTimer()
	c.timer.response = c.timers.AfterFunc(c.config.ResponseTimeout, c.onResponseTimeout)
}
func (c *Conn) stopResponseTimer() {
	if c.timer.response != nil {
		c.timer.response.Stop()
		c.timer.response = nil
	}
}
func (c *Conn) onResponseTimeout() {
	c.timer.response = nil
	c.logger.Info("response timeout", zap.Duration("timeout", c.config.ResponseTimeout))
	c.HandleEndOfConnection(ErrTimeout)
}

// armIdleTimer arms the body timer. It is not rearmed on every read: when it fires early because
// bytes came in meanwhile, it waits for the rest.
func (c *Conn) armIdleTimer() {
	if c.config.IdleTimeout <= 0 {
		return
	}
	c.stopIdleTimer()
	c.timer.idle = c.timers.AfterFunc(c.config.IdleTimeout, c.onIdleTimeout)
}
func (c *Conn) stopIdleTimer() {
	if c.timer.idle != nil {
		c.timer.idle.Stop()
		c.timer.idle = nil
	}
}
func (c *Conn) onIdleTimeout() {
	c.timer.idle = nil
	if quiet := c.timers.Now().Sub(c.net.lastActivity); quiet < c.config.IdleTimeout {
		c.timer.idle = c.timers.AfterFunc(c.config.IdleTimeout-quiet, c.onIdleTimeout)
		return
	}
	c.logger.Info("idle timeout", zap.Duration("timeout", c.config.IdleTimeout))
	c.HandleEndOfConnection(ErrTimeout)
}

func (c *Conn) armIdleCheck(delay time.Duration) {
	if c.timer.check != nil {
		c.timer.check.Stop()
	}
	c.timer.checkDelay = delay
	c.timer.check = c.timers.AfterFunc(delay, c.onIdleCheck)
}

// onIdleCheck closes connections that are unused or idle for too long, and restarts pipelines
// that stalled.
func (c *Conn) onIdleCheck() {
	c.timer.check = nil
	if c.net.phase != phaseConnected || c.ending {
		return
	}
	quiet := c.timers.Now().Sub(c.net.lastActivity)
	limit := 2 * c.timer.checkDelay
	switch {
	case c.stats.requests == 0:
		c.logger.Debug("closing unused connection")
		c.HandleEndOfConnection(nil)
		return
	case c.queue.empty() && (quiet > limit || c.transport.PendingClose()):
		c.logger.Debug("closing idle connection", zap.Duration("quiet", quiet))
		c.HandleEndOfConnection(nil)
		return
	}
	if req := c.queue.currentRequest(); req != nil && req.state.send == sendSent && !req.state.headerLoaded && req.marks.usedByPrevious && quiet > limit {
		c.reqLogger(req).Warn("pipeline stalled", zap.Duration("quiet", quiet))
		c.pipelineProblem()
		c.RestartRequests()
		return
	}
	c.armIdleCheck(c.config.IdleCheckInterval)
}

func (c *Conn) armZeroLengthTimer() {
	if c.timer.zeroLength != nil {
		c.timer.zeroLength.Stop()
	}
	c.timer.zeroLength = c.timers.AfterFunc(c.config.ZeroLengthTimeout, func() {
		c.timer.zeroLength = nil
		c.HandleEndOfConnection(nil)
	})
}

func (c *Conn) stopTimers() {
	c.stopResponseTimer()
	c.stopIdleTimer()
	for _, timer := range []*Timer{&c.timer.check, &c.timer.zeroLength} {
		if *timer != nil {
			(*timer).Stop()
			*timer = nil
		}
	}
}
