// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// The event loop that drives connections. All connection states are touched by the loop goroutine only.

package hemi

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errLoopDone = errors.New("loop is done")

// Timer is a scheduled callback.
type Timer interface {
	Stop() bool
}

// TimerService schedules callbacks on the goroutine that drives connections.
type TimerService interface {
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// Loop runs posted events one at a time.
type Loop struct {
	events   chan func()
	done     chan struct{}
	doneOnce sync.Once
}

func NewLoop(backlog int) *Loop {
	return &Loop{
		events: make(chan func(), backlog),
		done:   make(chan struct{}),
	}
}

// Post queues event for the loop goroutine. It may be called from any goroutine.
func (l *Loop) Post(event func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- event:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop goroutine and waits for it.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() { fn(); close(finished) }) {
		return errLoopDone
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return errLoopDone
	}
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-l.events:
			event()
		}
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := new(loopTimer)
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.stopped {
				t.stopped = true
				fn()
			}
		})
	})
	return t
}

// loopTimer fires on the loop goroutine. stopped is only touched by the loop goroutine.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() bool {
	active := !t.stopped
	t.stopped = true
	t.timer.Stop()
	return active
}
