// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Request queues of connections.

package hemi

// requestQueue holds the requests of a connection in wire order. The current request, which
// receives the next response, is always at index 0.
type requestQueue struct {
	items   []*Request
	current int // 0, or -1 if empty
	sending int // index of the request being written, or -1
}

func (q *requestQueue) init() {
	q.items = nil
	q.current = -1
	q.sending = -1
}

func (q *requestQueue) len() int          { return len(q.items) }
func (q *requestQueue) at(i int) *Request { return q.items[i] }
func (q *requestQueue) empty() bool       { return len(q.items) == 0 }
func (q *requestQueue) last() *Request    { return q.items[len(q.items)-1] }
func (q *requestQueue) currentRequest() *Request {
	if q.current < 0 {
		return nil
	}
	return q.items[q.current]
}
func (q *requestQueue) sendingRequest() *Request {
	if q.sending < 0 {
		return nil
	}
	return q.items[q.sending]
}

func (q *requestQueue) indexOf(req *Request) int {
	for i, item := range q.items {
		if item == req {
			return i
		}
	}
	return -1
}

// insertWithPriority appends req, then moves it ahead of unsent requests with lower priority.
// It never passes a request that is sending or sent, a force-waiting one, or a non-idempotent one.
func (q *requestQueue) insertWithPriority(req *Request) int {
	q.items = append(q.items, req)
	i := len(q.items) - 1
	for i > 0 {
		prev := q.items[i-1]
		if prev.state.send != sendNone || prev.state.forceWaiting || !prev.isSafe() || !req.isSafe() || prev.Priority >= req.Priority {
			break
		}
		q.items[i-1], q.items[i] = req, prev
		i--
	}
	q.current = 0
	return i
}

// insertFirst puts req in front of all unsent requests.
func (q *requestQueue) insertFirst(req *Request) int {
	i := 0
	for i < len(q.items) && q.items[i].state.send != sendNone {
		i++
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = req
	if q.sending >= i {
		q.sending++
	}
	q.current = 0
	return i
}

// remove unlinks the request at i.
func (q *requestQueue) remove(i int) *Request {
	req := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	if q.sending == i {
		q.sending = -1
	} else if q.sending > i {
		q.sending--
	}
	if len(q.items) == 0 {
		q.current = -1
	}
	return req
}

// promote makes the request at i the current one. Requests between keep their order.
func (q *requestQueue) promote(i int) {
	req := q.items[i]
	copy(q.items[1:i+1], q.items[:i])
	q.items[0] = req
	switch {
	case q.sending == i:
		q.sending = 0
	case q.sending >= 0 && q.sending < i:
		q.sending++
	}
}

// nextUnsent returns the index of the first request not sent yet, or -1.
func (q *requestQueue) nextUnsent() int {
	for i, req := range q.items {
		if req.state.send == sendNone {
			return i
		}
	}
	return -1
}

func (q *requestQueue) unsentCount() (n int) {
	for _, req := range q.items {
		if req.state.send == sendNone {
			n++
		}
	}
	return n
}

// inFlight counts requests sent with no response head yet.
func (q *requestQueue) inFlight() (n int) {
	for _, req := range q.items {
		if req.state.send != sendNone && !req.state.headerLoaded {
			n++
		}
	}
	return n
}

// pipelineEnv is what a connection knows about pipelining to its destination.
type pipelineEnv struct {
	enabled      bool // pipelining is configured
	verdict      PipelineVerdict
	noPipeline   bool
	host10       bool // the server speaks HTTP/1.0
	keepAlive10  bool // a persistent HTTP/1.0 connection
	undetermined bool // no response has told the protocol version yet
}

// canPipelineNext reports whether candidate may be sent while pred, sent just before it on the
// same connection, is still waiting for its response head.
func canPipelineNext(candidate *Request, pred *Request, env pipelineEnv) bool {
	if pred == nil || pred.state.headerLoaded {
		return true
	}
	if !pred.isSafe() || !candidate.isSafe() || pred.Form {
		return false
	}
	if !env.enabled || env.noPipeline || env.host10 || env.keepAlive10 || env.undetermined {
		return false
	}
	if env.verdict != VerdictFast {
		return false
	}
	if pred.state.forceWaiting {
		return false
	}
	if candidate.Form && candidate.hasQuery() && pred.hasQuery() {
		return false
	}
	return true
}
