// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x requests, their bodies and their sinks. See RFC 9112.

package hemi

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ( // terminal failures reported to sinks
	ErrConnectionClosed  = errors.New("connection closed")
	ErrConnectionRefused = errors.New("connection refused")
	ErrRepeatedFailed    = errors.New("repeated failures")
	ErrTimeout           = errors.New("timeout")
	ErrInternal          = errors.New("internal error")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrCanceled          = errors.New("request canceled")
	ErrNoMoreRequests    = errors.New("connection accepts no more requests")
	ErrBadContent        = errors.New("bad content coding")
)

// Header is a field line.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of field lines.
type Headers []Header

// Get returns the value of the first field named name, case-insensitively.
func (h Headers) Get(name string) (string, bool) {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value, true
		}
	}
	return "", false
}

// Values returns values of all fields named name.
func (h Headers) Values(name string) (values []string) {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			values = append(values, h[i].Value)
		}
	}
	return values
}

// BodyProducer produces a request body in chunks. When no data is ready it returns wouldBlock
// and later calls Conn.BodyReady.
type BodyProducer interface {
	NextChunk(max int) (p []byte, done bool, wouldBlock bool)
}

// BytesBody is a BodyProducer over a fixed byte slice.
type BytesBody struct {
	data []byte
	from int
}

func NewBytesBody(data []byte) *BytesBody { return &BytesBody{data: data} }

func (b *BytesBody) NextChunk(max int) ([]byte, bool, bool) {
	edge := b.from + max
	if edge > len(b.data) {
		edge = len(b.data)
	}
	p := b.data[b.from:edge]
	b.from = edge
	return p, b.from == len(b.data), false
}
func (b *BytesBody) rewind() { b.from = 0 }

// rewinder is implemented by producers that can produce their body again on a retry.
type rewinder interface {
	rewind()
}

// ResponseSink receives the response of a request. Exactly one of OnFinished and OnFailed is called.
type ResponseSink interface {
	OnHeaderLoaded(head *ResponseHead)
	OnBodyBytes(p []byte)
	OnTrailers(trailers Headers)
	OnFinished(status int)
	OnFailed(err error)
}

// Request is one logical HTTP transaction queued on a connection.
type Request struct {
	// Assocs
	Method   string
	Target   string // request-target as it appears in the request line
	Host     string // value of the Host header
	Headers  Headers
	Body     BodyProducer // optional
	BodySize int64        // -1 means unknown and the body is sent chunked
	Sink     ResponseSink
	// Options
	Priority  int
	Form      bool       // a form submission
	Proxy     bool       // sent to a plain proxy
	Secure    bool       // tunneled, so not a plain proxy request
	SendClose bool       // ask the server to close the connection after the response
	Range     *ByteRange // requested byte range. nil means the whole entity
	SeqID     uint32     // sequence id assigned by an overlay protocol. 0 if none
	// States
	id       uuid.UUID
	state    requestState
	marks    pipelineMarks
	retry    retryState
	delivery deliveryState
}

// NewRequest creates a request without body.
func NewRequest(method string, target string, host string, sink ResponseSink) *Request {
	return &Request{
		Method:   method,
		Target:   target,
		Host:     host,
		BodySize: -1,
		Sink:     sink,
		id:       uuid.New(),
	}
}

// SetBody sets a body of known size.
func (r *Request) SetBody(body []byte) {
	r.Body = NewBytesBody(body)
	r.BodySize = int64(len(body))
}

func (r *Request) ID() uuid.UUID {
	if r.id == uuid.Nil {
		r.id = uuid.New()
	}
	return r.id
}

func (r *Request) Sent() bool         { return r.state.send == sendSent }
func (r *Request) Sending() bool      { return r.state.send == sendSending }
func (r *Request) HeaderLoaded() bool { return r.state.headerLoaded }
func (r *Request) Waiting() bool      { return r.state.waiting }
func (r *Request) ForceWaiting() bool { return r.state.forceWaiting }
func (r *Request) SendCount() int32   { return r.retry.sendCount }
func (r *Request) Retried() bool      { return r.retry.retried }
func (r *Request) Terminated() bool   { return r.delivery.terminated }

func (r *Request) isSafe() bool { return methodIsSafe(r.Method) }
func (r *Request) hasQuery() bool {
	return strings.IndexByte(r.Target, '?') >= 0
}
func (r *Request) isHEAD() bool { return r.Method == "HEAD" }

// methodIsSafe reports whether a request with this method can be sent again without side effects.
func methodIsSafe(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return true
	default:
		return false
	}
}

type sendState uint8

const (
	sendNone    sendState = iota // not sent yet
	sendSending                  // partially written
	sendSent                     // fully written
)

// requestState is the state of a request on its current connection.
type requestState struct {
	send         sendState
	headerLoaded bool
	waiting      bool // blocked from pipelining behind its predecessor
	forceWaiting bool // successors must not pipeline behind this one
}

type pipelineMarks struct {
	usedByPrevious bool // sent while its predecessor was still in flight
	sentPipelined  bool // a successor was sent before this one had its header
}

type retryState struct {
	sendCount      int32
	connectCount   int32
	retried        bool
	prevLoadLength int64
	dropRange      bool // a range mismatch happened, fetch the whole entity
}

// deliveryState makes restarts invisible to the sink.
type deliveryState struct {
	terminated    bool
	headDelivered bool
	headStatus    int
	headLength    int64
	delivered     int64 // body bytes given to the sink
	skip          int64 // body bytes to drop from a restarted response
}

// resetForRetry prepares r to be sent again on a new connection.
func (r *Request) resetForRetry() {
	r.state = requestState{forceWaiting: r.state.forceWaiting}
	r.marks = pipelineMarks{}
	r.delivery.skip = r.delivery.delivered
	if body, ok := r.Body.(rewinder); ok {
		body.rewind()
	}
}

// deliverHead gives head to the sink unless an earlier attempt already did. ok is false if the
// restarted response does not describe the same entity.
func (r *Request) deliverHead(head *ResponseHead) (ok bool) {
	if r.delivery.headDelivered {
		return head.Status == r.delivery.headStatus && head.ContentLength == r.delivery.headLength
	}
	r.delivery.headDelivered = true
	r.delivery.headStatus = head.Status
	r.delivery.headLength = head.ContentLength
	if r.Sink != nil {
		r.Sink.OnHeaderLoaded(head)
	}
	return true
}
func (r *Request) deliverBody(p []byte) {
	if r.delivery.terminated {
		return
	}
	if r.delivery.skip > 0 {
		if n := int64(len(p)); n <= r.delivery.skip {
			r.delivery.skip -= n
			return
		}
		p = p[r.delivery.skip:]
		r.delivery.skip = 0
	}
	if len(p) == 0 {
		return
	}
	r.delivery.delivered += int64(len(p))
	if r.Sink != nil {
		r.Sink.OnBodyBytes(p)
	}
}
func (r *Request) deliverTrailers(trailers Headers) {
	if r.Sink != nil && len(trailers) > 0 && !r.delivery.terminated {
		r.Sink.OnTrailers(trailers)
	}
}

func (r *Request) finish(status int) bool {
	if r.delivery.terminated {
		return false
	}
	r.delivery.terminated = true
	if r.Sink != nil {
		r.Sink.OnFinished(status)
	}
	return true
}
func (r *Request) fail(err error) bool {
	if r.delivery.terminated {
		return false
	}
	r.delivery.terminated = true
	if r.Sink != nil {
		r.Sink.OnFailed(err)
	}
	return true
}
