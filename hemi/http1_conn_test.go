// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// establish serves one request so the protocol and pipeline verdict are known.
func (h *connHarness) establish(server string) {
	_, sink := h.add("GET", "/first")
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: " + server + "\r\nContent-Length: 5\r\n\r\nfirst")
	require.Equal(h.t, 200, sink.status)
}

func TestConnKeepAliveReuse(t *testing.T) {
	h := newConnHarness(t, "")
	_, sinkA := h.add("GET", "/a")
	h.transport.respond(okResponse("hello"))
	require.Equal(t, []string{"head", "body", "finished"}, sinkA.events)
	require.Equal(t, "hello", sinkA.body.String())
	require.Equal(t, VerdictFast, h.dest.Verdict())
	require.True(t, h.dest.HTTP11())
	require.True(t, h.conn.IsIdle())
	require.Equal(t, 1, h.owner.idles)

	_, sinkB := h.add("GET", "/b")
	h.transport.respond(okResponse("world"))
	require.Equal(t, "world", sinkB.body.String())
	require.Equal(t, []string{"GET /a HTTP/1.1", "GET /b HTTP/1.1"}, h.transport.requestLines())
	require.False(t, h.transport.closed)
}

func TestConnComposesHead(t *testing.T) {
	h := newConnHarness(t, "")
	req := NewRequest("GET", "/a?x=1", "origin.test", new(recordingSink))
	req.Headers = Headers{
		{"Accept", "*/*"},
		{"Connection", "close"},
		{"Content-Length", "7"},
		{"Host", "other.test"},
	}
	require.NoError(t, h.conn.AddRequest(req, false))
	require.Equal(t, "GET /a?x=1 HTTP/1.1\r\nHost: origin.test\r\nAccept: */*\r\nConnection: keep-alive\r\n\r\n", h.transport.sent.String())
}

func TestConnTakesRequestsBeforeConnect(t *testing.T) {
	h := newDialingHarness(t, "")
	require.True(t, h.conn.AcceptsNewRequests())
	_, sink := h.add("GET", "/a")
	require.Zero(t, h.transport.sent.Len())
	require.Zero(t, h.transport.connects)

	h.conn.Connect()
	require.Equal(t, 1, h.transport.connects)
	require.Zero(t, h.transport.sent.Len(), "nothing is written before the transport connects")
	h.transport.accept()
	require.Equal(t, []string{"GET /a HTTP/1.1"}, h.transport.requestLines())
	h.transport.respond(okResponse("a"))
	require.Equal(t, "a", sink.body.String())
}

func TestConnFirstRequestNotPipelined(t *testing.T) {
	h := newConnHarness(t, "")
	reqA, _ := h.add("GET", "/a")
	reqB, sinkB := h.add("GET", "/b")
	require.True(t, reqA.Sent())
	require.True(t, reqB.Waiting(), "the protocol of the server is unknown yet")
	require.Len(t, h.transport.requestLines(), 1)

	h.transport.respond(okResponse("a"))
	require.True(t, reqB.Sent())
	h.transport.respond(okResponse("b"))
	require.Equal(t, "b", sinkB.body.String())
}

func TestConnPipelining(t *testing.T) {
	h := newConnHarness(t, "")
	h.establish("origin/1.0")

	reqs := make([]*Request, 3)
	sinks := make([]*recordingSink, 3)
	for i, target := range []string{"/b", "/c", "/d"} {
		reqs[i], sinks[i] = h.add("GET", target)
	}
	require.Len(t, h.transport.requestLines(), 4, "all requests are sent before any response")
	require.True(t, reqs[0].marks.sentPipelined)
	require.True(t, reqs[1].marks.usedByPrevious)
	require.Positive(t, h.transport.batches)

	h.transport.respond(okResponse("B") + okResponse("C") + okResponse("D"))
	for i, body := range []string{"B", "C", "D"} {
		require.Equal(t, body, sinks[i].body.String())
		require.Equal(t, 200, sinks[i].status)
	}
	require.Len(t, h.owner.done, 4)
	require.Equal(t, reqs[2], h.owner.done[3])
}

func TestConnPostBlocksPipelining(t *testing.T) {
	h := newConnHarness(t, "")
	h.establish("origin/1.0")

	post := NewRequest("POST", "/form", "origin.test", new(recordingSink))
	post.SetBody([]byte("x=1"))
	require.NoError(t, h.conn.AddRequest(post, false))
	get, _ := h.add("GET", "/b")
	require.True(t, post.Sent())
	require.True(t, get.Waiting())
	require.Len(t, h.transport.requestLines(), 2)
	require.Contains(t, h.transport.sent.String(), "Content-Length: 3\r\nConnection: keep-alive\r\n\r\nx=1")

	h.transport.respond(okResponse("ok"))
	require.True(t, get.Sent())
	require.Equal(t, 1, h.conn.queue.inFlight())
}

func TestConnCautiousKeepsOneInFlight(t *testing.T) {
	h := newConnHarness(t, "")
	h.establish("Microsoft-IIS/5.0")
	require.Equal(t, VerdictCautious, h.dest.Verdict())

	var sinks []*recordingSink
	for _, target := range []string{"/b", "/c", "/d"} {
		_, sink := h.add("GET", target)
		sinks = append(sinks, sink)
		require.LessOrEqual(t, h.conn.queue.inFlight(), 1)
	}
	for i := range sinks {
		require.Equal(t, 1, h.conn.queue.inFlight())
		h.transport.respond(okResponse("x"))
		require.Equal(t, 200, sinks[i].status)
		require.LessOrEqual(t, h.conn.queue.inFlight(), 1)
	}
	require.Len(t, h.transport.requestLines(), 4)
}

func TestConnChunkedWithTrailers(t *testing.T) {
	h := newConnHarness(t, "")
	_, sink := h.add("GET", "/a")
	response := "HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nTransfer-Encoding: chunked\r\nTrailer: X-Checksum\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n"
	for i := 0; i < len(response); i++ {
		h.transport.respond(response[i : i+1])
	}
	require.Equal(t, []string{"head", "body", "trailers", "finished"}, sink.events)
	require.Equal(t, "hello world", sink.body.String())
	require.Equal(t, Headers{{"X-Checksum", "abc"}}, sink.trailers)
}

func TestConnSkipsInterimResponses(t *testing.T) {
	h := newConnHarness(t, "")
	_, sink := h.add("GET", "/a")
	h.transport.respond("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a.css>\r\n\r\n" + okResponse("done"))
	require.Equal(t, []string{"head", "body", "finished"}, sink.events)
	require.Equal(t, 200, sink.head.Status)
}

func TestConnSimpleResponse(t *testing.T) {
	h := newConnHarness(t, "")
	_, sink := h.add("GET", "/")
	h.transport.respond("<html>hi")
	h.transport.respond("</html>")
	require.Equal(t, []string{"head", "body"}, sink.events)
	h.transport.hangUp()
	require.Equal(t, 200, sink.status)
	require.True(t, sink.head.Simple)
	require.Equal(t, "<html>hi</html>", sink.body.String())
	require.True(t, h.dest.HTTP10())
	require.Equal(t, 1, h.owner.finished)
}

func TestConnHTTP10KeepAlive(t *testing.T) {
	h := newConnHarness(t, "")
	_, sink := h.add("GET", "/a")
	h.transport.respond("HTTP/1.0 200 OK\r\nServer: origin/1.0\r\nConnection: keep-alive\r\nKeep-Alive: max=2\r\nContent-Length: 2\r\n\r\nok")
	require.Equal(t, 200, sink.status)
	require.True(t, h.dest.KeepAlive10())
	require.Equal(t, VerdictCautious, h.dest.Verdict())

	reqB, _ := h.add("GET", "/b")
	reqC, _ := h.add("GET", "/c")
	require.True(t, reqB.Sent())
	require.True(t, reqC.Waiting())
	err := h.conn.AddRequest(NewRequest("GET", "/d", "origin.test", nil), false)
	require.ErrorIs(t, err, ErrNoMoreRequests)
}

func TestConnCloseMovesQueuedRequests(t *testing.T) {
	h := newConnHarness(t, "")
	_, sinkA := h.add("GET", "/a")
	reqB, _ := h.add("GET", "/b")
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nConnection: close\r\nContent-Length: 1\r\n\r\na")
	require.Equal(t, 200, sinkA.status)
	require.Equal(t, []*Request{reqB}, h.owner.requeued)
	require.True(t, h.transport.closed)
	require.Equal(t, 1, h.owner.finished)
}

func TestConnZeroLengthClose(t *testing.T) {
	h := newConnHarness(t, "")
	_, sink := h.add("GET", "/a")
	h.transport.respond("HTTP/1.1 204 No Content\r\nServer: origin/1.0\r\nConnection: close\r\n\r\n")
	require.Equal(t, 204, sink.status)
	require.False(t, h.transport.closed, "the server gets a chance to close first")
	h.timers.advance(time.Second)
	require.True(t, h.transport.closed)
}

func TestConnResponseTimeout(t *testing.T) {
	h := newConnHarness(t, "")
	reqA, sinkA := h.add("GET", "/a")
	h.timers.advance(120 * time.Second)
	require.Empty(t, sinkA.events)
	require.Equal(t, []*Request{reqA}, h.owner.requeued, "a safe request without response is sent again")
	require.True(t, h.transport.closed)

	h = newConnHarness(t, "")
	post := NewRequest("POST", "/a", "origin.test", new(recordingSink))
	require.NoError(t, h.conn.AddRequest(post, false))
	h.timers.advance(120 * time.Second)
	require.ErrorIs(t, post.Sink.(*recordingSink).err, ErrTimeout)
	require.Empty(t, h.owner.requeued)
}

func TestConnIdleTimeoutRetries(t *testing.T) {
	h := newConnHarness(t, "")
	req, sink := h.add("GET", "/a")
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nContent-Length: 10\r\n\r\n01234")
	h.timers.advance(30 * time.Second)
	h.transport.respond("56")
	h.timers.advance(30 * time.Second)
	require.False(t, h.transport.closed, "bytes came in meanwhile")
	h.timers.advance(30 * time.Second)
	require.True(t, h.transport.closed)
	require.True(t, req.Retried())
	require.Equal(t, []*Request{req}, h.owner.requeued)
	require.Equal(t, "0123456", sink.body.String())
}

func TestConnIdleCheck(t *testing.T) {
	h := newConnHarness(t, "")
	h.timers.advance(25 * time.Second)
	require.True(t, h.transport.closed, "never used")

	h = newConnHarness(t, "")
	h.establish("origin/1.0")
	h.timers.advance(25 * time.Second)
	require.False(t, h.transport.closed)
	h.timers.advance(2 * time.Minute)
	require.True(t, h.transport.closed, "idle for too long")
}

func TestConnStalledPipeline(t *testing.T) {
	h := newConnHarness(t, `{"responseTimeout": "10m"}`)
	h.establish("origin/1.0")
	reqA, sinkA := h.add("GET", "/a")
	reqB, _ := h.add("GET", "/b")
	require.True(t, reqB.marks.usedByPrevious)
	h.transport.respond(okResponse("A"))
	require.Equal(t, 200, sinkA.status)

	h.timers.advance(145 * time.Second)
	require.True(t, h.transport.closed)
	require.True(t, h.dest.NoPipeline())
	require.Equal(t, [][]uuid.UUID{{reqA.ID()}}, h.owner.reloads)
	require.Equal(t, []*Request{reqB}, h.owner.requeued)
}

func TestConnProtocolViolationOnPipeline(t *testing.T) {
	h := newConnHarness(t, "")
	h.establish("origin/1.0")
	reqA, _ := h.add("GET", "/a")
	reqB, sinkB := h.add("GET", "/b")
	reqC, _ := h.add("GET", "/c")
	h.transport.respond(okResponse("A"))
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n")
	require.Equal(t, []string{"head"}, sinkB.events)
	require.True(t, h.dest.NoPipeline())
	require.Equal(t, VerdictCautious, h.dest.Verdict())
	require.Equal(t, [][]uuid.UUID{{reqA.ID()}}, h.owner.reloads)
	require.Equal(t, []*Request{reqB, reqC}, h.owner.requeued)
	require.True(t, h.transport.closed)
}

func TestConnNeverPipelineServer(t *testing.T) {
	h := newConnHarness(t, "")
	_, sinkA := h.add("GET", "/a")
	reqB, _ := h.add("GET", "/b")
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: Netscape-Enterprise/3.6\r\nContent-Length: 1\r\n\r\na")
	require.Equal(t, 200, sinkA.status)
	require.True(t, h.dest.NoPipeline())
	require.Equal(t, []*Request{reqB}, h.owner.requeued)
	require.False(t, h.conn.AcceptsNewRequests())
}

func TestConnOutOfOrderResponse(t *testing.T) {
	h := newConnHarness(t, `{"trustSequenceIDs": true}`)
	h.establish("origin/1.0")
	sinkA, sinkB := new(recordingSink), new(recordingSink)
	reqA := NewRequest("GET", "/a", "origin.test", sinkA)
	reqA.SeqID = 1
	reqB := NewRequest("GET", "/b", "origin.test", sinkB)
	reqB.SeqID = 2
	require.NoError(t, h.conn.AddRequest(reqA, false))
	require.NoError(t, h.conn.AddRequest(reqB, false))

	require.False(t, h.conn.HandleOutOfOrderResponse(3))
	require.True(t, h.conn.HandleOutOfOrderResponse(2))
	h.transport.respond(okResponse("B"))
	require.Equal(t, "B", sinkB.body.String())
	require.True(t, h.conn.HandleOutOfOrderResponse(1))
	h.transport.respond(okResponse("A"))
	require.Equal(t, "A", sinkA.body.String())

	h = newConnHarness(t, "")
	req := NewRequest("GET", "/a", "origin.test", nil)
	req.SeqID = 1
	require.NoError(t, h.conn.AddRequest(req, false))
	require.False(t, h.conn.HandleOutOfOrderResponse(1), "sequence ids are not trusted by default")
}

func TestConnRemoveRequest(t *testing.T) {
	h := newConnHarness(t, "")
	reqA, sinkA := h.add("GET", "/a")
	reqB, sinkB := h.add("GET", "/b")
	require.True(t, h.conn.RemoveRequest(reqB))
	require.ErrorIs(t, sinkB.err, ErrCanceled)
	require.False(t, h.conn.RemoveRequest(reqB))

	h.transport.respond("HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nContent-Length: 10\r\n\r\n01")
	reqC, _ := h.add("GET", "/c")
	require.True(t, h.conn.RemoveRequest(reqA))
	require.ErrorIs(t, sinkA.err, ErrCanceled)
	require.Equal(t, []*Request{reqC}, h.owner.requeued, "the rest of the response can not be told apart")
	require.True(t, h.transport.closed)
	require.Equal(t, 1, sinkA.terminals())
}

func TestConnBackpressure(t *testing.T) {
	h := newConnHarness(t, "")
	h.transport.capacity = 10
	req, _ := h.add("GET", "/a")
	require.True(t, req.Sending())
	require.Equal(t, 10, h.transport.sent.Len())
	h.transport.capacity = 0
	h.conn.OnWritable()
	require.True(t, req.Sent())
	require.True(t, strings.HasSuffix(h.transport.sent.String(), "\r\n\r\n"))
}

// pausingBody produces its chunks one by one, blocking between them.
type pausingBody struct {
	chunks  []string
	blocked bool
}

func (b *pausingBody) NextChunk(max int) ([]byte, bool, bool) {
	if b.blocked {
		return nil, false, true
	}
	if len(b.chunks) == 0 {
		return nil, true, false
	}
	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	b.blocked = true
	return []byte(chunk), false, false
}

func TestConnChunkedRequestBody(t *testing.T) {
	h := newConnHarness(t, "")
	body := &pausingBody{chunks: []string{"abc", "defg"}}
	req := NewRequest("PUT", "/upload", "origin.test", new(recordingSink))
	req.Body = body
	require.NoError(t, h.conn.AddRequest(req, false))
	require.True(t, req.Sending())
	require.True(t, h.conn.out.bodyWaiting)

	for !req.Sent() {
		body.blocked = false
		h.conn.BodyReady()
	}
	sent := h.transport.sent.String()
	require.Contains(t, sent, "Transfer-Encoding: chunked\r\n")
	require.True(t, strings.HasSuffix(sent, "\r\n\r\n3\r\nabc\r\n4\r\ndefg\r\n0\r\n\r\n"), sent)
}

func TestConnBodyLargerThanAnnounced(t *testing.T) {
	h := newConnHarness(t, "")
	sink := new(recordingSink)
	req := NewRequest("POST", "/a", "origin.test", sink)
	req.Body = NewBytesBody([]byte("too long"))
	req.BodySize = 3
	require.NoError(t, h.conn.AddRequest(req, false))
	require.Nil(t, sink.err)
	require.True(t, req.Sent(), "only the announced bytes are taken")

	h = newConnHarness(t, "")
	sink = new(recordingSink)
	req = NewRequest("POST", "/a", "origin.test", sink)
	req.Body = NewBytesBody([]byte("ab"))
	req.BodySize = 3
	require.NoError(t, h.conn.AddRequest(req, false))
	require.ErrorIs(t, sink.err, ErrInvalidRequest)
	require.True(t, h.transport.closed)
}

func TestConnRejectsInvalidRequests(t *testing.T) {
	h := newConnHarness(t, "")
	bad := []*Request{
		NewRequest("GE T", "/", "origin.test", nil),
		NewRequest("GET", "", "origin.test", nil),
		NewRequest("GET", "/a b", "origin.test", nil),
		NewRequest("GET", "/", "bad host", nil),
		{Method: "POST", Target: "/", Host: "origin.test", BodySize: 10},
	}
	header := NewRequest("GET", "/", "origin.test", nil)
	header.Headers = Headers{{"X-Bad", "a\r\nb"}}
	bad = append(bad, header)
	for _, req := range bad {
		require.ErrorIs(t, h.conn.AddRequest(req, false), ErrInvalidRequest, "%s %q", req.Method, req.Target)
	}
	require.Zero(t, h.transport.sent.Len())
}

func TestConnPartialContentWithoutContentRange(t *testing.T) {
	h := newConnHarness(t, "")
	sink := new(recordingSink)
	req := NewRequest("GET", "/file", "origin.test", sink)
	req.Range = &ByteRange{0, 4}
	require.NoError(t, h.conn.AddRequest(req, false))
	h.transport.respond("HTTP/1.1 206 Partial Content\r\nServer: origin/1.0\r\nContent-Length: 5\r\n\r\nhello")
	require.Equal(t, []string{"head", "body", "finished"}, sink.events)
	require.Equal(t, 206, sink.status)
	require.Equal(t, "hello", sink.body.String())
	require.Empty(t, h.owner.requeued)
	require.False(t, h.transport.closed)
}

func TestConnNeverResendsForms(t *testing.T) {
	h := newConnHarness(t, "")
	h.establish("origin/1.0")
	sink := new(recordingSink)
	form := NewRequest("GET", "/search", "origin.test", sink)
	form.Form = true
	require.NoError(t, h.conn.AddRequest(form, false))
	h.transport.hangUp()
	require.ErrorIs(t, sink.err, ErrConnectionClosed)
	require.Empty(t, h.owner.requeued)

	h = newConnHarness(t, "")
	h.establish("origin/1.0")
	reqA, _ := h.add("GET", "/a")
	sink = new(recordingSink)
	form = NewRequest("GET", "/search", "origin.test", sink)
	form.Form = true
	require.NoError(t, h.conn.AddRequest(form, false))
	require.True(t, form.Sent(), "pipelined behind /a")
	h.transport.hangUp()
	require.ErrorIs(t, sink.err, ErrConnectionClosed)
	require.Equal(t, []*Request{reqA}, h.owner.requeued)
}
