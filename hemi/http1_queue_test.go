// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func queueTargets(q *requestQueue) (targets []string) {
	for _, req := range q.items {
		targets = append(targets, req.Target)
	}
	return targets
}

func TestQueueInsertWithPriority(t *testing.T) {
	var q requestQueue
	q.init()
	require.Nil(t, q.currentRequest())

	a := NewRequest("GET", "/a", "h", nil)
	a.state.send = sendSent
	q.insertWithPriority(a)
	b := NewRequest("GET", "/b", "h", nil)
	q.insertWithPriority(b)
	c := NewRequest("GET", "/c", "h", nil)
	c.Priority = 5
	require.Equal(t, 1, q.insertWithPriority(c), "passes unsent b but not sent a")
	require.Equal(t, []string{"/a", "/c", "/b"}, queueTargets(&q))

	post := NewRequest("POST", "/post", "h", nil)
	post.Priority = 9
	require.Equal(t, 3, q.insertWithPriority(post), "non-idempotent requests keep their place")

	d := NewRequest("GET", "/d", "h", nil)
	d.Priority = 9
	require.Equal(t, 4, q.insertWithPriority(d), "never passes a non-idempotent request")

	e := NewRequest("GET", "/e", "h", nil)
	e.Priority = 5
	require.Equal(t, 5, q.insertWithPriority(e), "equal priority keeps order")
	require.Equal(t, a, q.currentRequest())
}

func TestQueueForceWaitingBlocksPriority(t *testing.T) {
	var q requestQueue
	q.init()
	a := NewRequest("GET", "/a", "h", nil)
	a.state.forceWaiting = true
	q.insertWithPriority(a)
	b := NewRequest("GET", "/b", "h", nil)
	b.Priority = 1
	require.Equal(t, 1, q.insertWithPriority(b))
}

func TestQueueInsertFirstAndRemove(t *testing.T) {
	var q requestQueue
	q.init()
	a := NewRequest("GET", "/a", "h", nil)
	a.state.send = sendSent
	b := NewRequest("GET", "/b", "h", nil)
	b.state.send = sendSending
	c := NewRequest("GET", "/c", "h", nil)
	q.insertWithPriority(a)
	q.insertWithPriority(b)
	q.insertWithPriority(c)
	q.sending = 1

	first := NewRequest("GET", "/first", "h", nil)
	require.Equal(t, 2, q.insertFirst(first))
	require.Equal(t, []string{"/a", "/b", "/first", "/c"}, queueTargets(&q))
	require.Equal(t, 1, q.sending)
	require.Equal(t, 2, q.nextUnsent())
	require.Equal(t, 2, q.unsentCount())
	require.Equal(t, 2, q.inFlight())

	q.remove(0)
	require.Equal(t, 0, q.sending)
	require.Equal(t, b, q.sendingRequest())
	q.remove(0)
	require.Equal(t, -1, q.sending)
	q.remove(1)
	q.remove(0)
	require.True(t, q.empty())
	require.Nil(t, q.currentRequest())
}

func TestQueuePromote(t *testing.T) {
	var q requestQueue
	q.init()
	for _, target := range []string{"/a", "/b", "/c", "/d"} {
		req := NewRequest("GET", target, "h", nil)
		req.state.send = sendSent
		q.insertWithPriority(req)
	}
	q.items[3].state.send = sendSending
	q.sending = 3
	q.promote(2)
	require.Equal(t, []string{"/c", "/a", "/b", "/d"}, queueTargets(&q))
	require.Equal(t, 3, q.sending)
	q.promote(3)
	require.Equal(t, []string{"/d", "/c", "/a", "/b"}, queueTargets(&q))
	require.Equal(t, 0, q.sending)
}

func TestCanPipelineNext(t *testing.T) {
	fast := pipelineEnv{enabled: true, verdict: VerdictFast}
	get := func(target string) *Request { return NewRequest("GET", target, "h", nil) }
	sent := func(req *Request) *Request {
		req.state.send = sendSent
		return req
	}

	require.True(t, canPipelineNext(get("/b"), nil, fast))
	require.True(t, canPipelineNext(get("/b"), sent(get("/a")), fast))

	loaded := sent(get("/a"))
	loaded.state.headerLoaded = true
	require.True(t, canPipelineNext(NewRequest("POST", "/b", "h", nil), loaded, pipelineEnv{}), "a loaded predecessor never blocks")

	require.False(t, canPipelineNext(NewRequest("POST", "/b", "h", nil), sent(get("/a")), fast))
	require.False(t, canPipelineNext(get("/b"), sent(NewRequest("PUT", "/a", "h", nil)), fast))

	form := sent(get("/a"))
	form.Form = true
	require.False(t, canPipelineNext(get("/b"), form, fast))

	forced := sent(get("/a"))
	forced.state.forceWaiting = true
	require.False(t, canPipelineNext(get("/b"), forced, fast))

	queryForm := get("/b?y=2")
	queryForm.Form = true
	require.False(t, canPipelineNext(queryForm, sent(get("/a?x=1")), fast))
	require.True(t, canPipelineNext(queryForm, sent(get("/a")), fast))

	for name, env := range map[string]pipelineEnv{
		"disabled":     {verdict: VerdictFast},
		"cautious":     {enabled: true, verdict: VerdictCautious},
		"unknown":      {enabled: true},
		"no pipeline":  {enabled: true, verdict: VerdictFast, noPipeline: true},
		"http/1.0":     {enabled: true, verdict: VerdictFast, host10: true},
		"keep-alive":   {enabled: true, verdict: VerdictFast, keepAlive10: true},
		"undetermined": {enabled: true, verdict: VerdictFast, undetermined: true},
	} {
		require.False(t, canPipelineNext(get("/b"), sent(get("/a")), env), name)
	}
}
