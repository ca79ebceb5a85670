// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Destinations. What was learned about a server is shared by all connections to it.

package hemi

// PipelineVerdict tells how far pipelining to a destination can be trusted.
type PipelineVerdict uint8

const (
	VerdictUnknown  PipelineVerdict = iota // not tested yet
	VerdictFast                            // pipelining is trusted
	VerdictCautious                        // one request at a time
)

func (v PipelineVerdict) String() string {
	switch v {
	case VerdictFast:
		return "fast"
	case VerdictCautious:
		return "cautious"
	default:
		return "unknown"
	}
}

// Destination is a server identified by address and security key.
type Destination struct {
	// Assocs
	addr   string // host:port
	secure string // security context key. empty for plain connections
	// States
	verdict            PipelineVerdict
	noPipeline         bool // never pipeline, the server has been seen breaking pipelines
	protocolDetermined bool
	http11             bool
	keepAlive10        bool // the server keeps HTTP/1.0 connections alive
	trustContentLength bool
	pipelineProblems   int32
	problemThreshold   int32
	// Pool states, owned by the manager
	conns   []*Conn
	pending []*Request
}

func NewDestination(addr string, secure string, config *Config) *Destination {
	d := &Destination{addr: addr, secure: secure}
	d.trustContentLength = config.TrustContentLength
	d.problemThreshold = config.PipelineProblemThreshold
	return d
}

func (d *Destination) Addr() string   { return d.addr }
func (d *Destination) Secure() string { return d.secure }
func (d *Destination) Key() string    { return destKey(d.addr, d.secure) }

func destKey(addr string, secure string) string {
	if secure == "" {
		return addr
	}
	return addr + "|" + secure
}

func (d *Destination) Verdict() PipelineVerdict { return d.verdict }
func (d *Destination) NoPipeline() bool         { return d.noPipeline }
func (d *Destination) HTTP11() bool             { return d.protocolDetermined && d.http11 }
func (d *Destination) HTTP10() bool             { return d.protocolDetermined && !d.http11 }
func (d *Destination) KeepAlive10() bool        { return d.keepAlive10 }
func (d *Destination) TrustContentLength() bool { return d.trustContentLength }

func (d *Destination) setVerdict(verdict PipelineVerdict) {
	if d.verdict == VerdictCautious { // sticky
		return
	}
	d.verdict = verdict
}

func (d *Destination) disablePipelining() {
	d.noPipeline = true
	d.verdict = VerdictCautious
}

func (d *Destination) noteProtocol(http11 bool, keepAlive10 bool) {
	d.protocolDetermined = true
	d.http11 = http11
	if keepAlive10 {
		d.keepAlive10 = true
	}
}

// incPipelineProblem records a pipeline problem. It returns true when the destination is
// downgraded because of it.
func (d *Destination) incPipelineProblem() bool {
	d.pipelineProblems++
	if d.pipelineProblems >= d.problemThreshold && !d.noPipeline {
		d.disablePipelining()
		return true
	}
	return false
}

func (d *Destination) applyConfig(config *Config) {
	d.problemThreshold = config.PipelineProblemThreshold
}
