// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x response heads. See RFC 9112.

package hemi

import (
	"bytes"
	"errors"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	errBadStatusLine = errors.New("bad status line")
	errHeadTooLarge  = errors.New("response head too large")
)

// ResponseHead is the status line and header section of a response.
type ResponseHead struct {
	Major         int
	Minor         int
	Status        int
	Reason        string
	Headers       Headers
	ContentLength int64    // -1 if not announced
	Chunked       bool     // chunked is the last transfer-coding
	Codings       []string // transfer-codings applied before chunked, in order
	Close         bool     // Connection: close
	KeepAlive     bool     // Connection: keep-alive
	ProxyClose    bool     // Proxy-Connection: close
	ProxyAlive    bool     // Proxy-Connection: keep-alive
	KeepAliveMax  int      // max= of Keep-Alive, 0 if absent
	Server        string
	HasServer     bool
	ContentRange  string
	Simple        bool // no status line was received, the whole response is body
}

func (h *ResponseHead) IsHTTP11() bool { return h.Major == 1 && h.Minor == 1 }
func (h *ResponseHead) IsRedirect() bool {
	switch h.Status {
	case 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

type headResult uint8

const (
	headNeedMore  headResult = iota // no terminator yet
	headComplete                    // the whole head is received
	headMalformed                   // input does not start with a status line
	headTooLarge                    // head exceeds the limit
)

// headParser receives a response head incrementally. The terminator may arrive split over any
// number of inputs: the end-of-line state survives between feeds.
type headParser struct {
	// States (non-zeros)
	maxSize int
	// States (zeros)
	input   []byte // head bytes received so far
	started bool   // leading empty lines are skipped
	checked bool   // "HTTP/" prefix is verified
	eol     uint8  // 0: inside a line, 1: got LF, 2: got LF CR
}

func (p *headParser) reset() {
	p.input = p.input[:0]
	p.started = false
	p.checked = false
	p.eol = 0
}

// feed consumes data until the end of the head. consumed is the number of bytes of data that
// belong to the head.
func (p *headParser) feed(data []byte) (consumed int, result headResult) {
	i := 0
	for i < len(data) {
		if !p.started {
			if b := data[i]; b == '\r' || b == '\n' {
				i++
				continue
			}
			p.started = true
		}
		if p.eol == 0 {
			j := bytes.IndexByte(data[i:], '\n')
			if j < 0 {
				p.input = append(p.input, data[i:]...)
				if !p.checkPrefix(false) {
					return len(data), headMalformed
				}
				if len(p.input) > p.maxSize {
					return len(data), headTooLarge
				}
				return len(data), headNeedMore
			}
			p.input = append(p.input, data[i:i+j+1]...)
			i += j + 1
			p.eol = 1
			if !p.checkPrefix(true) {
				return i, headMalformed
			}
			if len(p.input) > p.maxSize {
				return i, headTooLarge
			}
			continue
		}
		b := data[i]
		p.input = append(p.input, b)
		i++
		if b == '\n' { // LF LF or LF CR LF
			return i, headComplete
		}
		if b == '\r' && p.eol == 1 {
			p.eol = 2
		} else {
			p.eol = 0
		}
	}
	return i, headNeedMore
}

// checkPrefix checks the received bytes against "HTTP/". lineDone means the status line ended.
func (p *headParser) checkPrefix(lineDone bool) bool {
	if p.checked {
		return true
	}
	const prefix = "HTTP/"
	n := len(p.input)
	if n > len(prefix) {
		n = len(prefix)
	}
	if !bytesHasPrefixFold(p.input[:n], prefix[:n]) {
		return false
	}
	if n == len(prefix) {
		p.checked = true
		return true
	}
	return !lineDone
}

// parseHead parses a complete head as received by headParser.
func parseHead(input []byte) (*ResponseHead, error) {
	head := &ResponseHead{ContentLength: -1}
	back, fore := 0, 0
	first := true
	for fore < len(input) {
		edge := bytes.IndexByte(input[fore:], '\n')
		if edge < 0 {
			break
		}
		edge += fore
		back, fore = fore, edge+1
		line := input[back:edge]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if first {
			if err := head.parseStatusLine(line); err != nil {
				return nil, err
			}
			first = false
			continue
		}
		if len(line) == 0 { // end of head
			break
		}
		if byteIsBlank(line[0]) { // obs-fold
			if n := len(head.Headers); n > 0 {
				if value := bytesTrimBlank(line); len(value) > 0 {
					head.Headers[n-1].Value += " " + string(value)
				}
			}
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			continue // tolerate garbage lines
		}
		name := string(bytesTrimBlank(line[:colon]))
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		head.Headers = append(head.Headers, Header{Name: name, Value: string(bytesTrimBlank(line[colon+1:]))})
	}
	if first {
		return nil, errBadStatusLine
	}
	head.examine()
	return head, nil
}

func (h *ResponseHead) parseStatusLine(line []byte) error { // HTTP/x.y SP status SP reason
	if !bytesHasPrefixFold(line, "HTTP/") {
		return errBadStatusLine
	}
	fore := len("HTTP/")
	major, fore, okMajor := parseVersionNumber(line, fore)
	minor := 0
	okMinor := false
	if okMajor && fore < len(line) && line[fore] == '.' {
		minor, fore, okMinor = parseVersionNumber(line, fore+1)
	}
	if okMajor && okMinor {
		h.Major, h.Minor = major, minor
	} else { // unparseable versions are treated as HTTP/1.0
		h.Major, h.Minor = 1, 0
		for fore < len(line) && !byteIsBlank(line[fore]) {
			fore++
		}
	}
	for fore < len(line) && byteIsBlank(line[fore]) {
		fore++
	}
	if fore+3 > len(line) || !byteIsDigit(line[fore]) || !byteIsDigit(line[fore+1]) || !byteIsDigit(line[fore+2]) {
		return errBadStatusLine
	}
	h.Status = int(line[fore]-'0')*100 + int(line[fore+1]-'0')*10 + int(line[fore+2]-'0')
	fore += 3
	if fore < len(line) && !byteIsBlank(line[fore]) {
		return errBadStatusLine
	}
	h.Reason = string(bytesTrimBlank(line[fore:]))
	return nil
}

func parseVersionNumber(line []byte, fore int) (n int, edge int, ok bool) {
	edge = fore
	for edge < len(line) && byteIsDigit(line[edge]) && edge-fore < 3 {
		n = n*10 + int(line[edge]-'0')
		edge++
	}
	return n, edge, edge > fore
}

// examine derives framing and connection fields from the header list.
func (h *ResponseHead) examine() {
	for i := range h.Headers {
		header := &h.Headers[i]
		switch strings.ToLower(header.Name) {
		case "content-length":
			if h.ContentLength == -1 {
				if size, ok := decToI64([]byte(header.Value)); ok {
					h.ContentLength = size
				}
			}
		case "transfer-encoding":
			for _, coding := range strings.Split(header.Value, ",") {
				coding = strings.ToLower(strings.TrimSpace(coding))
				if coding != "" && coding != "identity" {
					h.Codings = append(h.Codings, coding)
				}
			}
		case "keep-alive":
			for _, param := range strings.Split(header.Value, ",") {
				param = strings.TrimSpace(param)
				if len(param) > 4 && strings.EqualFold(param[:4], "max=") {
					if max, ok := decToI64([]byte(param[4:])); ok && max < 1<<20 {
						h.KeepAliveMax = int(max)
					}
				}
			}
		case "server":
			h.Server, h.HasServer = header.Value, true
		case "content-range":
			h.ContentRange = header.Value
		}
	}
	if n := len(h.Codings); n > 0 && h.Codings[n-1] == "chunked" {
		h.Chunked = true
		h.Codings = h.Codings[:n-1]
	}
	connection := h.Headers.Values("Connection")
	h.Close = httpguts.HeaderValuesContainsToken(connection, "close")
	h.KeepAlive = httpguts.HeaderValuesContainsToken(connection, "keep-alive")
	proxyConnection := h.Headers.Values("Proxy-Connection")
	h.ProxyClose = httpguts.HeaderValuesContainsToken(proxyConnection, "close")
	h.ProxyAlive = httpguts.HeaderValuesContainsToken(proxyConnection, "keep-alive")
}
