// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// HTTP/1.x chunked transfer-coding. See RFC 9112 section 7.1.

package hemi

import (
	"bytes"
	"errors"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

var errBadChunk = errors.New("bad chunk")

const maxChunkLine = _4K // size lines and trailer lines

type chunkState uint8

const (
	chunkSizeLine chunkState = iota // waiting for chunk-size [chunk-ext] CRLF
	chunkData                       // consuming chunk-data
	chunkDataEnd                    // chunk-data consumed, waiting for CRLF
	chunkTrailers                   // after last-chunk, receiving trailer-section
	chunkDone                       // the whole chunked content is received
)

// chunkDecoder removes chunked framing from a body that arrives in arbitrary pieces.
type chunkDecoder struct {
	// States (zeros)
	state    chunkState
	remain   int64   // bytes left in current chunk-data
	gotCR    bool    // got CR after chunk-data
	line     []byte  // partial size line or trailer line
	trailers Headers // received trailer fields
	decoded  int64   // total chunk-data bytes
}

func (d *chunkDecoder) reset() {
	d.state = chunkSizeLine
	d.remain = 0
	d.gotCR = false
	d.line = d.line[:0]
	d.trailers = nil
	d.decoded = 0
}

func (d *chunkDecoder) isDone() bool { return d.state == chunkDone }

// waitingForSize reports whether the decoder is between chunks.
func (d *chunkDecoder) waitingForSize() bool { return d.state == chunkSizeLine && len(d.line) == 0 }

// feed decodes data and passes each piece of chunk-data to emit. consumed is the number of bytes
// of data that belong to the chunked content. Bytes after the end of the content are left unconsumed.
func (d *chunkDecoder) feed(data []byte, emit func(p []byte)) (consumed int, err error) {
	fore := 0
	for fore < len(data) && d.state != chunkDone {
		switch d.state {
		case chunkSizeLine:
			line, edge, ok := d.takeLine(data, fore)
			fore = edge
			if !ok {
				if len(d.line) > maxChunkLine {
					return fore, errBadChunk
				}
				continue
			}
			size, valid := parseChunkSize(line)
			d.line = d.line[:0]
			if !valid {
				return fore, errBadChunk
			}
			if size == 0 {
				d.state = chunkTrailers
			} else {
				d.remain = size
				d.state = chunkData
			}
		case chunkData:
			n := int64(len(data) - fore)
			if n > d.remain {
				n = d.remain
			}
			if emit != nil {
				emit(data[fore : fore+int(n)])
			}
			fore += int(n)
			d.remain -= n
			d.decoded += n
			if d.remain == 0 {
				d.state = chunkDataEnd
			}
		case chunkDataEnd:
			b := data[fore]
			fore++
			if b == '\n' {
				d.gotCR = false
				d.state = chunkSizeLine
			} else if b == '\r' && !d.gotCR {
				d.gotCR = true
			} else {
				return fore, errBadChunk
			}
		case chunkTrailers:
			line, edge, ok := d.takeLine(data, fore)
			fore = edge
			if !ok {
				if len(d.line) > maxChunkLine {
					return fore, errBadChunk
				}
				continue
			}
			if len(line) == 0 {
				d.state = chunkDone
			} else {
				d.addTrailer(line)
			}
			d.line = d.line[:0]
		}
	}
	return fore, nil
}

// takeLine collects bytes up to LF. line excludes the CR LF or LF and is only valid until the next call.
func (d *chunkDecoder) takeLine(data []byte, fore int) (line []byte, edge int, ok bool) {
	i := bytes.IndexByte(data[fore:], '\n')
	if i < 0 {
		d.line = append(d.line, data[fore:]...)
		return nil, len(data), false
	}
	edge = fore + i + 1
	if len(d.line) == 0 {
		line = data[fore : edge-1]
	} else {
		d.line = append(d.line, data[fore:edge-1]...)
		line = d.line
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, edge, true
}

func (d *chunkDecoder) addTrailer(line []byte) {
	if byteIsBlank(line[0]) { // obs-fold
		if n := len(d.trailers); n > 0 {
			if value := bytesTrimBlank(line); len(value) > 0 {
				d.trailers[n-1].Value += " " + string(value)
			}
		}
		return
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return
	}
	name := string(bytesTrimBlank(line[:colon]))
	if !httpguts.ValidHeaderFieldName(name) {
		return
	}
	d.trailers = append(d.trailers, Header{Name: name, Value: string(bytesTrimBlank(line[colon+1:]))})
}

// parseChunkSize parses chunk-size [chunk-ext]. Extensions are ignored.
func parseChunkSize(line []byte) (int64, bool) {
	line = bytesTrimBlank(line)
	edge := 0
	for edge < len(line) {
		if _, ok := byteFromHex(line[edge]); !ok {
			break
		}
		edge++
	}
	size, ok := hexToI64(line[:edge])
	if !ok {
		return 0, false
	}
	rest := bytesTrimBlank(line[edge:])
	if len(rest) > 0 && rest[0] != ';' {
		return 0, false
	}
	return size, true
}

// appendChunked appends p as one chunk to dst. An empty p appends the last-chunk with trailers.
func appendChunked(dst []byte, p []byte, trailers Headers) []byte {
	if len(p) > 0 {
		dst = strconv.AppendInt(dst, int64(len(p)), 16)
		dst = append(dst, "\r\n"...)
		dst = append(dst, p...)
		return append(dst, "\r\n"...)
	}
	dst = append(dst, "0\r\n"...)
	for _, trailer := range trailers {
		dst = append(dst, trailer.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, trailer.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}
