// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Byte ranges. See RFC 9110 section 14.

package hemi

import (
	"errors"
	"strconv"
	"strings"
)

var errBadRange = errors.New("bad range")

// ByteRange is a single byte-range-spec.
type ByteRange struct {
	First int64 // -1 for a suffix range
	Last  int64 // -1 means up to the end. For a suffix range, the suffix length
}

func (r ByteRange) IsSuffix() bool { return r.First < 0 }

// String returns the value of a Range header.
func (r ByteRange) String() string {
	if r.First < 0 {
		return "bytes=-" + strconv.FormatInt(r.Last, 10)
	}
	if r.Last < 0 {
		return "bytes=" + strconv.FormatInt(r.First, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(r.First, 10) + "-" + strconv.FormatInt(r.Last, 10)
}

// ParseRange parses "bytes=X-Y", "bytes=X-" or "bytes=-N". If assumeBytes is true, the "bytes="
// prefix may be omitted.
func ParseRange(value string, assumeBytes bool) (ByteRange, error) {
	value = strings.TrimSpace(value)
	if len(value) >= 5 && value[:5] == "bytes" {
		value = strings.TrimLeft(value[5:], " \t")
		if len(value) == 0 || value[0] != '=' {
			return ByteRange{}, errBadRange
		}
		value = value[1:]
	} else if !assumeBytes {
		return ByteRange{}, errBadRange
	}
	dash := strings.IndexByte(value, '-')
	if dash < 0 {
		return ByteRange{}, errBadRange
	}
	first := strings.TrimSpace(value[:dash])
	last := strings.TrimSpace(value[dash+1:])
	r := ByteRange{First: -1, Last: -1}
	if first == "" { // suffix range
		n, ok := decToI64([]byte(last))
		if !ok {
			return ByteRange{}, errBadRange
		}
		r.Last = n
		return r, nil
	}
	n, ok := decToI64([]byte(first))
	if !ok {
		return ByteRange{}, errBadRange
	}
	r.First = n
	if last != "" {
		if n, ok = decToI64([]byte(last)); !ok || n < r.First {
			return ByteRange{}, errBadRange
		}
		r.Last = n
	}
	return r, nil
}

// Resolve clamps r against an entity of total bytes. It returns the absolute first and last
// byte positions.
func (r ByteRange) Resolve(total int64) (first int64, last int64, ok bool) {
	if total <= 0 {
		return 0, 0, false
	}
	if r.First < 0 {
		if r.Last <= 0 {
			return 0, 0, false
		}
		first = total - r.Last
		if first < 0 {
			first = 0
		}
		return first, total - 1, true
	}
	if r.First >= total {
		return 0, 0, false
	}
	last = r.Last
	if last < 0 || last >= total {
		last = total - 1
	}
	return r.First, last, true
}

// ContentRange is the value of a Content-Range header in a 206 response.
type ContentRange struct {
	First int64
	Last  int64
	Total int64 // -1 if unknown ("*")
}

func (c ContentRange) Size() int64 { return c.Last - c.First + 1 }

// ParseContentRange parses "bytes X-Y/Z" and "bytes X-Y/*".
func ParseContentRange(value string) (ContentRange, error) {
	value = strings.TrimSpace(value)
	if len(value) < 6 || !strings.EqualFold(value[:6], "bytes ") {
		return ContentRange{}, errBadRange
	}
	value = strings.TrimSpace(value[6:])
	dash := strings.IndexByte(value, '-')
	slash := strings.IndexByte(value, '/')
	if dash <= 0 || slash < dash {
		return ContentRange{}, errBadRange
	}
	var c ContentRange
	var ok bool
	if c.First, ok = decToI64([]byte(value[:dash])); !ok {
		return ContentRange{}, errBadRange
	}
	if c.Last, ok = decToI64([]byte(value[dash+1 : slash])); !ok || c.Last < c.First {
		return ContentRange{}, errBadRange
	}
	if total := value[slash+1:]; total == "*" {
		c.Total = -1
	} else if c.Total, ok = decToI64([]byte(total)); !ok || c.Last >= c.Total {
		return ContentRange{}, errBadRange
	}
	return c, nil
}

// matchContentRange checks a 206 response against the requested range. length is the announced
// Content-Length or -1.
func matchContentRange(requested *ByteRange, c ContentRange, length int64) bool {
	if requested == nil {
		if c.First != 0 {
			return false
		}
	} else if !requested.IsSuffix() && c.First != requested.First {
		return false
	}
	if length >= 0 && c.Size() > length {
		return false
	}
	return true
}
