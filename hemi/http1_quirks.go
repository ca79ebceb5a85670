// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Server quirks that affect pipelining.

package hemi

import (
	"strings"
)

var ( // default server signatures
	defaultNeverPipeline    = []string{"^Netscape"}
	defaultNotFullyPipeline = []string{"IIS/<=5", "xitami", "Monkey/", "EFAServer/", "EFAController/", "WebLogic"}
)

type pipelineSafety uint8

const (
	safetyFull    pipelineSafety = iota // pipelining can be trusted
	safetyPartial                       // keep-alive works but pipelining does not
	safetyNever                         // no pipelining and no more requests on the connection
)

func (s pipelineSafety) String() string {
	switch s {
	case safetyFull:
		return "full"
	case safetyPartial:
		return "partial"
	default:
		return "never"
	}
}

// serverSignature matches the value of a Server header. Forms:
//
//	"^Name"     Name is a prefix
//	"Name/<=N"  Name/ is followed by a major version from 1 to N
//	"Name"      Name is a substring
//
// All comparisons ignore case.
type serverSignature struct {
	text       string // lower case
	prefix     bool
	maxVersion int // 0 if not versioned
}

func compileSignatures(list []string) []serverSignature {
	signatures := make([]serverSignature, 0, len(list))
	for _, text := range list {
		var s serverSignature
		if strings.HasPrefix(text, "^") {
			s.prefix = true
			text = text[1:]
		} else if i := strings.Index(text, "/<="); i > 0 {
			if max, ok := decToI64([]byte(text[i+3:])); ok && max > 0 {
				s.maxVersion = int(max)
				text = text[:i+1]
			}
		}
		if text == "" {
			continue
		}
		s.text = strings.ToLower(text)
		signatures = append(signatures, s)
	}
	return signatures
}

func (s *serverSignature) match(server string) bool { // server is lower case
	if s.prefix {
		return strings.HasPrefix(server, s.text)
	}
	i := strings.Index(server, s.text)
	if i < 0 {
		return false
	}
	if s.maxVersion == 0 {
		return true
	}
	version := 0
	for j := i + len(s.text); j < len(server) && byteIsDigit(server[j]) && version <= s.maxVersion; j++ {
		version = version*10 + int(server[j]-'0')
	}
	return version > 0 && version <= s.maxVersion
}

// classifyPipelineSafety decides how far pipelining can be trusted from the first response on a
// connection.
func classifyPipelineSafety(head *ResponseHead, never []serverSignature, notFully []serverSignature) pipelineSafety {
	if !head.HasServer || head.Server == "" {
		if head.IsHTTP11() {
			return safetyPartial
		}
		return safetyNever
	}
	server := strings.ToLower(head.Server)
	for i := range never {
		if never[i].match(server) {
			return safetyNever
		}
	}
	for i := range notFully {
		if notFully[i].match(server) {
			return safetyPartial
		}
	}
	return safetyFull
}
