// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Decoding of transfer-codings and content-codings. See RFC 9110 section 8.4.1.

package hemi

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

func codingsSupported(codings []string) bool {
	for _, coding := range codings {
		switch coding {
		case "gzip", "x-gzip", "deflate", "br":
		default:
			return false
		}
	}
	return true
}

// decodeTransfer removes codings, applied in order, from data.
func decodeTransfer(codings []string, data []byte) ([]byte, error) {
	for i := len(codings) - 1; i >= 0; i-- {
		reader, err := NewContentDecoder(codings[i], bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		decoded, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", codings[i], err)
		}
		data = decoded
	}
	return data, nil
}

// NewContentDecoder returns a reader that decodes coding from r. "identity" returns r as is.
func NewContentDecoder(coding string, r io.Reader) (io.ReadCloser, error) {
	switch coding {
	case "", "identity":
		return io.NopCloser(r), nil
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		// Some servers send raw deflate instead of zlib.
		br := bufio.NewReader(r)
		head, err := br.Peek(2)
		if err == nil && isZlibHeader(head) {
			return zlib.NewReader(br)
		}
		return flate.NewReader(br), nil
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported coding %q", coding)
	}
}

func isZlibHeader(head []byte) bool {
	return head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0
}
