// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

func encodeWith(t *testing.T, coding string, data []byte) []byte {
	t.Helper()
	var buffer bytes.Buffer
	var w io.WriteCloser
	switch coding {
	case "gzip":
		w = gzip.NewWriter(&buffer)
	case "deflate":
		w = zlib.NewWriter(&buffer)
	case "raw-deflate":
		fw, err := flate.NewWriter(&buffer, flate.DefaultCompression)
		require.NoError(t, err)
		w = fw
	case "br":
		w = brotli.NewWriter(&buffer)
	default:
		t.Fatalf("unknown coding %s", coding)
	}
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buffer.Bytes()
}

func TestNewContentDecoder(t *testing.T) {
	text := []byte(strings.Repeat("pipelined responses ", 100))
	tests := map[string]string{ // coding used to encode: coding to decode
		"gzip":        "gzip",
		"deflate":     "deflate",
		"raw-deflate": "deflate",
		"br":          "br",
	}
	for encoding, decoding := range tests {
		reader, err := NewContentDecoder(decoding, bytes.NewReader(encodeWith(t, encoding, text)))
		require.NoError(t, err, encoding)
		decoded, err := io.ReadAll(reader)
		require.NoError(t, err, encoding)
		require.NoError(t, reader.Close())
		require.Equal(t, text, decoded, encoding)
	}

	reader, err := NewContentDecoder("identity", strings.NewReader("plain"))
	require.NoError(t, err)
	plain, _ := io.ReadAll(reader)
	require.Equal(t, "plain", string(plain))

	_, err = NewContentDecoder("compress", strings.NewReader(""))
	require.Error(t, err)
}

func TestDecodeTransfer(t *testing.T) {
	text := []byte("hello, twice encoded")
	data := encodeWith(t, "gzip", encodeWith(t, "br", text))
	decoded, err := decodeTransfer([]string{"br", "gzip"}, data)
	require.NoError(t, err)
	require.Equal(t, text, decoded)

	_, err = decodeTransfer([]string{"gzip"}, []byte("not gzip"))
	require.Error(t, err)

	require.True(t, codingsSupported([]string{"x-gzip", "deflate", "br"}))
	require.False(t, codingsSupported([]string{"gzip", "compress"}))
}

func TestConnDecodesTransferCoding(t *testing.T) {
	h := newConnHarness(t, "")
	_, sink := h.add("GET", "/a")
	body := encodeWith(t, "gzip", []byte("decoded on the fly"))
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nTransfer-Encoding: gzip, chunked\r\n\r\n" +
		strconv.FormatInt(int64(len(body)), 16) + "\r\n" + string(body) + "\r\n0\r\n\r\n")
	require.Equal(t, 200, sink.status)
	require.Equal(t, "decoded on the fly", sink.body.String())
	require.False(t, h.transport.closed)

	_, sink = h.add("GET", "/b")
	h.transport.respond("HTTP/1.1 200 OK\r\nServer: origin/1.0\r\nTransfer-Encoding: gzip, chunked\r\n\r\n4\r\nbad!\r\n0\r\n\r\n")
	require.ErrorIs(t, sink.err, ErrBadContent)
}
