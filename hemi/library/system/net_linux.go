// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Net for Linux.

package system

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TuneClient sets options of a client socket before it connects.
func TuneClient(rawConn syscall.RawConn, keepAlive time.Duration) (err error) {
	if cerr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return
		}
		if keepAlive <= 0 {
			return
		}
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		secs := int(keepAlive / time.Second)
		if secs < 1 {
			secs = 1
		}
		if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
			return
		}
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs)
	}); cerr != nil {
		return cerr
	}
	return
}

// SetBuffered corks the socket so pipelined requests leave in full segments.
func SetBuffered(rawConn syscall.RawConn, buffered bool) {
	value := 0
	if buffered {
		value = 1
	}
	rawConn.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_CORK, value)
	})
}

// PeerClosing reports whether the peer has sent its FIN while we have not.
func PeerClosing(rawConn syscall.RawConn) (closing bool) {
	rawConn.Control(func(fd uintptr) {
		info, err := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
		closing = err == nil && info.State == unix.BPF_TCP_CLOSE_WAIT
	})
	return
}
