// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Net for macOS.

package system

import (
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TuneClient(rawConn syscall.RawConn, keepAlive time.Duration) (err error) {
	if cerr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil || keepAlive <= 0 {
			return
		}
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		secs := int(keepAlive / time.Second)
		if secs < 1 {
			secs = 1
		}
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, secs)
	}); cerr != nil {
		return cerr
	}
	return
}

func SetBuffered(rawConn syscall.RawConn, buffered bool) {
	value := 0
	if buffered {
		value = 1
	}
	rawConn.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NOPUSH, value)
	})
}

func PeerClosing(rawConn syscall.RawConn) (closing bool) {
	rawConn.Control(func(fd uintptr) {
		info, err := getTCPInfo(fd)
		closing = err == nil && info.State == tcpStateCloseWait
	})
	return
}

const tcpConnectionInfo = 0x106

const tcpStateCloseWait = 5 // usr/include/netinet/tcp_fsm.h

// tcpInfo is the head of struct tcp_connection_info.
type tcpInfo struct {
	State uint8
	_     [255]byte
}

func getTCPInfo(fd uintptr) (*tcpInfo, error) {
	info := &tcpInfo{}
	size := uint32(unsafe.Sizeof(*info))
	if _, _, errno := syscall.Syscall6(syscall.SYS_GETSOCKOPT, fd, uintptr(unix.IPPROTO_TCP), tcpConnectionInfo, uintptr(unsafe.Pointer(info)), uintptr(unsafe.Pointer(&size)), 0); errno != 0 {
		return nil, errno
	}
	return info, nil
}
