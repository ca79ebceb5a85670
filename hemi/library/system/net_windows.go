// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Net for Windows.

package system

import (
	"syscall"
	"time"
)

func TuneClient(rawConn syscall.RawConn, keepAlive time.Duration) (err error) {
	if cerr := rawConn.Control(func(fd uintptr) {
		err = syscall.SetsockoptInt(syscall.Handle(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	}); cerr != nil {
		return cerr
	}
	return
}

func SetBuffered(rawConn syscall.RawConn, buffered bool) {
}

func PeerClosing(rawConn syscall.RawConn) bool {
	return false
}
