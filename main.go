// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Hpipe fetches URLs over pipelined HTTP/1.1 connections.

package main

import (
	"github.com/hexinfra/hpipe/hemi/procman"
)

func main() {
	procman.Main(&procman.Opts{
		ProgramName:  "hpipe",
		ProgramTitle: "Hpipe",
		DebugLevel:   0,
		MetricsAddr:  "",
	})
}
