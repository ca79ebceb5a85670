// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Package hemi is an HTTP/1.x client engine. It keeps persistent connections to destinations,
// pipelines requests where servers allow it, and retries or fails them when connections break.

package hemi

import (
	"fmt"
	"os"
	"sync/atomic"
)

const Version = "0.3.0"

var _debugLevel atomic.Int32 // 1: request outcomes, 2: wire events

func DebugLevel() int32         { return _debugLevel.Load() }
func SetDebugLevel(level int32) { _debugLevel.Store(level) }

const ( // exit codes
	CodeBug = 20
	CodeUse = 21
	CodeEnv = 22
)

func BugExitln(v ...any) { exitln(CodeBug, "[BUG]", v...) }
func UseExitln(v ...any) { exitln(CodeUse, "[USE]", v...) }
func EnvExitln(v ...any) { exitln(CodeEnv, "[ENV]", v...) }

func exitln(exitCode int, tag string, v ...any) {
	fmt.Fprintln(os.Stderr, append([]any{tag}, v...)...)
	os.Exit(exitCode)
}
