// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Procman package implements the command line program that drives the connection engine.

package procman

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hexinfra/hpipe/hemi"
)

// Opts is the options of a program.
type Opts struct {
	ProgramName  string
	ProgramTitle string
	DebugLevel   int
	MetricsAddr  string // default address of the metrics server, empty to disable
}

var (
	debugLevel  int
	configFile  string
	outDir      string
	metricsAddr string
	decode      bool
	maxConns    int
	method      string
	data        string
	printHeads  bool
	headerList  headerFlags
)

// headerFlags collects repeated -H flags.
type headerFlags []string

func (h *headerFlags) String() string     { return strings.Join(*h, ", ") }
func (h *headerFlags) Set(v string) error { *h = append(*h, v); return nil }

const usage = `
%s (%s)
================================================================================

  %s [ACTION] [OPTIONS] [URL...]

ACTION
------

  fetch        # fetch URLs over pipelined http/1.1 connections
  check        # dry run to check config
  version      # show version info
  help         # show this message

  Only one action is allowed at a time.
  If ACTION is missing, the default action is "fetch".

OPTIONS
-------

  -debug   <level>  # debug level (default: %d. min: 0, max: 3)
  -config  <file>   # json config file, reloaded when changed
  -out     <path>   # directory to save bodies in. stdout if empty
  -metrics <addr>   # serve prometheus metrics at addr (default: %s)
  -decode           # remove content-coding from saved bodies
  -conns   <n>      # max connections per destination (default: from config)
  -method  <method> # request method (default: GET)
  -data    <data>   # request body
  -H       <header> # request header as "Name: value". repeatable
  -heads            # print response heads as json to stderr

`

// Main is the entry of a program.
func Main(opts *Opts) {
	flag.Usage = func() {
		fmt.Printf(usage, opts.ProgramTitle, hemi.Version, opts.ProgramName, opts.DebugLevel, opts.MetricsAddr)
	}
	flag.IntVar(&debugLevel, "debug", opts.DebugLevel, "")
	flag.StringVar(&configFile, "config", "", "")
	flag.StringVar(&outDir, "out", "", "")
	flag.StringVar(&metricsAddr, "metrics", opts.MetricsAddr, "")
	flag.BoolVar(&decode, "decode", false, "")
	flag.IntVar(&maxConns, "conns", 0, "")
	flag.StringVar(&method, "method", "GET", "")
	flag.StringVar(&data, "data", "", "")
	flag.BoolVar(&printHeads, "heads", false, "")
	flag.Var(&headerList, "H", "")
	action := "fetch"
	if len(os.Args) > 1 && os.Args[1] != "" && os.Args[1][0] != '-' && !strings.Contains(os.Args[1], "://") {
		action = os.Args[1]
		flag.CommandLine.Parse(os.Args[2:])
	} else {
		flag.Parse()
	}

	switch action {
	case "help":
		flag.Usage()
	case "version":
		fmt.Println(hemi.Version)
	case "check":
		if configFile == "" {
			hemi.UseExitln("-config is required")
		}
		if _, err := hemi.LoadConfig(configFile); err != nil {
			fmt.Println(err.Error())
			os.Exit(hemi.CodeUse)
		}
		fmt.Println("PASS")
	case "fetch":
		hemi.SetDebugLevel(int32(debugLevel))
		urls := flag.Args()
		if len(urls) == 0 {
			hemi.UseExitln("no url to fetch")
		}
		logger := newLogger(opts.ProgramName)
		defer logger.Sync()
		failed, err := fetch(logger, urls)
		if err != nil {
			hemi.EnvExitln(err.Error())
		}
		if failed > 0 {
			os.Exit(1)
		}
	default:
		hemi.UseExitln("unknown action: " + action)
	}
}

func newLogger(program string) *zap.Logger {
	level := zapcore.WarnLevel
	switch {
	case debugLevel >= 2:
		level = zapcore.DebugLevel
	case debugLevel == 1:
		level = zapcore.InfoLevel
	}
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.DisableStacktrace = true
	logger, err := config.Build()
	if err != nil {
		hemi.EnvExitln(err.Error())
	}
	return logger.Named(program)
}
