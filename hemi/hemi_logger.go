// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Loggers log access records of finished requests.

package hemi

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger
type Logger interface {
	Logf(f string, v ...any)
	Close()
}

// LogConfig
type LogConfig struct {
	Target  string   // "/path/to/file.log", "stderr", ...
	Fields  []string // ("method", "target", "status"), ...
	BufSize int32    // size of log buffer
}

var (
	loggersLock    sync.RWMutex
	loggerCreators = make(map[string]func(config *LogConfig) (Logger, error)) // indexed by loggerSign
)

func RegisterLogger(loggerSign string, create func(config *LogConfig) (Logger, error)) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	if _, ok := loggerCreators[loggerSign]; ok {
		BugExitln("logger conflicts")
	}
	loggerCreators[loggerSign] = create
}
func loggerRegistered(loggerSign string) bool {
	loggersLock.RLock()
	_, ok := loggerCreators[loggerSign]
	loggersLock.RUnlock()
	return ok
}

// CreateLogger creates a registered logger.
func CreateLogger(loggerSign string, config *LogConfig) (Logger, error) {
	loggersLock.RLock()
	create := loggerCreators[loggerSign]
	loggersLock.RUnlock()

	if create == nil {
		return nil, fmt.Errorf("unknown logger %q", loggerSign)
	}
	return create(config)
}

func init() {
	RegisterLogger("noop", func(config *LogConfig) (Logger, error) {
		return noopLogger{}, nil
	})
	RegisterLogger("zap", newZapLogger)
}

// noopLogger
type noopLogger struct{}

func (noopLogger) Logf(f string, v ...any) {}
func (noopLogger) Close()                  {}

// zapLogger writes each record as one JSON line.
type zapLogger struct {
	logger   *zap.Logger
	buffered *zapcore.BufferedWriteSyncer // nil if not buffered
	file     *os.File                     // nil if writing to stderr or stdout
}

func newZapLogger(config *LogConfig) (Logger, error) {
	l := new(zapLogger)
	var sink zapcore.WriteSyncer
	switch config.Target {
	case "", "stderr":
		sink = zapcore.Lock(os.Stderr)
	case "stdout":
		sink = zapcore.Lock(os.Stdout)
	default:
		file, err := os.OpenFile(config.Target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		l.file = file
		sink = file
	}
	if config.BufSize > 0 {
		l.buffered = &zapcore.BufferedWriteSyncer{WS: sink, Size: int(config.BufSize)}
		sink = l.buffered
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, zapcore.InfoLevel)
	l.logger = zap.New(core).Named("access")
	if len(config.Fields) > 0 { // names the columns of each record
		l.logger = l.logger.With(zap.Strings("fields", config.Fields))
	}
	return l, nil
}

func (l *zapLogger) Logf(f string, v ...any) { l.logger.Info(fmt.Sprintf(f, v...)) }
func (l *zapLogger) Close() {
	l.logger.Sync()
	if l.buffered != nil {
		l.buffered.Stop()
	}
	if l.file != nil {
		l.file.Close()
	}
}
