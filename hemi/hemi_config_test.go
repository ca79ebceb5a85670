// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

package hemi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, int32(_16K), config.BufferSize)
	require.True(t, config.Pipelining)
	require.Equal(t, int32(5), config.MaxSends)
	require.Equal(t, int32(5), config.MaxConnects)
	require.Equal(t, int32(1), config.PipelineProblemThreshold)
	require.Equal(t, 25*time.Second, config.IdleCheckFirst)
	require.Equal(t, 60*time.Second, config.IdleCheckInterval)
	require.Equal(t, time.Second, config.ZeroLengthTimeout)
	require.False(t, config.TrustSequenceIDs)
	require.Equal(t, "noop", config.AccessLog)
	require.NotEmpty(t, config.never)
	require.NotEmpty(t, config.notFully)
}

func TestConfigFromText(t *testing.T) {
	config, err := ConfigFromText(`{
		"bufferSize": 4096,
		"pipelining": false,
		"responseTimeout": "2m",
		"idleTimeout": 30,
		"maxSends": 3,
		"neverPipeline": ["^Bad"],
		"accessLog": "zap",
		"accessLogFields": ["id", "status"]
	}`)
	require.NoError(t, err)
	require.Equal(t, int32(4096), config.BufferSize)
	require.False(t, config.Pipelining)
	require.Equal(t, 2*time.Minute, config.ResponseTimeout)
	require.Equal(t, 30*time.Second, config.IdleTimeout)
	require.Equal(t, int32(3), config.MaxSends)
	require.Len(t, config.never, 1)
	require.Equal(t, "zap", config.AccessLog)
	require.Equal(t, []string{"id", "status"}, config.AccessLogFields)
}

func TestConfigErrors(t *testing.T) {
	bad := map[string]string{
		"syntax":        `{"maxSends": }`,
		"unknown key":   `{"maxSend": 3}`,
		"wrong type":    `{"pipelining": "yes"}`,
		"not integer":   `{"maxSends": 2.5}`,
		"not positive":  `{"maxConnects": 0}`,
		"out of range":  `{"bufferSize": 16}`,
		"bad duration":  `{"idleTimeout": "soon"}`,
		"negative":      `{"responseTimeout": -1}`,
		"unknown log":   `{"accessLog": "syslog"}`,
		"bad list item": `{"notFullyPipeline": [1]}`,
	}
	for name, text := range bad {
		if _, err := ConfigFromText(text); err == nil {
			t.Errorf("%s: ConfigFromText(%s) should fail", name, text)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hpipe.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"maxConnsPerDest": 2}`), 0644))
	config, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, int32(2), config.MaxConnsPerDest)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestWatchConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hpipe.json")
	require.NoError(t, os.WriteFile(file, []byte(`{}`), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 16)
	watched := make(chan error, 1)
	go func() {
		watched <- WatchConfig(ctx, file, zaptest.NewLogger(t), func(config *Config) { changes <- config })
	}()

	// The watcher may not be ready yet, so write until a change is seen.
	deadline := time.After(5 * time.Second)
	var config *Config
	for config == nil {
		require.NoError(t, os.WriteFile(file, []byte(`{"maxSends": 2}`), 0644))
		select {
		case config = <-changes:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no config change seen")
		}
	}
	require.Equal(t, int32(2), config.MaxSends)

	cancel()
	require.NoError(t, <-watched)
}
