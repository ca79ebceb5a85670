// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Engine configuration. A config file is a JSON object whose keys are property names.

package hemi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Config holds the tunables of connections and their manager.
type Config struct {
	BufferSize               int32         // size of network reads and body chunks
	MaxHeadSize              int32         // max size of a response head
	Pipelining               bool          // pipelining enabled at all?
	ResponseTimeout          time.Duration // waiting for the first bytes of a response. 0 disables
	IdleTimeout              time.Duration // waiting for more bytes of a response. 0 disables
	TrustContentLength       bool          // initial trust in Content-Length for retries
	MaxSends                 int32         // a request is sent at most this many times
	MaxConnects              int32         // a request tries at most this many connections
	PipelineProblemThreshold int32         // problems before a destination is downgraded
	MaxPipelineDepth         int32         // max requests queued on one connection
	MaxConnsPerDest          int32         // max connections per destination
	IdleCheckFirst           time.Duration // first idle check after connecting
	IdleCheckInterval        time.Duration // later idle checks
	ZeroLengthTimeout        time.Duration // grace for a closing connection after an empty response
	DialTimeout              time.Duration
	ProxyHTTP11              bool     // keep proxy connections persistent
	TrustSequenceIDs         bool     // allow out-of-order responses reported by an overlay
	NeverPipeline            []string // server signatures, see serverSignature
	NotFullyPipeline         []string // server signatures, see serverSignature
	AccessLog                string   // logger sign
	AccessLogTarget          string
	AccessLogFields          []string
	AccessLogBufSize         int32
	// compiled
	never    []serverSignature
	notFully []serverSignature
}

// DefaultConfig returns a config with all defaults.
func DefaultConfig() *Config {
	config, _ := configFromProps(nil)
	return config
}

// ConfigFromText parses a JSON config.
func ConfigFromText(text string) (*Config, error) {
	props := make(map[string]any)
	if err := json.Unmarshal([]byte(text), &props); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return configFromProps(props)
}

// LoadConfig reads and parses a JSON config file.
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ConfigFromText(string(data))
}

func configFromProps(props map[string]any) (*Config, error) {
	c := &configurator{props: props, used: make(map[string]bool)}
	config := new(Config)
	c.ConfigureInt32("bufferSize", &config.BufferSize, func(value int32) error {
		if value >= _1K && value <= _1M {
			return nil
		}
		return errors.New("must be in [1K, 1M]")
	}, _16K)
	c.ConfigureInt32("maxHeadSize", &config.MaxHeadSize, func(value int32) error {
		if value >= _4K && value <= _1M {
			return nil
		}
		return errors.New("must be in [4K, 1M]")
	}, _64K)
	c.ConfigureBool("pipelining", &config.Pipelining, true)
	c.ConfigureDuration("responseTimeout", &config.ResponseTimeout, durationNotNegative, 120*time.Second)
	c.ConfigureDuration("idleTimeout", &config.IdleTimeout, durationNotNegative, 60*time.Second)
	c.ConfigureBool("trustContentLength", &config.TrustContentLength, true)
	c.ConfigureInt32("maxSends", &config.MaxSends, int32Positive, 5)
	c.ConfigureInt32("maxConnects", &config.MaxConnects, int32Positive, 5)
	c.ConfigureInt32("pipelineProblemThreshold", &config.PipelineProblemThreshold, int32Positive, 1)
	c.ConfigureInt32("maxPipelineDepth", &config.MaxPipelineDepth, int32Positive, 8)
	c.ConfigureInt32("maxConnsPerDest", &config.MaxConnsPerDest, int32Positive, 6)
	c.ConfigureDuration("idleCheckFirst", &config.IdleCheckFirst, durationPositive, 25*time.Second)
	c.ConfigureDuration("idleCheckInterval", &config.IdleCheckInterval, durationPositive, 60*time.Second)
	c.ConfigureDuration("zeroLengthTimeout", &config.ZeroLengthTimeout, durationPositive, time.Second)
	c.ConfigureDuration("dialTimeout", &config.DialTimeout, durationPositive, 10*time.Second)
	c.ConfigureBool("proxyHTTP11", &config.ProxyHTTP11, false)
	c.ConfigureBool("trustSequenceIDs", &config.TrustSequenceIDs, false)
	c.ConfigureStringList("neverPipeline", &config.NeverPipeline, nil, defaultNeverPipeline)
	c.ConfigureStringList("notFullyPipeline", &config.NotFullyPipeline, nil, defaultNotFullyPipeline)
	c.ConfigureString("accessLog", &config.AccessLog, func(value string) error {
		if loggerRegistered(value) {
			return nil
		}
		return errors.New("unknown logger")
	}, "noop")
	c.ConfigureString("accessLogTarget", &config.AccessLogTarget, nil, "stderr")
	c.ConfigureStringList("accessLogFields", &config.AccessLogFields, nil, []string{"id", "method", "target", "status", "size"})
	c.ConfigureInt32("accessLogBufSize", &config.AccessLogBufSize, func(value int32) error {
		if value >= 0 {
			return nil
		}
		return errors.New("must not be negative")
	}, 0)
	if err := c.finish(); err != nil {
		return nil, err
	}
	config.compile()
	return config, nil
}

func (c *Config) compile() {
	c.never = compileSignatures(c.NeverPipeline)
	c.notFully = compileSignatures(c.NotFullyPipeline)
}

// AccessLogConfig returns the LogConfig of the access logger.
func (c *Config) AccessLogConfig() *LogConfig {
	return &LogConfig{Target: c.AccessLogTarget, Fields: c.AccessLogFields, BufSize: c.AccessLogBufSize}
}

func durationNotNegative(value time.Duration) error {
	if value >= 0 {
		return nil
	}
	return errors.New("must not be negative")
}
func durationPositive(value time.Duration) error {
	if value > 0 {
		return nil
	}
	return errors.New("must be positive")
}
func int32Positive(value int32) error {
	if value > 0 {
		return nil
	}
	return errors.New("must be positive")
}

// configurator applies props to config fields.
type configurator struct {
	props map[string]any
	used  map[string]bool
	err   error // the first error
}

func (c *configurator) ConfigureBool(name string, prop *bool, defaultValue bool) {
	_configureProp(c, name, prop, anyToBool, nil, defaultValue)
}
func (c *configurator) ConfigureInt32(name string, prop *int32, check func(value int32) error, defaultValue int32) {
	_configureProp(c, name, prop, anyToInt32, check, defaultValue)
}
func (c *configurator) ConfigureString(name string, prop *string, check func(value string) error, defaultValue string) {
	_configureProp(c, name, prop, anyToString, check, defaultValue)
}
func (c *configurator) ConfigureDuration(name string, prop *time.Duration, check func(value time.Duration) error, defaultValue time.Duration) {
	_configureProp(c, name, prop, anyToDuration, check, defaultValue)
}
func (c *configurator) ConfigureStringList(name string, prop *[]string, check func(value []string) error, defaultValue []string) {
	_configureProp(c, name, prop, anyToStringList, check, defaultValue)
}

func _configureProp[T any](c *configurator, name string, prop *T, conv func(any) (T, bool), check func(value T) error, defaultValue T) {
	v, ok := c.props[name]
	if !ok {
		*prop = defaultValue
		return
	}
	c.used[name] = true
	value, ok := conv(v)
	if !ok {
		c.setError(fmt.Errorf("invalid %s in config", name))
		*prop = defaultValue
		return
	}
	if check != nil {
		if err := check(value); err != nil {
			c.setError(fmt.Errorf("%s is error in config: %w", name, err))
			*prop = defaultValue
			return
		}
	}
	*prop = value
}

func (c *configurator) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}
func (c *configurator) finish() error {
	if c.err != nil {
		return c.err
	}
	var unknown []string
	for name := range c.props {
		if !c.used[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown %q in config", unknown[0])
	}
	return nil
}

func anyToBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
func anyToInt32(v any) (int32, bool) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int32(f), true
}
func anyToString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
func anyToDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case string: // "1m30s"
		duration, err := time.ParseDuration(d)
		return duration, err == nil
	case float64: // seconds
		return time.Duration(d * float64(time.Second)), true
	default:
		return 0, false
	}
}
func anyToStringList(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	list := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		list = append(list, s)
	}
	return list, true
}

// WatchConfig calls onChange with the new config each time file is written. Bad configs are
// logged and skipped. It returns when ctx is done.
func WatchConfig(ctx context.Context, file string, logger *zap.Logger, onChange func(config *Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	file = filepath.Clean(file)
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != file || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			config, err := LoadConfig(file)
			if err != nil {
				logger.Warn("config reload failed", zap.String("file", file), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("file", file))
			onChange(config)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher", zap.Error(err))
		}
	}
}
