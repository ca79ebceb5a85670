// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// The fetch action.

package procman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hexinfra/hpipe/hemi"
)

var errHTTPS = errors.New("https is not supported")

// fetchJob is a parsed url to fetch.
type fetchJob struct {
	addr   string // host:port to connect
	host   string // Host header
	target string
	output string // file to save the body in, empty for stdout
}

func parseJob(rawURL string, index int) (*fetchJob, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
	case "https":
		return nil, errHTTPS
	default:
		return nil, fmt.Errorf("bad scheme in %q", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("no host in %q", rawURL)
	}
	job := &fetchJob{host: u.Host, target: u.RequestURI()}
	if u.Port() == "" {
		job.addr = net.JoinHostPort(u.Hostname(), "80")
	} else {
		job.addr = u.Host
	}
	if outDir != "" {
		name := path.Base(u.Path)
		if name == "/" || name == "." || name == "" {
			name = "index"
		}
		job.output = filepath.Join(outDir, strconv.Itoa(index)+"-"+name)
	}
	return job, nil
}

func fetch(logger *zap.Logger, rawURLs []string) (failed int, err error) {
	jobs := make([]*fetchJob, 0, len(rawURLs))
	for i, rawURL := range rawURLs {
		job, err := parseJob(rawURL, i)
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, job)
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return 0, err
		}
	}
	config := hemi.DefaultConfig()
	if configFile != "" {
		if config, err = hemi.LoadConfig(configFile); err != nil {
			return 0, err
		}
	}
	applyFlags(config)

	var metrics *hemi.Metrics
	registry := prometheus.NewRegistry()
	if metricsAddr != "" {
		metrics = hemi.NewMetrics(registry)
	}
	loop := hemi.NewLoop(1024)
	manager, err := hemi.NewManager(loop, hemi.TCPDialer(loop, config), config, logger, metrics)
	if err != nil {
		return 0, err
	}
	manager.OnPipelineReload = func(ids []uuid.UUID) {
		for _, id := range ids {
			logger.Warn("response may belong to another request", zap.Stringer("req", id))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})
	sinks := make([]*fileSink, len(jobs))
	remaining := len(jobs)
	onDone := func() {
		if remaining--; remaining == 0 {
			close(finished)
		}
	}

	group.Go(func() error {
		if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		err := loop.Call(func() {
			for i, job := range jobs {
				sink := newFileSink(job, logger, onDone)
				sinks[i] = sink
				req := hemi.NewRequest(method, job.target, job.host, sink)
				for _, header := range headerList {
					name, value, ok := strings.Cut(header, ":")
					if !ok {
						sink.OnFailed(fmt.Errorf("bad header %q", header))
						continue
					}
					req.Headers = append(req.Headers, hemi.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
				}
				if data != "" {
					req.SetBody([]byte(data))
				}
				if sink.done {
					continue
				}
				if err := manager.AddRequest(job.addr, req); err != nil {
					sink.OnFailed(err)
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-finished:
		case <-ctx.Done():
			return nil
		}
		if err := loop.Call(func() { manager.Close() }); err != nil {
			return err
		}
		return errDone
	})
	if metricsAddr != "" {
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	if configFile != "" {
		group.Go(func() error {
			return hemi.WatchConfig(ctx, configFile, logger, func(config *hemi.Config) {
				applyFlags(config)
				loop.Post(func() { manager.SetConfig(config) })
			})
		})
	}

	err = group.Wait()
	if errors.Is(err, errDone) {
		err = nil
	}
	// The loop is stopped. Fail what an interrupt left behind.
	manager.Close()
	for _, sink := range sinks {
		if sink == nil || sink.failed() {
			failed++
		}
	}
	return failed, err
}

// errDone stops the group when all requests are done.
var errDone = errors.New("done")

func applyFlags(config *hemi.Config) {
	if maxConns > 0 {
		config.MaxConnsPerDest = int32(maxConns)
	}
}

// fileSink saves a response body to a file or stdout.
type fileSink struct {
	job    *fetchJob
	logger *zap.Logger
	onDone func()
	head   *hemi.ResponseHead
	body   *bytebufferpool.ByteBuffer
	err    error
	done   bool
}

func newFileSink(job *fetchJob, logger *zap.Logger, onDone func()) *fileSink {
	return &fileSink{job: job, logger: logger.With(zap.String("target", job.target)), onDone: onDone, body: bytebufferpool.Get()}
}

func (s *fileSink) OnHeaderLoaded(head *hemi.ResponseHead) {
	s.head = head
	if printHeads {
		printHead(s.job, head)
	}
}
func (s *fileSink) OnBodyBytes(p []byte) { s.body.Write(p) }
func (s *fileSink) OnTrailers(trailers hemi.Headers) {
	s.logger.Debug("trailers", zap.Int("count", len(trailers)))
}
func (s *fileSink) OnFinished(status int) {
	if s.done {
		return
	}
	s.err = s.save()
	if s.err != nil {
		s.logger.Error("save failed", zap.Error(s.err))
	} else {
		s.logger.Info("fetched", zap.Int("status", status), zap.Int("size", s.body.Len()))
	}
	s.end()
}
func (s *fileSink) OnFailed(err error) {
	if s.done {
		return
	}
	s.err = err
	s.logger.Error("fetch failed", zap.Error(err))
	s.end()
}

func (s *fileSink) end() {
	s.done = true
	bytebufferpool.Put(s.body)
	s.body = nil
	s.onDone()
}

func (s *fileSink) failed() bool { return !s.done || s.err != nil }

func (s *fileSink) save() error {
	var body io.Reader = bytes.NewReader(s.body.B)
	if decode && s.head != nil {
		var codings []string
		for _, value := range s.head.Headers.Values("Content-Encoding") {
			codings = append(codings, strings.Split(value, ",")...)
		}
		for i := len(codings) - 1; i >= 0; i-- {
			decoder, err := hemi.NewContentDecoder(strings.ToLower(strings.TrimSpace(codings[i])), body)
			if err != nil {
				return err
			}
			defer decoder.Close()
			body = decoder
		}
	}
	if s.job.output == "" {
		_, err := io.Copy(os.Stdout, body)
		return err
	}
	file, err := os.Create(s.job.output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// printHead writes a response head as one json line.
func printHead(job *fetchJob, head *hemi.ResponseHead) {
	headers := make(map[string][]string, len(head.Headers))
	for _, header := range head.Headers {
		headers[header.Name] = append(headers[header.Name], header.Value)
	}
	line, err := json.Marshal(map[string]any{
		"host":    job.host,
		"target":  job.target,
		"version": fmt.Sprintf("HTTP/%d.%d", head.Major, head.Minor),
		"status":  head.Status,
		"reason":  head.Reason,
		"headers": headers,
	})
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, string(line))
}
