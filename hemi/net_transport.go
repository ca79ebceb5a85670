// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE.md file.

// Transports carry the bytes of connections. The TCP transport does blocking I/O on its own
// goroutines and reports events to the loop.

package hemi

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hexinfra/hpipe/hemi/library/system"
)

// Transport is a byte stream with connect and close semantics. Its methods never block.
type Transport interface {
	Connect() error
	Send(p []byte) (accepted int, err error) // accepts as much as it can buffer
	Read(p []byte) (n int, err error)        // returns 0 if nothing is buffered
	Close() error
	IsClosed() bool
	PendingClose() bool // the peer is closing
	SetHandler(handler TransportHandler)
}

// TransportHandler receives the events of a transport on the loop goroutine.
type TransportHandler interface {
	OnConnected()
	OnReadable()
	OnWritable()
	OnClosed(err error) // err is nil if the peer closed normally
}

var errTransportClosed = errors.New("transport closed")

const (
	tcpInboxMax  = 256 * K
	tcpOutboxMax = 256 * K
)

// TCPDialer returns a DialFunc that creates TCP transports reporting to loop.
func TCPDialer(loop *Loop, config *Config) DialFunc {
	dialTimeout := config.DialTimeout
	return func(dest *Destination) Transport {
		return newTCPTransport(loop, dest.Addr(), dialTimeout)
	}
}

// tcpTransport implements Transport over a net.TCPConn.
type tcpTransport struct {
	// Assocs
	loop    *Loop
	handler TransportHandler
	// States (non-zeros)
	addr        string
	dialTimeout time.Duration
	kick        chan struct{} // wakes the writer
	done        chan struct{}
	// States (zeros)
	closed   atomic.Bool // closed by us or reported closed
	uncork   atomic.Bool // end of a batch
	mutex    sync.Mutex  // protects fields below
	cond     *sync.Cond  // reader waits for inbox space
	netConn  *net.TCPConn
	rawConn  syscall.RawConn
	inbox    []byte
	outbox   []byte
	spare    []byte
	wantSend bool // a Send was short, report writable
	peerEOF  bool
}

func newTCPTransport(loop *Loop, addr string, dialTimeout time.Duration) *tcpTransport {
	t := &tcpTransport{
		loop:        loop,
		addr:        addr,
		dialTimeout: dialTimeout,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mutex)
	return t
}

func (t *tcpTransport) SetHandler(handler TransportHandler) { t.handler = handler }

func (t *tcpTransport) Connect() error {
	go t.dial()
	return nil
}

func (t *tcpTransport) dial() {
	dialer := net.Dialer{
		Timeout: t.dialTimeout,
		Control: func(network string, address string, rawConn syscall.RawConn) error {
			return system.TuneClient(rawConn, 30*time.Second)
		},
	}
	conn, err := dialer.Dial("tcp", t.addr)
	if err != nil {
		t.report(err)
		return
	}
	tcpConn := conn.(*net.TCPConn)
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		tcpConn.Close()
		t.report(err)
		return
	}
	t.mutex.Lock()
	if t.closed.Load() {
		t.mutex.Unlock()
		tcpConn.Close()
		return
	}
	t.netConn = tcpConn
	t.rawConn = rawConn
	t.mutex.Unlock()
	go t.reader(tcpConn)
	go t.writer(tcpConn)
	t.loop.Post(func() {
		if !t.closed.Load() {
			t.handler.OnConnected()
		}
	})
}

// report posts the end of the transport to the handler, unless we closed it ourselves.
func (t *tcpTransport) report(err error) {
	t.loop.Post(func() {
		if t.closed.Load() {
			return
		}
		t.Close()
		t.handler.OnClosed(err)
	})
}

func (t *tcpTransport) reader(conn *net.TCPConn) {
	buffer := Get16K()
	defer PutNK(buffer)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			t.mutex.Lock()
			for len(t.inbox) >= tcpInboxMax && !t.closed.Load() {
				t.cond.Wait()
			}
			wasEmpty := len(t.inbox) == 0
			t.inbox = append(t.inbox, buffer[:n]...)
			t.mutex.Unlock()
			if wasEmpty {
				t.loop.Post(func() {
					if !t.closed.Load() {
						t.handler.OnReadable()
					}
				})
			}
		}
		if err != nil {
			if t.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			t.mutex.Lock()
			t.peerEOF = true
			t.mutex.Unlock()
			// Bytes read before EOF are delivered first.
			t.loop.Post(func() {
				if t.closed.Load() {
					return
				}
				t.handler.OnReadable()
				if t.closed.Load() {
					return
				}
				t.Close()
				t.handler.OnClosed(err)
			})
			return
		}
	}
}

func (t *tcpTransport) writer(conn *net.TCPConn) {
	for {
		select {
		case <-t.done:
			return
		case <-t.kick:
		}
		for {
			t.mutex.Lock()
			if len(t.outbox) == 0 {
				t.mutex.Unlock()
				break
			}
			data := t.outbox
			t.outbox, t.spare = t.spare[:0], nil
			t.mutex.Unlock()
			if _, err := conn.Write(data); err != nil {
				t.report(err)
				return
			}
			t.mutex.Lock()
			t.spare = data[:0]
			notify := t.wantSend
			t.wantSend = false
			t.mutex.Unlock()
			if notify {
				t.loop.Post(func() {
					if !t.closed.Load() {
						t.handler.OnWritable()
					}
				})
			}
		}
		if t.uncork.Swap(false) {
			system.SetBuffered(t.rawConn, false)
		}
	}
}

func (t *tcpTransport) Send(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, errTransportClosed
	}
	t.mutex.Lock()
	n := tcpOutboxMax - len(t.outbox)
	if n > len(p) {
		n = len(p)
	} else if n < len(p) {
		t.wantSend = true
	}
	if n > 0 {
		t.outbox = append(t.outbox, p[:n]...)
	}
	t.mutex.Unlock()
	if n > 0 {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
	return n, nil
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	n := copy(p, t.inbox)
	if n > 0 {
		t.inbox = t.inbox[:copy(t.inbox, t.inbox[n:])]
		t.cond.Signal()
	}
	return n, nil
}

// BeginBatch holds writes back until EndBatch.
func (t *tcpTransport) BeginBatch() {
	if t.rawConn != nil && !t.closed.Load() {
		system.SetBuffered(t.rawConn, true)
	}
}

// EndBatch releases held writes once the writer has drained.
func (t *tcpTransport) EndBatch() {
	if t.rawConn == nil || t.closed.Load() {
		return
	}
	t.uncork.Store(true)
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *tcpTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)
	t.mutex.Lock()
	conn := t.netConn
	t.inbox = nil
	t.cond.Broadcast()
	t.mutex.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *tcpTransport) IsClosed() bool { return t.closed.Load() }

func (t *tcpTransport) PendingClose() bool {
	t.mutex.Lock()
	peerEOF, rawConn := t.peerEOF, t.rawConn
	t.mutex.Unlock()
	if peerEOF {
		return true
	}
	return rawConn != nil && system.PeerClosing(rawConn)
}
