// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/rpclb/endpoint"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/proxy"
)

const (
	frameHeaderSize     = 4
	defaultIdleTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultMaxFrameSize = 16 << 20
)

// TCPOption configures the TCP connector.
type TCPOption interface {
	applyToTCP(*TCPConnector)
}

// WithDialer sets the dialer used to open connections, for example a SOCKS
// dialer from proxy.SOCKS5. By default, connections are dialed directly.
func WithDialer(dialer proxy.ContextDialer) TCPOption {
	return tcpOptionFunc(func(t *TCPConnector) {
		t.dialer = dialer
	})
}

// WithIdleTimeout sets how long a connection may go without reading
// anything before the handler is told it is idle. The default is 10
// seconds.
func WithIdleTimeout(timeout time.Duration) TCPOption {
	return tcpOptionFunc(func(t *TCPConnector) {
		t.idleTimeout = timeout
	})
}

// WithWriteTimeout bounds writing one frame. The default is 10 seconds.
func WithWriteTimeout(timeout time.Duration) TCPOption {
	return tcpOptionFunc(func(t *TCPConnector) {
		t.writeTimeout = timeout
	})
}

// WithMaxFrameSize limits the size of inbound frames. Larger frames are
// fatal to the connection. The default is 16 MiB.
func WithMaxFrameSize(size int) TCPOption {
	return tcpOptionFunc(func(t *TCPConnector) {
		t.maxFrameSize = size
	})
}

// WithTCPLogger sets the logger of the connector.
func WithTCPLogger(logger log.Logger) TCPOption {
	return tcpOptionFunc(func(t *TCPConnector) {
		t.logger = logger
	})
}

type tcpOptionFunc func(*TCPConnector)

func (f tcpOptionFunc) applyToTCP(t *TCPConnector) {
	f(t)
}

// TCPConnector opens TCP connections that carry JSON messages, each framed
// by a 4-byte big-endian length prefix.
type TCPConnector struct {
	dialer       proxy.ContextDialer
	idleTimeout  time.Duration
	writeTimeout time.Duration
	maxFrameSize int
	logger       log.Logger
}

var _ Connector = (*TCPConnector)(nil)

// NewTCPConnector returns a TCP connector.
func NewTCPConnector(opts ...TCPOption) *TCPConnector {
	connector := &TCPConnector{
		dialer:       proxy.Direct,
		idleTimeout:  defaultIdleTimeout,
		writeTimeout: defaultWriteTimeout,
		maxFrameSize: defaultMaxFrameSize,
		logger:       log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt.applyToTCP(connector)
	}
	connector.logger = log.With(connector.logger, "component", "tcp")
	return connector
}

// Connect implements Connector. The handler receives inbound messages from
// a dedicated goroutine until the connection is closed.
func (t *TCPConnector) Connect(ctx context.Context, ep endpoint.Endpoint, handler Handler) (Conn, error) {
	raw, err := t.dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, err
	}
	conn := &tcpConn{
		raw:       raw,
		reader:    bufio.NewReader(raw),
		connector: t,
		handler:   handler,
		logger:    log.With(t.logger, "endpoint", ep),
	}
	go conn.readLoop()
	return conn, nil
}

type tcpConn struct {
	raw       net.Conn
	reader    *bufio.Reader
	connector *TCPConnector
	handler   Handler
	logger    log.Logger

	writeMu sync.Mutex
	// +checkatomic
	closed atomic.Bool
}

func (c *tcpConn) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body))) //nolint:gosec // bounded by memory
	copy(frame[frameHeaderSize:], body)

	deadline := time.Now().Add(c.connector.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = c.raw.Write(frame)
	return err
}

func (c *tcpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}

func (c *tcpConn) readLoop() {
	for {
		msg, err := c.readFrame()
		switch {
		case errors.Is(err, errIdle):
			c.handler.HandleIdle()
		case errors.Is(err, errMalformedFrame):
			_ = level.Warn(c.logger).Log("msg", "dropping malformed frame", "err", err)
		case err != nil:
			local := c.closedLocally(err)
			_ = c.Close()
			if local {
				c.handler.HandleInactive(nil)
			} else {
				c.handler.HandleInactive(err)
			}
			return
		default:
			c.handler.HandleMessage(msg)
		}
	}
}

var (
	errIdle           = errors.New("connection idle")
	errMalformedFrame = errors.New("malformed frame")
	errFrameStalled   = errors.New("peer stalled mid-frame")
)

// readFrame reads one frame. It returns errIdle if no frame starts within
// the idle timeout. Once a frame has started, the rest of it must arrive
// within another idle timeout; otherwise the stream cannot be resynchronized
// and errFrameStalled is returned.
func (c *tcpConn) readFrame() (*Message, error) {
	var header [frameHeaderSize]byte
	if err := c.raw.SetReadDeadline(time.Now().Add(c.connector.idleTimeout)); err != nil {
		return nil, err
	}
	n, err := io.ReadFull(c.reader, header[:])
	if err != nil {
		if !isTimeout(err) {
			return nil, err
		}
		if n == 0 {
			return nil, errIdle
		}
	}
	if err := c.raw.SetReadDeadline(time.Now().Add(c.connector.idleTimeout)); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c.reader, header[n:]); err != nil {
		return nil, stalled(err)
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > c.connector.maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, c.connector.maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, stalled(err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedFrame, err)
	}
	return &msg, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func stalled(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", errFrameStalled, err)
	}
	return err
}

func (c *tcpConn) closedLocally(err error) bool {
	return c.closed.Load() && errors.Is(err, net.ErrClosed)
}
