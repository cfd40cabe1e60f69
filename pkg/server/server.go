/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/log"
)

const (
	readChunk    = 4096
	writeTimeout = 10 * time.Second
)

// RequestHandler turns one request payload into one response payload.
type RequestHandler interface {
	HandleBytes(payload []byte) []byte
}

// Refresher runs a scheduling pass.
type Refresher interface {
	Refresh()
}

// Server accepts client connections, each carrying exactly one request and one response.
// When no request arrived within the refresh interval a scheduling pass is started.
type Server struct {
	conf      *configs.ServerConfig
	handler   RequestHandler
	refresher Refresher
	limiter   *ConnLimiter
	onFault   func()

	lastRequest atomic.Int64 // unix nanos
	listener    atomic.Pointer[net.Listener]
	conns       sync.WaitGroup
	faults      *log.RateLimitedLogger
}

// NewServer creates the transport. onFault, if set, runs after the listener failed and before it is restarted.
func NewServer(conf *configs.ServerConfig, handler RequestHandler, refresher Refresher, onFault func()) *Server {
	s := &Server{
		conf:      conf,
		handler:   handler,
		refresher: refresher,
		limiter:   NewConnLimiter(conf.MaxConnections, conf.MaxConnectionsPerHost),
		onFault:   onFault,
		faults:    log.RateLimitedLog(log.Transport, time.Minute),
	}
	s.lastRequest.Store(time.Now().UnixNano())
	return s
}

// Addr returns the address the server listens on, nil while not listening.
func (s *Server) Addr() net.Addr {
	if l := s.listener.Load(); l != nil {
		return (*l).Addr()
	}
	return nil
}

// Serve listens and serves until the context is cancelled. A failing listener is closed
// and opened again after the restart delay.
func (s *Server) Serve(ctx context.Context) error {
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		s.refreshLoop(ctx)
	}()
	defer func() {
		<-refreshDone
		s.conns.Wait()
	}()

	for {
		err := s.listenAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Log(log.Transport).Error("listener failed, restarting after delay",
			zap.Duration("delay", s.conf.RestartDelay),
			zap.Error(err))
		if s.onFault != nil {
			s.onFault()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.conf.RestartDelay):
		}
	}
}

func (s *Server) listenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.conf.Address())
	if err != nil {
		return err
	}
	s.listener.Store(&listener)
	log.Log(log.Transport).Info("listening for requests",
		zap.String("address", listener.Addr().String()))

	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer func() {
		stop()
		_ = listener.Close()
		s.listener.Store(nil)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.faults.Warn("temporary accept failure", zap.Error(err))
				continue
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(conn)
		}()
	}
}

// refreshLoop starts a pass whenever the server was idle for a whole interval.
func (s *Server) refreshLoop(ctx context.Context) {
	interval := s.conf.RefreshInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastRequest.Load()))
			if idle >= interval {
				log.Log(log.Transport).Debug("idle, refreshing",
					zap.Duration("idle", idle))
				s.refresher.Refresh()
			}
		}
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	requestID := common.GetNewUUID()
	host := remoteHost(conn.RemoteAddr())
	logger := log.Log(log.Transport).With(zap.String("request", requestID), zap.String("remote", host))

	if !s.limiter.AddHost(host) {
		s.reply(conn, logger, errorResponse("too many connections, try again later"))
		return
	}
	defer s.limiter.RemoveHost(host)

	payload, err := s.readRequest(conn)
	if err != nil {
		s.faults.Warn("could not read request",
			zap.String("request", requestID),
			zap.String("remote", host),
			zap.Error(err))
		if errors.Is(err, errRequestTooLarge) {
			s.reply(conn, logger, errorResponse(err.Error()))
		}
		return
	}
	s.lastRequest.Store(time.Now().UnixNano())
	start := time.Now()
	response := s.handler.HandleBytes(payload)
	s.lastRequest.Store(time.Now().UnixNano())
	logger.Debug("request processed",
		zap.Int("requestBytes", len(payload)),
		zap.Int("responseBytes", len(response)),
		zap.Duration("duration", time.Since(start)))
	s.reply(conn, logger, response)
}

var errRequestTooLarge = errors.New("request too large")

// readRequest reads until the client half-closes or a read returns less than a full chunk.
func (s *Server) readRequest(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout)); err != nil {
		return nil, err
	}
	var payload []byte
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		payload = append(payload, buf[:n]...)
		if len(payload) > s.conf.MaxRequestBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", errRequestTooLarge, s.conf.MaxRequestBytes)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if n < readChunk {
			break
		}
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty request")
	}
	return payload, nil
}

func (s *Server) reply(conn net.Conn, logger *zap.Logger, response []byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		logger.Debug("could not set write deadline", zap.Error(err))
	}
	if _, err := conn.Write(response); err != nil {
		s.faults.Warn("could not send response", zap.Error(err))
	}
}

func errorResponse(msg string) []byte {
	out, err := yaml.Marshal(map[string]string{"error": msg})
	if err != nil {
		return []byte("error: internal\n")
	}
	return out
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
