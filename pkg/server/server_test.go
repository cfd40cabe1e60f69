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
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/common/configs"
)

type echoHandler struct {
	requests atomic.Int32
}

func (h *echoHandler) HandleBytes(payload []byte) []byte {
	h.requests.Add(1)
	return append([]byte("response: "), payload...)
}

type countingRefresher struct {
	passes atomic.Int32
}

func (r *countingRefresher) Refresh() {
	r.passes.Add(1)
}

func testConfig() *configs.ServerConfig {
	conf := configs.DefaultServerConfig()
	conf.Host = "127.0.0.1"
	conf.Port = 0
	conf.RefreshInterval = time.Hour
	conf.ReadTimeout = time.Second
	conf.RestartDelay = 10 * time.Millisecond
	conf.MaxRequestBytes = 64 * 1024
	return conf
}

func startServer(t *testing.T, conf *configs.ServerConfig, handler RequestHandler, refresher Refresher, onFault func()) *Server {
	s := NewServer(conf, handler, refresher, onFault)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NilError(t, <-done)
	})
	if conf.Port == 0 {
		err := common.WaitFor(5*time.Millisecond, 2*time.Second, func() bool {
			return s.Addr() != nil
		})
		assert.NilError(t, err, "server did not start listening")
	}
	return s
}

func roundTrip(t *testing.T, addr net.Addr, request string, halfClose bool) string {
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	assert.NilError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(request))
	assert.NilError(t, err)
	if halfClose {
		assert.NilError(t, conn.(*net.TCPConn).CloseWrite())
	}
	assert.NilError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	response, err := io.ReadAll(conn)
	assert.NilError(t, err)
	return string(response)
}

func TestRequestResponse(t *testing.T) {
	handler := &echoHandler{}
	s := startServer(t, testConfig(), handler, &countingRefresher{}, nil)

	assert.Equal(t, roundTrip(t, s.Addr(), "command: ls\n", true), "response: command: ls\n")
	// clients that never half-close are answered after a short read
	assert.Equal(t, roundTrip(t, s.Addr(), "command: stat\n", false), "response: command: stat\n")
	assert.Equal(t, handler.requests.Load(), int32(2))
}

func TestRequestTooLarge(t *testing.T) {
	conf := testConfig()
	conf.MaxRequestBytes = 16
	handler := &echoHandler{}
	s := startServer(t, conf, handler, &countingRefresher{}, nil)

	response := roundTrip(t, s.Addr(), strings.Repeat("x", 100), true)
	var decoded map[string]string
	assert.NilError(t, yaml.Unmarshal([]byte(response), &decoded))
	assert.Assert(t, strings.HasPrefix(decoded["error"], "request too large"), decoded["error"])
	assert.Equal(t, handler.requests.Load(), int32(0))
}

func TestIdleRefresh(t *testing.T) {
	conf := testConfig()
	conf.RefreshInterval = 20 * time.Millisecond
	refresher := &countingRefresher{}
	startServer(t, conf, &echoHandler{}, refresher, nil)

	err := common.WaitFor(10*time.Millisecond, 2*time.Second, func() bool {
		return refresher.passes.Load() >= 2
	})
	assert.NilError(t, err, "no refresh while idle")
}

func TestRestartAfterListenerFault(t *testing.T) {
	// occupy a port so every listen attempt fails
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer busy.Close()
	conf := testConfig()
	conf.Port = busy.Addr().(*net.TCPAddr).Port
	var faults atomic.Int32
	startServer(t, conf, &echoHandler{}, &countingRefresher{}, func() {
		faults.Add(1)
	})

	err = common.WaitFor(10*time.Millisecond, 2*time.Second, func() bool {
		return faults.Load() >= 2
	})
	assert.NilError(t, err, "listener was not restarted, port %s", strconv.Itoa(conf.Port))
}
