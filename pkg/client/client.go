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

package client

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/log"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxElapsed = 2 * time.Minute
)

type Options struct {
	// Timeout bounds one complete request and response exchange.
	Timeout time.Duration
	// MaxElapsed bounds the time spent retrying to connect, 0 tries once.
	MaxElapsed time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:    DefaultTimeout,
		MaxElapsed: DefaultMaxElapsed,
	}
}

// ServerError is the error field of a response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client sends one request per connection to the scheduler server.
type Client struct {
	addr string
	opts Options
}

func New(addr string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{addr: addr, opts: opts}
}

func (c *Client) Addr() string {
	return c.addr
}

// Send delivers the request and returns the decoded response.
// A response carrying an error field is returned together with a *ServerError.
func (c *Client) Send(request map[string]interface{}) (map[string]interface{}, error) {
	payload, err := yaml.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err = conn.SetDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return nil, err
	}
	if _, err = conn.Write(payload); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err = tcp.CloseWrite(); err != nil {
			return nil, fmt.Errorf("closing request stream: %w", err)
		}
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var response map[string]interface{}
	if err = yaml.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if response == nil {
		return nil, fmt.Errorf("empty response from %s", c.addr)
	}
	if msg, ok := response["error"]; ok {
		return response, &ServerError{Message: fmt.Sprint(msg)}
	}
	return response, nil
}

// dial connects with exponential backoff, the server may be restarting.
func (c *Client) dial() (net.Conn, error) {
	var conn net.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = c.opts.MaxElapsed
	var b backoff.BackOff = policy
	if c.opts.MaxElapsed <= 0 {
		b = &backoff.StopBackOff{}
	}
	try := 1
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.DialTimeout("tcp", c.addr, c.opts.Timeout)
		if err != nil {
			log.Log(log.Client).Debug("dial failed",
				zap.String("address", c.addr),
				zap.Int("try", try),
				zap.Error(err))
			try++
		}
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	return conn, nil
}
