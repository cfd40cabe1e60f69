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

// Package locking provides the mutex types that guard the scheduler state.
// Deadlock detection can be switched on at start up through the environment, it is off by default.
package locking

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	godeadlock "github.com/sasha-s/go-deadlock"

	"github.com/wq-project/wq/pkg/log"
)

const (
	EnvDeadlockDetectionEnabled = "WQ_DEADLOCK_DETECTION_ENABLED"
	EnvDeadlockTimeoutSeconds   = "WQ_DEADLOCK_TIMEOUT_SECONDS"
	EnvExitOnDeadlock           = "WQ_DEADLOCK_EXIT"

	defaultTimeoutSeconds = 60
)

var (
	once             sync.Once
	trackingEnabled  atomic.Bool
	exitOnDeadlock   atomic.Bool
	deadlockDetected atomic.Bool
	timeoutSeconds   atomic.Int32
)

// detectionOptions holds the parsed environment settings.
type detectionOptions struct {
	enabled bool
	exit    bool
	timeout int
}

func init() {
	once.Do(func() {
		apply(loadOptions(os.Getenv))
	})
}

func loadOptions(getenv func(string) string) detectionOptions {
	opts := detectionOptions{timeout: defaultTimeoutSeconds}
	if enabled, err := strconv.ParseBool(getenv(EnvDeadlockDetectionEnabled)); err == nil {
		opts.enabled = enabled
	}
	if exit, err := strconv.ParseBool(getenv(EnvExitOnDeadlock)); err == nil {
		opts.exit = exit
	}
	if timeout, err := strconv.Atoi(getenv(EnvDeadlockTimeoutSeconds)); err == nil && timeout > 0 {
		opts.timeout = timeout
	}
	return opts
}

func apply(opts detectionOptions) {
	trackingEnabled.Store(opts.enabled)
	exitOnDeadlock.Store(opts.exit)
	timeoutSeconds.Store(int32(opts.timeout))

	godeadlock.Opts.Disable = !opts.enabled
	godeadlock.Opts.DeadlockTimeout = time.Duration(opts.timeout) * time.Second
	godeadlock.Opts.LogBuf = &errorBuf{}
	godeadlock.Opts.OnPotentialDeadlock = onPotentialDeadlock

	if opts.enabled {
		// written before logging is set up, logging may take locks itself
		_, _ = fmt.Fprintf(os.Stderr, "=== Deadlock detection enabled (timeout: %d seconds, exit on deadlock: %t) ===\n", opts.timeout, opts.exit)
	}
}

type errorBuf struct {
	data string
	sync.Mutex
}

func (b *errorBuf) Write(p []byte) (n int, err error) {
	b.Lock()
	defer b.Unlock()
	b.data += string(p)
	return len(p), nil
}

func (b *errorBuf) drain() string {
	b.Lock()
	defer b.Unlock()
	data := b.data
	b.data = ""
	return data
}

func onPotentialDeadlock() {
	deadlockDetected.Store(true)
	details := "no details available"
	if buf, ok := godeadlock.Opts.LogBuf.(*errorBuf); ok {
		details = buf.drain()
	}
	log.Log(log.Diagnostics).Error("POTENTIAL DEADLOCK: " + details)
	if exitOnDeadlock.Load() {
		os.Exit(1)
	}
}

func IsTrackingEnabled() bool {
	return trackingEnabled.Load()
}

func GetDeadlockTimeoutSeconds() int {
	return int(timeoutSeconds.Load())
}

func IsDeadlockDetected() bool {
	return deadlockDetected.Load()
}

type Mutex struct {
	godeadlock.Mutex
}

type RWMutex struct {
	godeadlock.RWMutex
}
