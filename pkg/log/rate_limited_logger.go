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

package log

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitedLogger logs at most once per interval. Messages dropped in between are
// counted and reported as the "suppressed" field of the next message that gets through.
type RateLimitedLogger struct {
	logger     *zap.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func RateLimitedLog(handle *LoggerHandle, every time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{
		logger:  Log(handle),
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// allow returns the fields to log with, or false when the message must be dropped.
func (rl *RateLimitedLogger) allow(fields []zap.Field) ([]zap.Field, bool) {
	if !rl.limiter.Allow() {
		rl.suppressed.Add(1)
		return nil, false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		fields = append(fields, zap.Int64("suppressed", n))
	}
	return fields, true
}

func (rl *RateLimitedLogger) Debug(msg string, fields ...zap.Field) {
	if !rl.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	if fields, ok := rl.allow(fields); ok {
		rl.logger.Debug(msg, fields...)
	}
}

func (rl *RateLimitedLogger) Info(msg string, fields ...zap.Field) {
	if fields, ok := rl.allow(fields); ok {
		rl.logger.Info(msg, fields...)
	}
}

func (rl *RateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	if fields, ok := rl.allow(fields); ok {
		rl.logger.Warn(msg, fields...)
	}
}
