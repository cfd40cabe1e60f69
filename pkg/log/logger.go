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
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerHandle identifies a named subsystem logger.
type LoggerHandle struct {
	id   int
	name string
}

func (h *LoggerHandle) String() string {
	return h.name
}

// Predefined loggers: the order must match the id values.
var (
	Core         = &LoggerHandle{id: 0, name: "core"}
	Test         = &LoggerHandle{id: 1, name: "test"}
	Config       = &LoggerHandle{id: 2, name: "config"}
	Entrypoint   = &LoggerHandle{id: 3, name: "entrypoint"}
	Diagnostics  = &LoggerHandle{id: 4, name: "diagnostics"}
	Metrics      = &LoggerHandle{id: 5, name: "metrics"}
	REST         = &LoggerHandle{id: 6, name: "rest"}
	Transport    = &LoggerHandle{id: 7, name: "transport"}
	Client       = &LoggerHandle{id: 8, name: "client"}
	SchedQueue   = &LoggerHandle{id: 9, name: "scheduler.queue"}
	SchedCluster = &LoggerHandle{id: 10, name: "scheduler.cluster"}
	SchedMatch   = &LoggerHandle{id: 11, name: "scheduler.match"}
	SchedUGM     = &LoggerHandle{id: 12, name: "scheduler.ugm"}
	SchedFSM     = &LoggerHandle{id: 13, name: "scheduler.fsm"}
	SchedSpool   = &LoggerHandle{id: 14, name: "scheduler.spool"}
)

var handles = []*LoggerHandle{
	Core, Test, Config, Entrypoint, Diagnostics, Metrics, REST, Transport, Client,
	SchedQueue, SchedCluster, SchedMatch, SchedUGM, SchedFSM, SchedSpool,
}

const (
	defaultLogLevel = zapcore.InfoLevel
	levelKeyPrefix  = "log."
	levelKeySuffix  = ".level"
)

var (
	once      sync.Once
	lock      sync.RWMutex
	logger    *zap.Logger
	zapConfig *zap.Config
	loggers   []*zap.Logger
	levels    []zap.AtomicLevel
)

// Log returns the logger for the given subsystem. The root logger is created on first use,
// reusing a global zap logger when the process has set one.
func Log(handle *LoggerHandle) *zap.Logger {
	once.Do(initLogger)
	if handle == nil {
		handle = Core
	}
	lock.RLock()
	defer lock.RUnlock()
	return loggers[handle.id]
}

// InitializeLogger replaces the root logger. Must be called before the first call to Log to take effect
// for the configuration, the logger itself is always replaced.
func InitializeLogger(log *zap.Logger, config *zap.Config) {
	once.Do(func() {})
	lock.Lock()
	defer lock.Unlock()
	logger = log
	zapConfig = config
	if levels == nil {
		levels = defaultLevels()
	}
	rebuildLoggers()
}

func initLogger() {
	lock.Lock()
	defer lock.Unlock()
	if logger = zap.L(); isNopLogger(logger) {
		zapConfig = createConfig()
		var err error
		logger, err = zapConfig.Build()
		// this should really not happen so just write to stdout and set a Nop logger
		if err != nil {
			fmt.Printf("Logging disabled, logger init failed with error: %v\n", err)
			logger = zap.NewNop()
		}
	}
	levels = defaultLevels()
	rebuildLoggers()
}

func defaultLevels() []zap.AtomicLevel {
	result := make([]zap.AtomicLevel, len(handles))
	for i := range result {
		result[i] = zap.NewAtomicLevelAt(defaultLogLevel)
	}
	return result
}

// rebuildLoggers must be called with the lock held.
func rebuildLoggers() {
	result := make([]*zap.Logger, len(handles))
	for _, h := range handles {
		level := levels[h.id]
		result[h.id] = logger.Named(h.name).WithOptions(zap.WrapCore(func(inner zapcore.Core) zapcore.Core {
			return filteredCore{level: level, inner: inner}
		}))
	}
	loggers = result
}

// UpdateLoggingConfig applies the log levels from a flat configuration map:
// "log.level" sets the default for all loggers, "log.<name>.level" overrides a single logger.
// Unknown names and unparsable levels are ignored. Loggers already handed out follow the change.
func UpdateLoggingConfig(config map[string]string) {
	once.Do(initLogger)
	base := defaultLogLevel
	if value, ok := config[levelKeyPrefix+"level"]; ok {
		if parsed, err := zapcore.ParseLevel(value); err == nil {
			base = parsed
		}
	}
	lock.RLock()
	defer lock.RUnlock()
	for _, h := range handles {
		level := base
		if value, ok := config[levelKeyPrefix+h.name+levelKeySuffix]; ok {
			if parsed, err := zapcore.ParseLevel(strings.TrimSpace(value)); err == nil {
				level = parsed
			}
		}
		levels[h.id].SetLevel(level)
	}
}

// IsDebugEnabled returns true if the given logger would log at debug level.
func IsDebugEnabled(handle *LoggerHandle) bool {
	return Log(handle).Core().Enabled(zapcore.DebugLevel)
}

// Returns true if the logger is a noop.
// Logger is a noop means the logger has not been initialized yet.
// This usually means a global logger is not set in the given context,
// see more at zap.ReplaceGlobals().
func isNopLogger(logger *zap.Logger) bool {
	return reflect.DeepEqual(zap.NewNop(), logger)
}

// Create a log config to keep full control over
// LogLevel set to DEBUG (filtering happens per logger), Encodes for console, Writes to stderr,
// Print stack traces for messages at ErrorLevel and above
func createConfig() *zap.Config {
	return &zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.DebugLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			LevelKey:      "level",
			TimeKey:       "time",
			NameKey:       "name",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			LineEnding:    zapcore.DefaultLineEnding,
			// note: https://godoc.org/go.uber.org/zap/zapcore#EncoderConfig
			// only EncodeName is optional all others must be set
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}
