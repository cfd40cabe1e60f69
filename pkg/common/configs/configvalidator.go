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

package configs

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Validate checks the values that cannot be corrected by a default.
func Validate(conf *ServerConfig) error {
	if conf == nil {
		return fmt.Errorf("configuration is nil")
	}
	if conf.Port < 0 || conf.Port > 65535 {
		return fmt.Errorf("port %d out of range", conf.Port)
	}
	if conf.SpoolDir == "" {
		return fmt.Errorf("spool directory cannot be empty")
	}
	if conf.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", conf.RefreshInterval)
	}
	if conf.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive, got %s", conf.ReadTimeout)
	}
	if conf.RestartDelay < 0 {
		return fmt.Errorf("restart delay cannot be negative, got %s", conf.RestartDelay)
	}
	if conf.MaxRequestBytes <= 0 {
		return fmt.Errorf("maximum request size must be positive, got %d", conf.MaxRequestBytes)
	}
	if conf.SpoolWait < 0 {
		return fmt.Errorf("spool wait cannot be negative, got %g", conf.SpoolWait)
	}
	if conf.NevermatchExpiry < 0 {
		return fmt.Errorf("nevermatch expiry cannot be negative, got %d", conf.NevermatchExpiry)
	}
	if conf.MaxConnections <= 0 || conf.MaxConnectionsPerHost <= 0 {
		return fmt.Errorf("connection limits must be positive, got %d total and %d per host",
			conf.MaxConnections, conf.MaxConnectionsPerHost)
	}
	if conf.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %s", conf.HealthCheckInterval)
	}
	if err := checkStore(conf.Store); err != nil {
		return err
	}
	if conf.WebService.Enabled && conf.WebService.Address == "" {
		return fmt.Errorf("web service enabled without an address")
	}
	return checkLog(conf.Log)
}

func checkStore(store StoreConfig) error {
	switch store.Type {
	case StoreTypeFile:
		return nil
	case StoreTypeEtcd:
		if len(store.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd store requires at least one endpoint")
		}
		if store.Etcd.Prefix == "" {
			return fmt.Errorf("etcd store requires a key prefix")
		}
		if store.Etcd.DialTimeout <= 0 || store.Etcd.RequestTimeout <= 0 {
			return fmt.Errorf("etcd timeouts must be positive")
		}
		return nil
	default:
		return fmt.Errorf("unknown store type %q, supported: %s, %s", store.Type, StoreTypeFile, StoreTypeEtcd)
	}
}

func checkLog(conf LogConfig) error {
	if conf.Level != "" {
		if _, err := zapcore.ParseLevel(conf.Level); err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}
	for name, level := range conf.Levels {
		if _, err := zapcore.ParseLevel(level); err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
	}
	return nil
}
