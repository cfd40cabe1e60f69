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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/log"
)

const (
	DefaultHost             = ""
	DefaultPort             = 51093
	DefaultSpoolDir         = "~/wqspool/"
	DefaultRefreshInterval  = 30 * time.Second
	DefaultSpoolWait        = 10.0
	DefaultRestartDelay     = 60 * time.Second
	DefaultReadTimeout      = 10 * time.Second
	DefaultMaxRequestBytes  = 1024 * 1024
	DefaultNevermatchExpiry = 10
	DefaultMaxConnections   = 128
	DefaultMaxPerHost       = 16
	DefaultHealthInterval   = 30 * time.Second
	DefaultWebAddress       = ":9080"
	DefaultEtcdPrefix       = "/wq"
	DefaultEtcdDialTimeout  = 5 * time.Second
	DefaultEtcdRequestTime  = 5 * time.Second

	StoreTypeFile = "file"
	StoreTypeEtcd = "etcd"
)

// ServerConfig is the complete configuration of the scheduler service.
// Every field has a default, an empty configuration file is valid.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ClusterFile     string        `yaml:"clusterFile"`
	SpoolDir        string        `yaml:"spoolDir"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	// SpoolWait is the poll interval in seconds handed to submitters
	SpoolWait       float64       `yaml:"spoolWait"`
	RestartDelay    time.Duration `yaml:"restartDelay"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	MaxRequestBytes int           `yaml:"maxRequestBytes"`
	PrivilegedUsers []string      `yaml:"privilegedUsers"`
	// NevermatchExpiry is the number of refresh passes a job that turned nevermatch stays queued, 0 keeps it forever
	NevermatchExpiry int `yaml:"nevermatchExpiry"`
	// MaxConnections and MaxConnectionsPerHost bound the client connections served at the same time
	MaxConnections        int              `yaml:"maxConnections"`
	MaxConnectionsPerHost int              `yaml:"maxConnectionsPerHost"`
	HealthCheckInterval   time.Duration    `yaml:"healthCheckInterval"`
	Store                 StoreConfig      `yaml:"store"`
	WebService            WebServiceConfig `yaml:"webservice"`
	Log                   LogConfig        `yaml:"log"`
}

type StoreConfig struct {
	Type string     `yaml:"type"`
	Etcd EtcdConfig `yaml:"etcd"`
}

type EtcdConfig struct {
	Endpoints      []string      `yaml:"endpoints,omitempty"`
	Prefix         string        `yaml:"prefix"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type WebServiceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LogConfig sets the default level and optional levels per named logger.
type LogConfig struct {
	Level  string            `yaml:"level"`
	Levels map[string]string `yaml:"levels,omitempty"`
}

// DefaultServerConfig returns a configuration with all defaults set.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:                  DefaultHost,
		Port:                  DefaultPort,
		SpoolDir:              DefaultSpoolDir,
		RefreshInterval:       DefaultRefreshInterval,
		SpoolWait:             DefaultSpoolWait,
		RestartDelay:          DefaultRestartDelay,
		ReadTimeout:           DefaultReadTimeout,
		MaxRequestBytes:       DefaultMaxRequestBytes,
		PrivilegedUsers:       []string{"root"},
		NevermatchExpiry:      DefaultNevermatchExpiry,
		MaxConnections:        DefaultMaxConnections,
		MaxConnectionsPerHost: DefaultMaxPerHost,
		HealthCheckInterval:   DefaultHealthInterval,
		Store: StoreConfig{
			Type: StoreTypeFile,
			Etcd: EtcdConfig{
				Prefix:         DefaultEtcdPrefix,
				DialTimeout:    DefaultEtcdDialTimeout,
				RequestTimeout: DefaultEtcdRequestTime,
			},
		},
		WebService: WebServiceConfig{
			Enabled: true,
			Address: DefaultWebAddress,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadServerConfig reads and validates the configuration file. An empty path returns the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	if path == "" {
		return DefaultServerConfig(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	conf, err := ParseServerConfig(content)
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}
	log.Log(log.Config).Info("configuration loaded",
		zap.String("path", path),
		zap.String("listen", conf.Address()),
		zap.String("store", conf.Store.Type))
	return conf, nil
}

// ParseServerConfig decodes the YAML content on top of the defaults and validates the result.
func ParseServerConfig(content []byte) (*ServerConfig, error) {
	conf := DefaultServerConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	conf.SpoolDir = common.ExpandHome(conf.SpoolDir)
	if err := Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// Address returns the host:port the scheduler listens on.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsPrivileged returns true if the user may remove jobs owned by others.
func (c *ServerConfig) IsPrivileged(user string) bool {
	for _, p := range c.PrivilegedUsers {
		if p == user {
			return true
		}
	}
	return false
}

// LoggingConfig flattens the log section into the map understood by log.UpdateLoggingConfig.
func (c *ServerConfig) LoggingConfig() map[string]string {
	result := make(map[string]string, len(c.Log.Levels)+1)
	if c.Log.Level != "" {
		result["log.level"] = c.Log.Level
	}
	for name, level := range c.Log.Levels {
		result["log."+name+".level"] = level
	}
	return result
}
