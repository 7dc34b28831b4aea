// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/logutil"
)

const (
	// DefaultRoot is the etcd directory all hms nodes live under.
	DefaultRoot = "/hms"
	// DefaultRetentionWindow is how long terminal commands are kept.
	DefaultRetentionWindow = TomlDuration(7 * 24 * time.Hour)

	defaultAddr            = "127.0.0.1:8310"
	defaultEtcdEndpoint    = "http://127.0.0.1:2379"
	defaultEtcdDialTimeout = TomlDuration(5 * time.Second)
	defaultDataDir         = "default.hms"
	defaultWorkers         = 200
	defaultQueueSize       = 1024
	defaultSessionTTL      = 10
)

var defaultServerConfig = &ServerConfig{
	Addr:            defaultAddr,
	EtcdEndpoints:   []string{defaultEtcdEndpoint},
	EtcdDialTimeout: defaultEtcdDialTimeout,
	Root:            DefaultRoot,
	DataDir:         defaultDataDir,
	LogFile:         "",
	LogLevel:        "info",
	Log: &LogConfig{
		File: &LogFileConfig{
			MaxSize:    300,
			MaxDays:    0,
			MaxBackups: 0,
		},
		InternalErrOutput: "stderr",
	},
	Workers:         defaultWorkers,
	QueueSize:       defaultQueueSize,
	SessionTTL:      defaultSessionTTL,
	RetentionWindow: DefaultRetentionWindow,
}

// ServerConfig holds the configuration of an hms server.
type ServerConfig struct {
	// Addr is the listening address of the status server.
	Addr            string       `toml:"addr" json:"addr"`
	EtcdEndpoints   []string     `toml:"etcd-endpoints" json:"etcd-endpoints"`
	EtcdDialTimeout TomlDuration `toml:"etcd-dial-timeout" json:"etcd-dial-timeout"`
	Root            string       `toml:"root" json:"root"`

	// EmbedEtcd starts a single node etcd inside the server, for development.
	EmbedEtcd bool   `toml:"embed-etcd" json:"embed-etcd"`
	DataDir   string `toml:"data-dir" json:"data-dir"`

	LogFile  string     `toml:"log-file" json:"log-file"`
	LogLevel string     `toml:"log-level" json:"log-level"`
	Log      *LogConfig `toml:"log" json:"log"`

	Workers         int          `toml:"workers" json:"workers"`
	QueueSize       int          `toml:"queue-size" json:"queue-size"`
	SessionTTL      int          `toml:"session-ttl" json:"session-ttl"`
	RetentionWindow TomlDuration `toml:"retention-window" json:"retention-window"`
	SimulateAgents  bool         `toml:"simulate-agents" json:"simulate-agents"`
}

// LogConfig holds the log rotation settings.
type LogConfig struct {
	File              *LogFileConfig `toml:"file" json:"file"`
	InternalErrOutput string         `toml:"error-output" json:"error-output"`
}

// LogFileConfig holds the settings of the log file.
type LogFileConfig struct {
	MaxSize    int `toml:"max-size" json:"max-size"`
	MaxDays    int `toml:"max-days" json:"max-days"`
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// GetDefaultServerConfig returns the default server config.
func GetDefaultServerConfig() *ServerConfig {
	return defaultServerConfig.Clone()
}

// Clone clones the server config.
func (c *ServerConfig) Clone() *ServerConfig {
	str, err := c.Marshal()
	if err != nil {
		log.Panic("failed to marshal server config", zap.Error(err))
	}
	cloned := new(ServerConfig)
	if err := cloned.Unmarshal([]byte(str)); err != nil {
		log.Panic("failed to unmarshal server config", zap.Error(err))
	}
	return cloned
}

// Marshal returns the json marshal format of a ServerConfig.
func (c *ServerConfig) Marshal() (string, error) {
	cfg, err := json.Marshal(c)
	if err != nil {
		return "", cerrors.WrapError(cerrors.ErrMarshalFailed, errors.Annotatef(err, "Unmarshal data: %v", c))
	}
	return string(cfg), nil
}

// Unmarshal unmarshals into *ServerConfig from json marshal byte slice.
func (c *ServerConfig) Unmarshal(data []byte) error {
	err := json.Unmarshal(data, c)
	if err != nil {
		return cerrors.WrapError(cerrors.ErrUnmarshalFailed, err)
	}
	return nil
}

// String implements the Stringer interface.
func (c *ServerConfig) String() string {
	s, _ := c.Marshal()
	return s
}

// Toml returns the TOML representation of the config.
func (c *ServerConfig) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// LoggerConfig returns the logger config of the server.
func (c *ServerConfig) LoggerConfig() *logutil.Config {
	cfg := &logutil.Config{
		Level: c.LogLevel,
		File:  c.LogFile,
	}
	if c.Log != nil {
		cfg.ZapInternalErrOutput = c.Log.InternalErrOutput
		if c.Log.File != nil {
			cfg.FileMaxSize = c.Log.File.MaxSize
			cfg.FileMaxDays = c.Log.File.MaxDays
			cfg.FileMaxBackups = c.Log.File.MaxBackups
		}
	}
	return cfg
}

// ValidateAndAdjust validates and adjusts the server configuration.
func (c *ServerConfig) ValidateAndAdjust() error {
	if c.Addr == "" {
		return cerrors.ErrInvalidServerOption.GenWithStack("empty address")
	}
	if !c.EmbedEtcd {
		endpoints := c.EtcdEndpoints[:0]
		for _, ep := range c.EtcdEndpoints {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		c.EtcdEndpoints = endpoints
		if len(c.EtcdEndpoints) == 0 {
			return cerrors.ErrInvalidServerOption.GenWithStack("empty etcd endpoints")
		}
	} else if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.EtcdDialTimeout <= 0 {
		c.EtcdDialTimeout = defaultEtcdDialTimeout
	}

	c.Root = "/" + strings.Trim(c.Root, "/")
	if c.Root == "/" {
		return cerrors.ErrInvalidServerOption.GenWithStack("root can not be the etcd root")
	}

	if c.Log == nil {
		c.Log = GetDefaultServerConfig().Log
	}
	if c.Log.File == nil {
		c.Log.File = GetDefaultServerConfig().Log.File
	}

	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStack(
			"workers and queue-size must be positive, got %d and %d", c.Workers, c.QueueSize)
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.SessionTTL < 2 {
		return cerrors.ErrInvalidServerOption.GenWithStack(
			"session-ttl must be at least 2 seconds, got %d", c.SessionTTL)
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.RetentionWindow < 0 {
		return cerrors.ErrInvalidServerOption.GenWithStack(
			"retention-window must be positive, got %s", time.Duration(c.RetentionWindow))
	}
	return nil
}
