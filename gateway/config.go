/*
 * Copyright (c) 2025, Loopgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package gateway

import (
	"encoding/json"
	"time"

	"github.com/loopgate/loopgate-core/gateway/common"
	"github.com/loopgate/loopgate-core/gateway/common/errors"
)

const (
	GATEWAY_CONFIG_FILENAME = "loopgate.config"

	DEFAULT_LOG_LEVEL = "info"

	DEFAULT_IDLE_FORWARD_TIMEOUT_MILLISECONDS  = 300000
	DEFAULT_MAX_FORWARDS                       = 100
	DEFAULT_IDLE_SWEEP_INTERVAL_MILLISECONDS   = 60000
	DEFAULT_UPSTREAM_DIAL_TIMEOUT_MILLISECONDS = 10000
)

// Config specifies the configuration and behavior of the gateway.
type Config struct {

	// LogLevel specifies the logging level. The default is "info".
	LogLevel string

	// LogFilename specifies the path of the file to log to. When blank,
	// logs are written to stderr.
	LogFilename string

	// IdleForwardTimeoutMilliseconds specifies how long a forward with no
	// open connections may remain idle before the reaper closes it. The
	// default is 300000 (5 minutes).
	IdleForwardTimeoutMilliseconds *int

	// MaxForwards bounds the total number of live forwards. The default
	// is 100.
	MaxForwards *int

	// IdleSweepIntervalMilliseconds specifies the idle reaper sweep
	// interval. The default is 60000.
	IdleSweepIntervalMilliseconds *int

	// UpstreamDialTimeoutMilliseconds specifies the timeout for dialing
	// the target service on the loopback interface. The default is 10000.
	UpstreamDialTimeoutMilliseconds *int

	// MaxConnectionsPerForward caps concurrent accepted connections per
	// forward listener. The default, 0, is no cap.
	MaxConnectionsPerForward int

	// ReadBytesPerSecond and WriteBytesPerSecond specify per-connection
	// relay rate limits. The default, 0, is no limit.
	ReadBytesPerSecond  int64
	WriteBytesPerSecond int64

	// TrustProxy is the trust-proxy policy string handed to the control
	// layer; see ParseTrustProxyEnv. When unset, only directly connected
	// peers are trusted.
	TrustProxy string

	// LoadMonitorPeriodSeconds indicates how frequently to log gateway
	// load information. The default, 0, disables load logging.
	LoadMonitorPeriodSeconds int

	// StaticForwards specifies forwards to establish at startup, for
	// running the gateway standalone without a control layer.
	StaticForwards []StaticForward
}

// StaticForward specifies one forward to establish at startup: the target
// port on the loopback interface and the requester address permitted to
// use the tunnel.
type StaticForward struct {
	TargetPort  int
	RequesterIP string
}

// RunLoadMonitor indicates whether to run a load monitor.
func (config *Config) RunLoadMonitor() bool {
	return config.LoadMonitorPeriodSeconds > 0
}

func (config *Config) logLevel() string {
	if config.LogLevel == "" {
		return DEFAULT_LOG_LEVEL
	}
	return config.LogLevel
}

func (config *Config) idleForwardTimeout() time.Duration {
	milliseconds := DEFAULT_IDLE_FORWARD_TIMEOUT_MILLISECONDS
	if config.IdleForwardTimeoutMilliseconds != nil {
		milliseconds = *config.IdleForwardTimeoutMilliseconds
	}
	return time.Duration(milliseconds) * time.Millisecond
}

func (config *Config) maxForwards() int {
	if config.MaxForwards != nil {
		return *config.MaxForwards
	}
	return DEFAULT_MAX_FORWARDS
}

func (config *Config) idleSweepInterval() time.Duration {
	milliseconds := DEFAULT_IDLE_SWEEP_INTERVAL_MILLISECONDS
	if config.IdleSweepIntervalMilliseconds != nil {
		milliseconds = *config.IdleSweepIntervalMilliseconds
	}
	return time.Duration(milliseconds) * time.Millisecond
}

func (config *Config) upstreamDialTimeout() time.Duration {
	milliseconds := DEFAULT_UPSTREAM_DIAL_TIMEOUT_MILLISECONDS
	if config.UpstreamDialTimeoutMilliseconds != nil {
		milliseconds = *config.UpstreamDialTimeoutMilliseconds
	}
	return time.Duration(milliseconds) * time.Millisecond
}

func (config *Config) rateLimits() common.RateLimits {
	return common.RateLimits{
		ReadBytesPerSecond:  config.ReadBytesPerSecond,
		WriteBytesPerSecond: config.WriteBytesPerSecond,
	}
}

// LoadConfig parses and validates a JSON format gateway config.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.IdleForwardTimeoutMilliseconds != nil &&
		*config.IdleForwardTimeoutMilliseconds < 0 {
		return nil, errors.TraceNew(
			"IdleForwardTimeoutMilliseconds must be non-negative")
	}

	if config.MaxForwards != nil && *config.MaxForwards < 1 {
		return nil, errors.TraceNew("MaxForwards must be positive")
	}

	if config.IdleSweepIntervalMilliseconds != nil &&
		*config.IdleSweepIntervalMilliseconds < 1 {
		return nil, errors.TraceNew(
			"IdleSweepIntervalMilliseconds must be positive")
	}

	for _, staticForward := range config.StaticForwards {
		if staticForward.TargetPort < 1 || staticForward.TargetPort > 65535 {
			return nil, errors.Tracef(
				"invalid static forward target port: %d",
				staticForward.TargetPort)
		}
		if _, ok := NormalizeIPAddress(staticForward.RequesterIP); !ok {
			return nil, errors.Tracef(
				"invalid static forward requester IP: %s",
				staticForward.RequesterIP)
		}
	}

	return &config, nil
}

// GenerateConfig returns a JSON format gateway config with defaults
// suitable for running standalone on a development host.
func GenerateConfig() ([]byte, error) {

	intPtr := func(i int) *int {
		return &i
	}

	config := &Config{
		LogLevel:                       DEFAULT_LOG_LEVEL,
		IdleForwardTimeoutMilliseconds: intPtr(DEFAULT_IDLE_FORWARD_TIMEOUT_MILLISECONDS),
		MaxForwards:                    intPtr(DEFAULT_MAX_FORWARDS),
		IdleSweepIntervalMilliseconds:  intPtr(DEFAULT_IDLE_SWEEP_INTERVAL_MILLISECONDS),
		LoadMonitorPeriodSeconds:       60,
	}

	configJSON, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}

	return configJSON, nil
}
