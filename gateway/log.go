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
	"fmt"
	"os"
	"time"

	"github.com/loopgate/loopgate-core/gateway/common/errors"
	"github.com/loopgate/loopgate-core/gateway/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds caller trace context to the underlying logging
// package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Any existing "trace" field is renamed to "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	if _, ok := fields["trace"]; ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// JSONFormatter is a customized version of logrus.JSONFormatter. The
// changes are: "time" is renamed to "timestamp", and error field values
// are stringified, as error values are otherwise dropped by
// encoding/json.
type JSONFormatter struct {
}

// Format implements logrus.Formatter.
func (f *JSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}
	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if m, ok := data["msg"]; ok {
		data["fields.msg"] = m
	}
	data["msg"] = entry.Message

	if l, ok := data["level"]; ok {
		data["fields.level"] = l
	}
	data["level"] = entry.Level.String()

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log fields to JSON: %w", err)
	}

	return append(serialized, '\n'), nil
}

var log *ContextLogger

// InitLogging configures the package logger according to the specified
// config params. If not called, the default logger set by the package
// init() is used.
// Concurrency note: should only be called from the main goroutine.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.logLevel())
	if err != nil {
		return errors.Trace(err)
	}

	logWriter := os.Stderr

	if config.LogFilename != "" {
		logWriter, err = os.OpenFile(
			config.LogFilename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err != nil {
			return errors.Trace(err)
		}
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &JSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

func init() {
	log = &ContextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &JSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
