// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	gsyslog "github.com/hashicorp/go-syslog"
)

// Config is used to set up logging.
type Config struct {
	// LogLevel is the minimum level to be logged.
	LogLevel string

	// LogJSON controls outputing logs in a JSON format.
	LogJSON bool

	// Color is one of auto, on or off.
	Color string

	// Name is the name the returned logger will use to prefix log lines.
	Name string

	// EnableSyslog controls forwarding to syslog.
	EnableSyslog bool

	// SyslogFacility is the destination for syslog forwarding.
	SyslogFacility string
}

// syslogRetries and syslogDelay bound how long Setup waits for a syslog
// daemon that is still starting.
var (
	syslogRetries = 12
	syslogDelay   = 5 * time.Second
)

// Setup builds the root logger. Logs go to out and, when enabled, to syslog.
func Setup(config Config, out io.Writer) (hclog.InterceptLogger, error) {
	if !ValidateLogLevel(config.LogLevel) {
		return nil, fmt.Errorf("Invalid log level: %s. Valid log levels are: %v",
			config.LogLevel,
			allowedLogLevels)
	}
	color, err := NewColorOption(config.Color)
	if err != nil {
		return nil, err
	}

	writers := []io.Writer{}
	if out != nil {
		writers = append(writers, out)
	}

	if config.EnableSyslog {
		var syslog io.Writer
		var lastErr error
		for i := 0; i <= syslogRetries; i++ {
			l, err := gsyslog.NewLogger(gsyslog.LOG_NOTICE, config.SyslogFacility, "connmgr")
			if err == nil {
				syslog = &SyslogWrapper{l}
				break
			}
			lastErr = err
			if i < syslogRetries {
				time.Sleep(syslogDelay)
			}
		}
		if syslog == nil {
			timeout := time.Duration(syslogRetries) * syslogDelay
			return nil, fmt.Errorf("Syslog setup did not succeed within timeout (%s): %w", timeout, lastErr)
		}
		writers = append(writers, syslog)
	}
	if len(writers) == 0 {
		return nil, errors.New("no log output configured")
	}

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      LevelFromString(config.LogLevel),
		Name:       config.Name,
		Output:     io.MultiWriter(writers...),
		JSONFormat: config.LogJSON,
		Color:      color,
	})
	return logger, nil
}
