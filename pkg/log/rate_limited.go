// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger limits each format string separately, so that a burst of
// one message does not hide a different one.
type rateLimitedLogger struct {
	logger Logger
	every  time.Duration

	// mu protects limits.
	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

func (rl *rateLimitedLogger) allow(format string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limits[format]
	if !ok {
		l = rate.NewLimiter(rate.Every(rl.every), 1)
		rl.limits[format] = l
	}
	return l.Allow()
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) && rl.allow(format) {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) && rl.allow(format) {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.allow(format) {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs each message to the
// global logger no more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs each message to the provided
// logger no more than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		every:  every,
		limits: make(map[string]*rate.Limiter),
	}
}
