// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package parspi

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// debugEnabled controls whether Debugf output reaches the console.
var debugEnabled atomic.Bool

var (
	consoleLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger       atomic.Pointer[zap.SugaredLogger]
)

func init() {
	if os.Getenv("PARSPI_DEBUG") != "" || os.Getenv("DEBUG") != "" {
		SetDebugEnabled(true)
	}
	logger.Store(newLogger(newConsoleCore()))
}

func newConsoleCore() zapcore.Core {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zapcore.NewCore(enc, zapcore.Lock(os.Stderr), consoleLevel)
}

func newLogger(core zapcore.Core) *zap.SugaredLogger {
	return zap.New(core).Sugar().Named("parspi")
}

// Logger returns the logger shared by every package of the module. Package
// loggers are derived from it when their component is created, so a session
// log must be started before the components it should capture.
func Logger() *zap.SugaredLogger {
	return logger.Load()
}

// SetLogger replaces the shared logger. A nil logger silences output.
func SetLogger(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	logger.Store(l)
}

// Debugf logs protocol detail at debug level. It is written whenever debug
// mode is on or a session log is open; the console still filters by level.
func Debugf(format string, args ...any) {
	if !debugEnabled.Load() && !sessionLogOpen() {
		return
	}
	Logger().Debugf(format, args...)
}

// SetDebugEnabled switches debug output on the console.
func SetDebugEnabled(enabled bool) {
	debugEnabled.Store(enabled)
	if enabled {
		consoleLevel.SetLevel(zapcore.DebugLevel)
	} else {
		consoleLevel.SetLevel(zapcore.InfoLevel)
	}
}
