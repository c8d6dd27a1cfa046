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
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sessionSink is the file behind the session log core. Writes after close
// are dropped so loggers derived while the log was open stay usable.
type sessionSink struct {
	mu   sync.Mutex
	file *os.File
}

func (s *sessionSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return len(p), nil
	}
	return s.file.Write(p)
}

func (s *sessionSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *sessionSink) close(footer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_, _ = io.WriteString(s.file, footer)
	err := s.file.Close()
	s.file = nil
	return err
}

type sessionLog struct {
	sink *sessionSink
	path string
	prev *zap.SugaredLogger
}

var (
	sessionMu sync.Mutex
	session   *sessionLog
)

func sessionLogOpen() bool {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	return session != nil
}

func newSessionCore(w zapcore.WriteSyncer) zapcore.Core {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), w, zapcore.DebugLevel)
}

// InitSessionLog creates parspi_YYYYMMDD_HHMMSS.log in the current directory
// and tees the shared logger into it at debug level. It returns the path.
func InitSessionLog() (string, error) {
	if err := CloseSessionLog(); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("parspi_%s.log", time.Now().Format("20060102_150405"))
	file, err := os.Create(filename) //nolint:gosec // filename is constructed internally, not user input
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}
	writeSessionHeader(file)

	sink := &sessionSink{file: file}
	prev := Logger()
	tee := zapcore.NewTee(prev.Desugar().Core(), newSessionCore(sink))

	sessionMu.Lock()
	session = &sessionLog{sink: sink, path: filename, prev: prev}
	sessionMu.Unlock()
	logger.Store(newLogger(tee))

	return filename, nil
}

// CloseSessionLog restores the logger that was active before InitSessionLog
// and closes the file. It does nothing when no session log is open.
func CloseSessionLog() error {
	sessionMu.Lock()
	s := session
	session = nil
	sessionMu.Unlock()
	if s == nil {
		return nil
	}

	logger.Store(s.prev)
	footer := fmt.Sprintf("\n%s === Session ended ===\n", time.Now().Format("15:04:05.000"))
	if err := s.sink.close(footer); err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// SessionLogPath returns the open session log path, or "" when none is open.
func SessionLogPath() string {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if session == nil {
		return ""
	}
	return session.path
}

func writeSessionHeader(w io.Writer) {
	_, _ = fmt.Fprint(w, "=== parspi session log ===\n")
	_, _ = fmt.Fprintf(w, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(w, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(w, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(w, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(w, "===========================\n\n")
}
