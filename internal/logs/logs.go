/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logs holds the process-wide logger.
package logs

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cloudwego/thunkjit/internal/opts"
)

var (
	logger     atomic.Pointer[zap.Logger]
	loggerOnce sync.Once
)

// defaultLogger writes to stderr when THUNKJIT_DEBUG is set and discards
// everything otherwise.
func defaultLogger() *zap.Logger {
	if !opts.EnableDebug {
		return zap.NewNop()
	} else if l, err := zap.NewDevelopment(); err != nil {
		return zap.NewNop()
	} else {
		return l.Named("thunkjit")
	}
}

// Logger returns the shared logger.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		logger.CompareAndSwap(nil, defaultLogger())
	})
	return logger.Load()
}

// SetLogger replaces the shared logger, nil restores a silent one.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerOnce.Do(func() {})
	logger.Store(l)
}
