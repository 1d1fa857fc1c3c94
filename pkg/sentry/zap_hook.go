// Copyright 2025 UMH Systems GmbH
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

package sentry

import (
	"fmt"
	"math"
	"strconv"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// FingerprintKeys are the field keys that affect Sentry grouping.
var FingerprintKeys = []string{"operation", "entity_type", "reason"}

// SentryHook implements zapcore.Core. It delegates to the wrapped core and
// additionally sends Error and higher entries to Sentry from a separate goroutine.
type SentryHook struct {
	zapcore.Core
}

// NewSentryHook creates a new SentryHook wrapping the given zapcore.Core.
func NewSentryHook(core zapcore.Core) zapcore.Core {
	return &SentryHook{Core: core}
}

// With returns a new SentryHook with the given fields added to the context.
func (h *SentryHook) With(fields []zapcore.Field) zapcore.Core {
	return &SentryHook{Core: h.Core.With(fields)}
}

// Check determines whether the entry should be logged.
func (h *SentryHook) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(entry.Level) {
		return ce.AddCore(entry, h)
	}

	return ce
}

// Write logs the entry to the underlying core and captures errors to Sentry.
func (h *SentryHook) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= zapcore.ErrorLevel {
		go captureToSentry(entry, fields)
	}

	return h.Core.Write(entry, fields)
}

func captureToSentry(entry zapcore.Entry, fields []zapcore.Field) {
	tags := extractFieldsAsTags(fields)

	sentry.WithScope(func(scope *sentry.Scope) {
		level := zapLevelToSentry(entry.Level)
		scope.SetLevel(level)

		fingerprint := []string{"{{ default }}", "level: " + getLevelString(level)}
		if entry.LoggerName != "" {
			scope.SetTag("component", entry.LoggerName)
		}

		for _, key := range FingerprintKeys {
			if v, ok := tags[key]; ok {
				fingerprint = append(fingerprint, key+": "+v)
			}
		}

		scope.SetFingerprint(fingerprint)

		for k, v := range tags {
			scope.SetTag(k, v)
		}

		sentry.CaptureMessage(entry.Message)
	})
}

func extractFieldsAsTags(fields []zapcore.Field) map[string]string {
	tags := make(map[string]string, len(fields))

	for _, field := range fields {
		switch field.Type {
		case zapcore.StringType:
			tags[field.Key] = field.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type, zapcore.DurationType:
			tags[field.Key] = strconv.FormatInt(field.Integer, 10)
		case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
			tags[field.Key] = strconv.FormatUint(uint64(field.Integer), 10)
		case zapcore.BoolType:
			tags[field.Key] = strconv.FormatBool(field.Integer == 1)
		case zapcore.Float64Type:
			tags[field.Key] = strconv.FormatFloat(math.Float64frombits(uint64(field.Integer)), 'g', -1, 64)
		case zapcore.ErrorType:
			if err, ok := field.Interface.(error); ok && err != nil {
				tags[field.Key] = err.Error()
			}
		default:
			if field.Interface != nil {
				tags[field.Key] = fmt.Sprintf("%v", field.Interface)
			}
		}
	}

	return tags
}

func zapLevelToSentry(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}
