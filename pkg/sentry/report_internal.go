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
	"runtime/debug"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// debounceWindow limits how often one level is forwarded to Sentry.
const debounceWindow = 2 * time.Hour

type debounce struct {
	mu       sync.Mutex
	lastSent time.Time
}

var (
	errorDebounce   debounce
	warningDebounce debounce
)

func sentryLevel(issueType IssueType) sentry.Level {
	switch issueType {
	case IssueTypeFatal:
		return sentry.LevelFatal
	case IssueTypeError:
		return sentry.LevelError
	default:
		return sentry.LevelWarning
	}
}

// reportFatal sends a fatal error to Sentry, logs it with a stack trace and panics.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("petsync has encountered a fatal error and will now terminate.")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	log.Panic("Fatal error")
}

// reportDebounced always logs, but forwards to Sentry at most once per window
// unless debouncing is disabled.
func reportDebounced(d *debounce, level sentry.Level, err error, context map[string]interface{}, logFn func(args ...interface{})) {
	logFn(err)

	d.mu.Lock()
	defer d.mu.Unlock()

	if shouldDebounceErrors && !d.lastSent.IsZero() && time.Since(d.lastSent) < debounceWindow {
		return
	}

	sendSentryEvent(createSentryEventWithContext(level, err, context))
	d.lastSent = time.Now()
}
