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

package logger

import (
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// PrettyConsoleEncoder produces lines like
//
//	[INFO]	[push.go:120]	[PushProcessor]	op accepted - {"owner_id":"o1","op_id":"a"}
//
// Fields are rendered with a console encoder after the message. Context added
// through With() is kept by the embedded encoder.
type PrettyConsoleEncoder struct {
	zapcore.Encoder
	cfg  zapcore.EncoderConfig
	pool buffer.Pool
}

// NewPrettyConsoleEncoder creates a new PrettyConsoleEncoder instance.
func NewPrettyConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	fieldCfg := cfg
	// the field encoder only renders the structured fields
	fieldCfg.TimeKey = zapcore.OmitKey
	fieldCfg.LevelKey = zapcore.OmitKey
	fieldCfg.NameKey = zapcore.OmitKey
	fieldCfg.CallerKey = zapcore.OmitKey
	fieldCfg.MessageKey = zapcore.OmitKey
	fieldCfg.StacktraceKey = zapcore.OmitKey

	return &PrettyConsoleEncoder{
		Encoder: zapcore.NewJSONEncoder(fieldCfg),
		cfg:     cfg,
		pool:    buffer.NewPool(),
	}
}

// Clone implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) Clone() zapcore.Encoder {
	return &PrettyConsoleEncoder{
		Encoder: e.Encoder.Clone(),
		cfg:     e.cfg,
		pool:    e.pool,
	}
}

// EncodeEntry formats a log entry in a human-readable format.
func (e *PrettyConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := e.pool.Get()

	line.AppendString("[")
	line.AppendString(entry.Level.CapitalString())
	line.AppendString("]\t")

	if entry.Caller.Defined {
		line.AppendString("[")
		line.AppendString(entry.Caller.TrimmedPath())
		line.AppendString("]\t")
	}

	if entry.LoggerName != "" {
		line.AppendString("[")
		line.AppendString(entry.LoggerName)
		line.AppendString("]\t")
	}

	line.AppendString(entry.Message)

	encoded, err := e.Encoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		line.Free()

		return nil, err
	}

	// {} means neither context nor fields were attached
	if rendered := strings.TrimSpace(encoded.String()); rendered != "{}" && rendered != "" {
		line.AppendString(" - ")
		line.AppendString(rendered)
	}

	encoded.Free()

	if entry.Stack != "" {
		line.AppendString("\n")
		line.AppendString(entry.Stack)
	}

	if e.cfg.LineEnding == "" {
		line.AppendString(zapcore.DefaultLineEnding)
	} else {
		line.AppendString(e.cfg.LineEnding)
	}

	return line, nil
}
