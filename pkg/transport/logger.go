// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/rs/zerolog"

	"github.com/LeeDigitalWorks/zapload/pkg/logger"
)

// leveledLogger routes retry logs to zerolog. Retry chatter is Debug only.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...any) { emit(logger.Warn(), msg, kv) }
func (leveledLogger) Warn(msg string, kv ...any)  { emit(logger.Debug(), msg, kv) }
func (leveledLogger) Info(msg string, kv ...any)  { emit(logger.Debug(), msg, kv) }
func (leveledLogger) Debug(msg string, kv ...any) { emit(logger.Debug(), msg, kv) }

func emit(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}
