package telemetry

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger constructs a Logger backed by the given zerolog.Logger.
func NewZerologLogger(log zerolog.Logger) Logger {
	return &ZerologLogger{log: log}
}

func (z *ZerologLogger) Debug(_ context.Context, msg string, kv ...any) {
	z.event(z.log.Debug(), msg, kv)
}

func (z *ZerologLogger) Info(_ context.Context, msg string, kv ...any) {
	z.event(z.log.Info(), msg, kv)
}

func (z *ZerologLogger) Warn(_ context.Context, msg string, kv ...any) {
	z.event(z.log.Warn(), msg, kv)
}

func (z *ZerologLogger) Error(_ context.Context, msg string, kv ...any) {
	z.event(z.log.Error(), msg, kv)
}

func (z *ZerologLogger) event(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}
