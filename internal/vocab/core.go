package vocab

import (
	"go.uber.org/zap/zapcore"
)

// sanitizingCore rewrites log entries so no internal term reaches a sink.
type sanitizingCore struct {
	zapcore.Core
}

// NewCore wraps core so that messages, logger names, field keys and string
// field values are passed through Sanitize.
func NewCore(core zapcore.Core) zapcore.Core {
	return &sanitizingCore{Core: core}
}

func (c *sanitizingCore) With(fields []zapcore.Field) zapcore.Core {
	return &sanitizingCore{Core: c.Core.With(sanitizeFields(fields))}
}

func (c *sanitizingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *sanitizingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = Sanitize(ent.Message)
	ent.LoggerName = Sanitize(ent.LoggerName)
	return c.Core.Write(ent, sanitizeFields(fields))
}

func sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		f.Key = Sanitize(f.Key)
		switch f.Type {
		case zapcore.StringType:
			f.String = Sanitize(f.String)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil && Contains(err.Error()) {
				f = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: Sanitize(err.Error())}
			}
		case zapcore.StringerType, zapcore.ReflectType:
			f = sanitizeInterface(f)
		}
		out[i] = f
	}
	return out
}

func sanitizeInterface(f zapcore.Field) zapcore.Field {
	switch v := f.Interface.(type) {
	case map[string]any:
		f.Interface = SanitizeMap(v)
	case []string, []any:
		f.Interface = SanitizeValue(v)
	case interface{ String() string }:
		return zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: Sanitize(v.String())}
	}
	return f
}
