package log

import (
	"fmt"

	"go.uber.org/zap"
)

// toFields converts alternating key-value arguments into zap fields.
// A bare error becomes the "error" field and a zap.Field passes through unchanged.
// A trailing unpaired value is kept under "arg#<index>".
func toFields(args ...any) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); {
		if f, ok := args[i].(zap.Field); ok {
			fields = append(fields, f)
			i++
			continue
		}
		if err, ok := args[i].(error); ok {
			fields = append(fields, zap.Error(err))
			i++
			continue
		}
		if i == len(args)-1 {
			fields = append(fields, zap.Any(fmt.Sprintf("arg#%d", i), args[i]))
			break
		}

		key, val := args[i], args[i+1]
		i += 2

		keyStr, ok := key.(string)
		if !ok {
			keyStr = fmt.Sprintf("invalid_key_%v", key)
		}
		if err, ok := val.(error); ok {
			fields = append(fields, zap.NamedError(keyStr, err))
			continue
		}
		if s, ok := val.(fmt.Stringer); ok {
			fields = append(fields, zap.Stringer(keyStr, s))
			continue
		}
		fields = append(fields, zap.Any(keyStr, val))
	}

	return fields
}
