package audit

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	paramsKey
)

// WithRequestID attaches the request id recorded with every action logged under ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithParams attaches the action parameters recorded with actions logged under ctx.
func WithParams(ctx context.Context, params map[string]any) context.Context {
	return context.WithValue(ctx, paramsKey, params)
}

func paramsFrom(ctx context.Context) map[string]any {
	params, _ := ctx.Value(paramsKey).(map[string]any)
	return params
}
