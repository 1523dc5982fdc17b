package core

import "context"

type contextKey string

const ctxKeyRequestMeta contextKey = "request_meta"

// RequestMeta describes who triggered an operation. The web layer fills it
// in; the service copies it into audit entries.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
	Actor     string
}

// WithRequestMeta attaches m to ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, ctxKeyRequestMeta, m)
}

// RequestMetaFrom returns the metadata attached to ctx, or the zero value.
func RequestMetaFrom(ctx context.Context) RequestMeta {
	if m, ok := ctx.Value(ctxKeyRequestMeta).(RequestMeta); ok {
		return m
	}
	return RequestMeta{}
}
