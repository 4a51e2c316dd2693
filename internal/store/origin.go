package store

import "context"

type originKey struct{}

// WithOrigin marks writes issued under ctx as originating from the named
// context. The sync engine uses it when applying changes fetched from the
// other side, so records keep an honest origin_context for diagnostics.
func WithOrigin(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, originKey{}, name)
}

// OriginFrom returns the origin override set by WithOrigin, if any.
func OriginFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(originKey{}).(string)
	return name, ok
}
