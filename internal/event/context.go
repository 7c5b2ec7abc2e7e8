package event

import "context"

type dispatchKey struct{}

type holderKey struct{}

func withDispatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchKey{}, true)
}

// InDispatch reports whether ctx belongs to a running handler.
func InDispatch(ctx context.Context) bool {
	v, _ := ctx.Value(dispatchKey{}).(bool)
	return v
}

// WithHolder marks ctx as flowing from owner while owner holds its
// connection. A connector dispatching with the lock held installs this so
// that nested get/put from handlers skip the lock and the idle transition.
func WithHolder(ctx context.Context, owner any) context.Context {
	return context.WithValue(ctx, holderKey{}, owner)
}

// HeldBy reports whether ctx was marked by owner with WithHolder.
func HeldBy(ctx context.Context, owner any) bool {
	if ctx == nil || owner == nil {
		return false
	}
	return ctx.Value(holderKey{}) == owner
}
