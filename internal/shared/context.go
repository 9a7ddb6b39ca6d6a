package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}

// ResolveActor prefers an explicit actor and falls back to the context one.
func ResolveActor(ctx context.Context, explicit int64) int64 {
	if explicit != 0 {
		return explicit
	}
	return ActorFromContext(ctx)
}
