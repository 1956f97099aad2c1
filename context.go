package renderq

import "context"

// Actor is the identity an upstream gateway vouches for. The core never
// authenticates; it only reads these fields.
type Actor struct {
	UserID     string `json:"user_id"`
	IsAdmin    bool   `json:"is_admin"`
	TrustLevel int    `json:"trust_level"`
}

// Owns reports whether the actor may act on a job owned by userID.
func (a Actor) Owns(userID string) bool {
	return a.IsAdmin || a.UserID == userID
}

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.UserID != ""
}
