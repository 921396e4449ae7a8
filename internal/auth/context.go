package auth

import (
	"context"
	"fmt"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
)

type contextKey string

const actorIDKey contextKey = "actorID"

// ContextWithActorID returns a new context that carries the authenticated actor.
func ContextWithActorID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorIDKey, id)
}

// ActorIDFromContext retrieves the authenticated actor from the context, if any.
func ActorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	value := ctx.Value(actorIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	if !ok {
		return uuid.Nil, false
	}
	if id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// ActorFromContext returns the request actor, anonymous when none was
// authenticated. It is read once at the transport boundary and passed on
// explicitly.
func ActorFromContext(ctx context.Context) domain.Actor {
	if id, ok := ActorIDFromContext(ctx); ok {
		return domain.ActorFromID(id)
	}
	return domain.Anonymous()
}

// EnforceActor ensures an actor named in a request body matches the
// authenticated actor when one is present.
func EnforceActor(ctx context.Context, claimed *uuid.UUID) error {
	scopedID, ok := ActorIDFromContext(ctx)
	if !ok || claimed == nil {
		return nil
	}
	if scopedID != *claimed {
		return fmt.Errorf("%w: actor %s does not match authenticated actor", domain.ErrNotEditable, *claimed)
	}
	return nil
}
