package auth

import (
	"context"
	"testing"

	"github.com/rpattn/journaled/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestActorFromContext(t *testing.T) {
	id := uuid.New()
	ctx := ContextWithActorID(context.Background(), id)

	got, ok := ActorIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, domain.ActorFromID(id), ActorFromContext(ctx))

	assert.True(t, ActorFromContext(context.Background()).IsAnonymous())
	_, ok = ActorIDFromContext(ContextWithActorID(context.Background(), uuid.Nil))
	assert.False(t, ok)
}

func TestEnforceActor(t *testing.T) {
	id := uuid.New()
	other := uuid.New()
	ctx := ContextWithActorID(context.Background(), id)

	assert.NoError(t, EnforceActor(ctx, &id))
	assert.NoError(t, EnforceActor(ctx, nil))
	assert.NoError(t, EnforceActor(context.Background(), &other))
	assert.ErrorIs(t, EnforceActor(ctx, &other), domain.ErrNotEditable)
}
