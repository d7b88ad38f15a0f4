package api

import (
	"context"

	"ideaboard/domain"
)

// Store abstracts persistence for the API layer; the session registry
// hands it to each board session.
type Store interface {
	ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error)
	InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error)
	MergeIdea(ctx context.Context, projectID, id string, changes domain.IdeaChanges) (domain.Idea, error)
	DeleteIdea(ctx context.Context, projectID, id string) (bool, error)
	EnqueueEvent(ctx context.Context, ev domain.Event) error
}

// Authenticator is implemented by types able to extract actors from headers.
type Authenticator interface {
	ActorFromAuthHeader(string) (Actor, error)
}

// Deduper prevents processing of duplicate mutation requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation is
	// rejected locally so the caller may retry.
	Remove(ctx context.Context, userID, key string) error
}
