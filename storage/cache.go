package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"ideaboard/domain"
)

type backend interface {
	ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error)
	InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error)
	MergeIdea(ctx context.Context, projectID, id string, changes domain.IdeaChanges) (domain.Idea, error)
	DeleteIdea(ctx context.Context, projectID, id string) (bool, error)
	EnqueueEvent(ctx context.Context, ev domain.Event) error
}

// Cache wraps a Storage instance with Redis-backed caching for project
// listings. Any write to a project evicts its listing.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error) {
	if ideas, ok := c.loadFromCache(ctx, projectID); ok {
		return ideas, nil
	}

	ideas, err := c.base.ListIdeas(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, projectID, ideas)
	return ideas, nil
}

func (c *Cache) InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error) {
	stored, err := c.base.InsertIdea(ctx, idea)
	if err != nil {
		return domain.Idea{}, err
	}
	c.evict(ctx, stored.ProjectID)
	return stored, nil
}

func (c *Cache) MergeIdea(ctx context.Context, projectID, id string, changes domain.IdeaChanges) (domain.Idea, error) {
	merged, err := c.base.MergeIdea(ctx, projectID, id, changes)
	if err != nil {
		return domain.Idea{}, err
	}
	c.evict(ctx, projectID)
	return merged, nil
}

func (c *Cache) DeleteIdea(ctx context.Context, projectID, id string) (bool, error) {
	deleted, err := c.base.DeleteIdea(ctx, projectID, id)
	if err != nil {
		return false, err
	}
	if deleted {
		c.evict(ctx, projectID)
	}
	return deleted, nil
}

func (c *Cache) EnqueueEvent(ctx context.Context, ev domain.Event) error {
	return c.base.EnqueueEvent(ctx, ev)
}

func (c *Cache) loadFromCache(ctx context.Context, projectID string) ([]domain.Idea, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, ideasCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, ideasCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var ideas []domain.Idea
	if err := json.Unmarshal(data, &ideas); err != nil {
		_ = c.redis.Del(ctx, ideasCacheKey(projectID)).Err()
		return nil, false
	}
	return ideas, true
}

func (c *Cache) store(ctx context.Context, projectID string, ideas []domain.Idea) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(ideas)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, ideasCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, ideasCacheKey(projectID)).Result()
}

func ideasCacheKey(projectID string) string {
	return "ideas:" + projectID
}
