package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"ideaboard/domain"
)

// ErrNotFound is returned when the referenced idea does not exist.
var ErrNotFound = errors.New("idea not found")

// Storage provides access to underlying persistence mechanisms. Ideas
// are partitioned by project; domain events go to a queue for
// downstream consumers (export, analytics).
type Storage struct {
	ideaTable  *aztables.Client
	eventQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, ideasTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	it := svc.NewClient(ideasTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{ideaTable: it, eventQueue: eq}, nil
}

type ideaEntity struct {
	aztables.Entity
	Content   string `json:"Content"`
	Detail    string `json:"Detail"`
	X         int    `json:"X"`
	Y         int    `json:"Y"`
	Priority  string `json:"Priority"`
	CreatedBy string `json:"CreatedBy"`
	Collapsed bool   `json:"Collapsed"`
	CreatedAt int64  `json:"CreatedAt"`
	UpdatedAt int64  `json:"UpdatedAt"`
}

func (e ideaEntity) toIdea() domain.Idea {
	return domain.Idea{
		ID:        e.RowKey,
		Content:   e.Content,
		Detail:    e.Detail,
		X:         e.X,
		Y:         e.Y,
		Priority:  e.Priority,
		ProjectID: e.PartitionKey,
		CreatedBy: e.CreatedBy,
		Collapsed: e.Collapsed,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// quoteFilterValue escapes a string for interpolation into an OData
// filter. Project ids come from the request path, so a stray quote must
// not break out of the literal.
func quoteFilterValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// ListIdeas retrieves all ideas for the provided project.
func (s *Storage) ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error) {
	filter := "PartitionKey eq " + quoteFilterValue(projectID)
	pager := s.ideaTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ideas := []domain.Idea{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent ideaEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			ideas = append(ideas, ent.toIdea())
		}
	}
	return ideas, nil
}

// InsertIdea stores a new idea and returns it with its server-assigned
// identifier and timestamps.
func (s *Storage) InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error) {
	if idea.ID == "" {
		idea.ID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	idea.CreatedAt = now
	idea.UpdatedAt = now

	ent := ideaEntity{
		Entity:    aztables.Entity{PartitionKey: idea.ProjectID, RowKey: idea.ID},
		Content:   idea.Content,
		Detail:    idea.Detail,
		X:         idea.X,
		Y:         idea.Y,
		Priority:  idea.Priority,
		CreatedBy: idea.CreatedBy,
		Collapsed: idea.Collapsed,
		CreatedAt: idea.CreatedAt,
		UpdatedAt: idea.UpdatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return domain.Idea{}, err
	}
	if _, err := s.ideaTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Idea{}, err
	}
	return idea, nil
}

// MergeIdea applies a partial update and returns the stored record.
// ErrNotFound is returned when the idea does not exist.
func (s *Storage) MergeIdea(ctx context.Context, projectID, id string, changes domain.IdeaChanges) (domain.Idea, error) {
	updates := map[string]any{
		"PartitionKey": projectID,
		"RowKey":       id,
		"UpdatedAt":    time.Now().UnixMilli(),
	}
	if changes.Content != nil {
		updates["Content"] = *changes.Content
	}
	if changes.Detail != nil {
		updates["Detail"] = *changes.Detail
	}
	if changes.X != nil {
		updates["X"] = *changes.X
	}
	if changes.Y != nil {
		updates["Y"] = *changes.Y
	}
	if changes.Priority != nil {
		updates["Priority"] = *changes.Priority
	}
	if changes.Collapsed != nil {
		updates["Collapsed"] = *changes.Collapsed
	}
	payload, err := json.Marshal(updates)
	if err != nil {
		return domain.Idea{}, err
	}
	et := azcore.ETagAny
	if _, err := s.ideaTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge}); err != nil {
		if isNotFound(err) {
			return domain.Idea{}, ErrNotFound
		}
		return domain.Idea{}, err
	}
	return s.getIdea(ctx, projectID, id)
}

// DeleteIdea removes the idea and reports whether it existed.
func (s *Storage) DeleteIdea(ctx context.Context, projectID, id string) (bool, error) {
	if _, err := s.ideaTable.DeleteEntity(ctx, projectID, id, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Storage) getIdea(ctx context.Context, projectID, id string) (domain.Idea, error) {
	resp, err := s.ideaTable.GetEntity(ctx, projectID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Idea{}, ErrNotFound
		}
		return domain.Idea{}, err
	}
	var ent ideaEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Idea{}, err
	}
	return ent.toIdea(), nil
}

// EnqueueEvent sends a domain event to the events queue.
func (s *Storage) EnqueueEvent(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
