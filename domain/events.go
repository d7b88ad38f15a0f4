package domain

import "github.com/bytedance/sonic"

const (
	IdeaCreated = "idea-created"
	IdeaUpdated = "idea-updated"
)

// Event is a push notification about a change another collaborator made.
// Data carries the full idea for IdeaCreated and an IdeaChanges partial
// for IdeaUpdated.
type Event struct {
	ID        string                 `json:"id,omitempty"`
	EntityID  string                 `json:"entityId"`
	ProjectID string                 `json:"projectId"`
	Type      string                 `json:"type"`
	Data      sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NewCreatedEvent wraps a freshly stored idea in a push event.
func NewCreatedEvent(idea Idea) (Event, error) {
	data, err := sonic.Marshal(idea)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EntityID:  idea.ID,
		ProjectID: idea.ProjectID,
		Type:      IdeaCreated,
		Data:      data,
		Timestamp: idea.UpdatedAt,
	}, nil
}

// NewUpdatedEvent wraps a partial update in a push event.
func NewUpdatedEvent(projectID, ideaID string, changes IdeaChanges, ts int64) (Event, error) {
	data, err := sonic.Marshal(changes)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EntityID:  ideaID,
		ProjectID: projectID,
		Type:      IdeaUpdated,
		Data:      data,
		Timestamp: ts,
	}, nil
}
