package domain

// Priority buckets an idea on the board. The value is free-form for
// forward compatibility but clients send one of the constants below.
const (
	PriorityQuickWin = "quick-win"
	PriorityBigBet   = "big-bet"
	PriorityFillIn   = "fill-in"
	PriorityTimeSink = "time-sink"
	PriorityUnsorted = "unsorted"
)

// Idea represents a single board item in the read model.
type Idea struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Detail    string `json:"detail,omitempty"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Priority  string `json:"priority"`
	ProjectID string `json:"projectId"`
	CreatedBy string `json:"createdBy"`
	Collapsed bool   `json:"collapsed,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// IdeaChanges is a partial update. Nil fields are left untouched.
type IdeaChanges struct {
	Content   *string `json:"content,omitempty"`
	Detail    *string `json:"detail,omitempty"`
	X         *int    `json:"x,omitempty"`
	Y         *int    `json:"y,omitempty"`
	Priority  *string `json:"priority,omitempty"`
	Collapsed *bool   `json:"collapsed,omitempty"`
}

// Empty reports whether the change set carries no fields.
func (c IdeaChanges) Empty() bool {
	return c.Content == nil && c.Detail == nil && c.X == nil && c.Y == nil &&
		c.Priority == nil && c.Collapsed == nil
}

// Apply copies the non-nil fields onto the idea and returns the result.
func (c IdeaChanges) Apply(idea Idea) Idea {
	if c.Content != nil {
		idea.Content = *c.Content
	}
	if c.Detail != nil {
		idea.Detail = *c.Detail
	}
	if c.X != nil {
		idea.X = *c.X
	}
	if c.Y != nil {
		idea.Y = *c.Y
	}
	if c.Priority != nil {
		idea.Priority = *c.Priority
	}
	if c.Collapsed != nil {
		idea.Collapsed = *c.Collapsed
	}
	return idea
}

// Diff computes the minimal change set that turns base into next.
// Collapsed is excluded: collapse toggling travels its own path.
func Diff(base, next Idea) IdeaChanges {
	var c IdeaChanges
	if next.Content != base.Content {
		c.Content = &next.Content
	}
	if next.Detail != base.Detail {
		c.Detail = &next.Detail
	}
	if next.X != base.X {
		c.X = &next.X
	}
	if next.Y != base.Y {
		c.Y = &next.Y
	}
	if next.Priority != base.Priority {
		c.Priority = &next.Priority
	}
	return c
}
