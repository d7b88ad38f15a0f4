package api

import "ideaboard/domain"

const mutationMaxSize = 64 * 1024 // 64 KiB

// GET /api/projects/:projectID/ideas response body.
type ideasResponse struct {
	Ideas            []domain.Idea `json:"ideas"`
	PendingMutations int           `json:"pendingMutations"`
}

// POST /api/projects/:projectID/ideas request body.
type createIdeaRequest struct {
	Content  string `json:"content"`
	Detail   string `json:"detail,omitempty"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Priority string `json:"priority,omitempty"`
}

// POST /api/projects/:projectID/ideas/:id/position request body. The
// delta is in pixels; the container dimensions are measured at
// drag-end.
type moveIdeaRequest struct {
	DxPx     float64 `json:"dxPx"`
	DyPx     float64 `json:"dyPx"`
	WidthPx  float64 `json:"containerWidth"`
	HeightPx float64 `json:"containerHeight"`
}

// POST /api/projects/:projectID/ideas/:id/collapsed request body. A
// nil value means "flip".
type collapseRequest struct {
	Collapsed *bool `json:"collapsed"`
}

// Mutation responses carry the operation id so clients can correlate
// the eventual confirm/revert.
type mutationResponse struct {
	OperationID string `json:"operationId,omitempty"`
	Error       string `json:"error,omitempty"`
}
