// Package ideas binds the generic overlay engine to the idea domain:
// it supplies project and actor identity, computes minimal update
// diffs, translates drag gestures into coordinate moves, and fires the
// backend call for each operation kind.
package ideas

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ideaboard/board"
	"ideaboard/domain"
	"ideaboard/matrix"
)

// Store abstracts persistence for the façade.
type Store interface {
	ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error)
	InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error)
	MergeIdea(ctx context.Context, projectID, id string, changes domain.IdeaChanges) (domain.Idea, error)
	DeleteIdea(ctx context.Context, projectID, id string) (bool, error)
	EnqueueEvent(ctx context.Context, ev domain.Event) error
}

// Publisher fans change events out to other collaborators.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Subscriber delivers other collaborators' change events.
type Subscriber interface {
	Subscribe(ctx context.Context, projectID string, handler func(domain.Event)) (func(), error)
}

// Config configures a Service for one (user, project) session.
type Config struct {
	ProjectID  string
	UserID     string
	Guest      bool
	Store      Store
	Publisher  Publisher
	Subscriber Subscriber
	Logger     *log.Logger
	Timeout    time.Duration
	// Notify is forwarded to the engine; it fires whenever the
	// materialized view may have changed.
	Notify func()
}

// Service is the mutation façade for one board session.
type Service struct {
	cfg    Config
	engine *board.Engine
	logger *log.Logger

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

// NewService creates a session façade. Call LoadForProject before
// reading or mutating.
func NewService(cfg Config) *Service {
	if cfg.Store == nil {
		panic("ideas.NewService: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	return &Service{
		cfg: cfg,
		engine: board.New(board.Config{
			ProjectID: cfg.ProjectID,
			Timeout:   cfg.Timeout,
			Logger:    cfg.Logger,
			Notify:    cfg.Notify,
		}),
		logger: cfg.Logger,
	}
}

// LoadForProject fetches the base collection and opens the project's
// push-event subscription, tearing down any previous one first. Guests
// get the snapshot but no live channel.
func (s *Service) LoadForProject(ctx context.Context) error {
	base, err := s.cfg.Store.ListIdeas(ctx, s.cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", s.cfg.ProjectID, err)
	}
	s.engine.SetBase(base)

	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed || s.cfg.Guest || s.cfg.UserID == "" || s.cfg.Subscriber == nil {
		return nil
	}

	unsubscribe, err := s.cfg.Subscriber.Subscribe(ctx, s.cfg.ProjectID, s.engine.ApplyRemote)
	if err != nil {
		return fmt.Errorf("subscribe project %s: %w", s.cfg.ProjectID, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Ideas returns the materialized view the presentation layer renders.
func (s *Service) Ideas() []domain.Idea { return s.engine.Materialized() }

// PendingCount reports how many mutations are in flight.
func (s *Service) PendingCount() int { return s.engine.PendingCount() }

// HasPending reports whether any mutation is in flight.
func (s *Service) HasPending() bool { return s.engine.HasPending() }

// Create inserts a new idea optimistically. Project, actor and clamped
// coordinates are stamped here; the server assigns the durable id.
func (s *Service) Create(draft domain.Idea, cb board.Callbacks) string {
	draft.ID = ""
	draft.ProjectID = s.cfg.ProjectID
	draft.CreatedBy = s.cfg.UserID
	if draft.Priority == "" {
		draft.Priority = domain.PriorityUnsorted
	}
	draft.X, draft.Y = matrix.Clamp(float64(draft.X), float64(draft.Y))
	now := time.Now().UnixMilli()
	draft.CreatedAt = now
	draft.UpdatedAt = now

	return s.engine.CreateOptimistic(draft, func(ctx context.Context) (domain.Idea, error) {
		stored, err := s.cfg.Store.InsertIdea(ctx, draft)
		if err != nil {
			return domain.Idea{}, fmt.Errorf("create idea: %w", err)
		}
		s.announceCreated(ctx, stored)
		return stored, nil
	}, cb)
}

// Update applies a partial edit optimistically. Only the fields that
// actually differ from the current overlay value are sent to the
// backend; an empty effective diff is a local no-op.
func (s *Service) Update(id string, changes domain.IdeaChanges, cb board.Callbacks) string {
	current, found := s.find(id)
	if !found {
		return ""
	}
	diff := domain.Diff(current, changes.Apply(current))
	if diff.Empty() {
		return ""
	}
	changed := diff.Apply(current)
	changed.UpdatedAt = time.Now().UnixMilli()

	return s.engine.UpdateOptimistic(changed, func(ctx context.Context) (domain.Idea, error) {
		merged, err := s.cfg.Store.MergeIdea(ctx, s.cfg.ProjectID, id, diff)
		if err != nil {
			return domain.Idea{}, fmt.Errorf("update idea %s: %w", id, err)
		}
		s.announceUpdated(ctx, id, diff, merged.UpdatedAt)
		return merged, nil
	}, cb)
}

// Delete removes an idea optimistically.
func (s *Service) Delete(id string, cb board.Callbacks) string {
	return s.engine.DeleteOptimistic(id, func(ctx context.Context) (bool, error) {
		deleted, err := s.cfg.Store.DeleteIdea(ctx, s.cfg.ProjectID, id)
		if err != nil {
			return false, fmt.Errorf("delete idea %s: %w", id, err)
		}
		return deleted, nil
	}, cb)
}

// DragEnd turns a drag gesture's pixel delta into a coordinate move.
// The container is measured at drag-end; an unmeasurable container
// aborts the reposition, and a zero pixel delta is a no-op so a drag
// that ends where it started costs nothing.
func (s *Service) DragEnd(id string, dxPx, dyPx, widthPx, heightPx float64, cb board.Callbacks) string {
	if dxPx == 0 && dyPx == 0 {
		return ""
	}
	dx, dy, ok := matrix.DeltaFromPixels(dxPx, dyPx, widthPx, heightPx)
	if !ok {
		s.logger.WithField("idea", id).Debug("drag-end dropped: container not measurable")
		return ""
	}
	current, found := s.find(id)
	if !found {
		return ""
	}
	x, y := matrix.Translate(current.X, current.Y, dx, dy)

	return s.engine.MoveOptimistic(id, x, y, func(ctx context.Context) (domain.Idea, error) {
		diff := domain.IdeaChanges{X: &x, Y: &y}
		merged, err := s.cfg.Store.MergeIdea(ctx, s.cfg.ProjectID, id, diff)
		if err != nil {
			return domain.Idea{}, fmt.Errorf("move idea %s: %w", id, err)
		}
		s.announceUpdated(ctx, id, diff, merged.UpdatedAt)
		return merged, nil
	}, cb)
}

// ToggleCollapsed flips (or sets) the collapsed display flag. This is a
// lightweight path: the change is applied straight to the base record
// and the backend write runs synchronously; on failure the project is
// re-fetched instead of snapshot-restored.
func (s *Service) ToggleCollapsed(ctx context.Context, id string, explicit *bool) error {
	current, found := s.find(id)
	if !found {
		return fmt.Errorf("toggle collapsed: %s not found", id)
	}
	next := !current.Collapsed
	if explicit != nil {
		next = *explicit
	}
	if next == current.Collapsed {
		return nil
	}

	changes := domain.IdeaChanges{Collapsed: &next}
	s.engine.PatchBase(id, changes)

	if _, err := s.cfg.Store.MergeIdea(ctx, s.cfg.ProjectID, id, changes); err != nil {
		s.logger.WithError(err).WithField("idea", id).Warn("collapse toggle failed, re-fetching project")
		if base, lerr := s.cfg.Store.ListIdeas(ctx, s.cfg.ProjectID); lerr == nil {
			s.engine.SetBase(base)
		}
		return fmt.Errorf("toggle collapsed %s: %w", id, err)
	}
	return nil
}

// Confirm and Revert expose the engine's manual short-circuits for
// callers that learn an operation's outcome out of band.
func (s *Service) Confirm(opID string, server domain.Idea) { s.engine.Confirm(opID, server) }
func (s *Service) Revert(opID string)                      { s.engine.Revert(opID) }

// Close tears down the subscription and the engine. No callbacks fire
// after Close returns.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.engine.Close()
}

// Find returns the idea as the presentation layer currently sees it.
func (s *Service) Find(id string) (domain.Idea, bool) { return s.find(id) }

func (s *Service) find(id string) (domain.Idea, bool) {
	for _, idea := range s.engine.Materialized() {
		if idea.ID == id {
			return idea, true
		}
	}
	return domain.Idea{}, false
}

// announceCreated and announceUpdated push the change to collaborators
// and to the downstream events queue. Both are best effort: the write
// already succeeded, so delivery problems are logged, not surfaced.
func (s *Service) announceCreated(ctx context.Context, stored domain.Idea) {
	ev, err := domain.NewCreatedEvent(stored)
	if err != nil {
		s.logger.WithError(err).Error("build created event")
		return
	}
	s.announce(ctx, ev)
}

func (s *Service) announceUpdated(ctx context.Context, id string, changes domain.IdeaChanges, ts int64) {
	ev, err := domain.NewUpdatedEvent(s.cfg.ProjectID, id, changes, ts)
	if err != nil {
		s.logger.WithError(err).Error("build updated event")
		return
	}
	s.announce(ctx, ev)
}

func (s *Service) announce(ctx context.Context, ev domain.Event) {
	if s.cfg.Publisher != nil {
		if err := s.cfg.Publisher.Publish(ctx, ev); err != nil {
			s.logger.WithError(err).WithField("entity", ev.EntityID).Error("publish event")
		}
	}
	if err := s.cfg.Store.EnqueueEvent(ctx, ev); err != nil {
		s.logger.WithError(err).WithField("entity", ev.EntityID).Error("enqueue event")
	}
}
