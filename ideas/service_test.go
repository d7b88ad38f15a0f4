package ideas

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ideaboard/board"
	"ideaboard/domain"
	"ideaboard/matrix"
)

type stubStore struct {
	mu      sync.Mutex
	ideas   []domain.Idea
	merges  []domain.IdeaChanges
	inserts []domain.Idea
	deletes []string
	events  []domain.Event

	listErr   error
	mergeErr  error
	insertErr error
	deleteOK  bool
	deleteErr error
}

func (s *stubStore) ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]domain.Idea(nil), s.ideas...), nil
}

func (s *stubStore) InsertIdea(ctx context.Context, idea domain.Idea) (domain.Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return domain.Idea{}, s.insertErr
	}
	idea.ID = "srv-1"
	s.inserts = append(s.inserts, idea)
	return idea, nil
}

func (s *stubStore) MergeIdea(ctx context.Context, projectID, id string, changes domain.IdeaChanges) (domain.Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mergeErr != nil {
		return domain.Idea{}, s.mergeErr
	}
	s.merges = append(s.merges, changes)
	for _, idea := range s.ideas {
		if idea.ID == id {
			return changes.Apply(idea), nil
		}
	}
	return domain.Idea{ID: id, ProjectID: projectID}, nil
}

func (s *stubStore) DeleteIdea(ctx context.Context, projectID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	s.deletes = append(s.deletes, id)
	return s.deleteOK, nil
}

func (s *stubStore) EnqueueEvent(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *stubStore) mergeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.merges)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *stubPublisher) Publish(ctx context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newService(t *testing.T, store *stubStore) (*Service, *stubPublisher) {
	t.Helper()
	pub := &stubPublisher{}
	svc := NewService(Config{
		ProjectID: "p1",
		UserID:    "user-1",
		Store:     store,
		Publisher: pub,
		Timeout:   time.Second,
	})
	t.Cleanup(svc.Close)
	if err := svc.LoadForProject(context.Background()); err != nil {
		t.Fatalf("load project: %v", err)
	}
	return svc, pub
}

func waitDone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestCreateStampsIdentityAndAnnounces(t *testing.T) {
	store := &stubStore{}
	svc, pub := newService(t, store)

	done := make(chan struct{})
	opID := svc.Create(domain.Idea{Content: "Quick Win", X: -50, Y: 9000}, board.Callbacks{
		OnSuccess: func(string, domain.Idea) { close(done) },
	})
	if opID == "" {
		t.Fatalf("create rejected")
	}
	waitDone(t, done, "create confirmation")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserts) != 1 {
		t.Fatalf("expected one insert, got %d", len(store.inserts))
	}
	got := store.inserts[0]
	if got.ProjectID != "p1" || got.CreatedBy != "user-1" {
		t.Fatalf("identity not stamped: %#v", got)
	}
	if got.X != 0 || got.Y != matrix.Height {
		t.Fatalf("coordinates not clamped: %#v", got)
	}
	if got.Priority != domain.PriorityUnsorted {
		t.Fatalf("default priority not applied: %#v", got)
	}
	if pub.count() != 1 || len(store.events) != 1 {
		t.Fatalf("creation not announced: pub=%d queue=%d", pub.count(), len(store.events))
	}
}

func TestUpdateSendsMinimalDiff(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", Content: "old", Detail: "keep", X: 5, Y: 6, Priority: domain.PriorityFillIn, ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	done := make(chan struct{})
	content := "new"
	detail := "keep" // unchanged, must not travel
	opID := svc.Update("i1", domain.IdeaChanges{Content: &content, Detail: &detail}, board.Callbacks{
		OnSuccess: func(string, domain.Idea) { close(done) },
	})
	if opID == "" {
		t.Fatalf("update rejected")
	}
	waitDone(t, done, "update confirmation")

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.merges) != 1 {
		t.Fatalf("expected one merge, got %d", len(store.merges))
	}
	diff := store.merges[0]
	if diff.Content == nil || *diff.Content != "new" {
		t.Fatalf("content change missing: %#v", diff)
	}
	if diff.Detail != nil || diff.X != nil || diff.Y != nil || diff.Priority != nil {
		t.Fatalf("unchanged fields sent: %#v", diff)
	}
}

func TestUpdateNoopDiffShortCircuits(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", Content: "same", ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	content := "same"
	if opID := svc.Update("i1", domain.IdeaChanges{Content: &content}, board.Callbacks{}); opID != "" {
		t.Fatalf("no-op diff produced an operation: %q", opID)
	}
	time.Sleep(20 * time.Millisecond)
	if store.mergeCount() != 0 {
		t.Fatalf("backend called for no-op diff")
	}
	if svc.HasPending() {
		t.Fatalf("ledger entry created for no-op diff")
	}
}

func TestDragEndZeroDeltaIsNoop(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", X: 100, Y: 100, ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	if opID := svc.DragEnd("i1", 0, 0, 700, 325, board.Callbacks{}); opID != "" {
		t.Fatalf("zero delta produced an operation: %q", opID)
	}
	time.Sleep(20 * time.Millisecond)
	if store.mergeCount() != 0 {
		t.Fatalf("backend called for zero-delta drag")
	}
	if svc.PendingCount() != 0 {
		t.Fatalf("ledger entry created for zero-delta drag")
	}
}

func TestDragEndUnmeasurableContainerAborts(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", X: 100, Y: 100, ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	if opID := svc.DragEnd("i1", 10, 10, 0, 0, board.Callbacks{}); opID != "" {
		t.Fatalf("unmeasurable container produced an operation: %q", opID)
	}
	if got := svc.Ideas()[0]; got.X != 100 || got.Y != 100 {
		t.Fatalf("state mutated on aborted drag: %#v", got)
	}
}

func TestDragEndTransformsAndClamps(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", X: 1300, Y: 10, ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	done := make(chan struct{})
	// Container at half scale: 100px right is 200 logical units, which
	// overshoots the right edge; 10px up is 20 units, clamped at 0.
	opID := svc.DragEnd("i1", 100, -10, 700, 325, board.Callbacks{
		OnSuccess: func(string, domain.Idea) { close(done) },
	})
	if opID == "" {
		t.Fatalf("drag rejected")
	}

	got := svc.Ideas()[0]
	if got.X != matrix.Width || got.Y != 0 {
		t.Fatalf("unexpected clamped position: %#v", got)
	}
	waitDone(t, done, "move confirmation")

	store.mu.Lock()
	defer store.mu.Unlock()
	diff := store.merges[0]
	if diff.X == nil || *diff.X != matrix.Width || diff.Y == nil || *diff.Y != 0 {
		t.Fatalf("unexpected move payload: %#v", diff)
	}
	if diff.Content != nil || diff.Priority != nil {
		t.Fatalf("move sent non-coordinate fields: %#v", diff)
	}
}

func TestDeleteFalseResultSurfacesError(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", Content: "keep", ProjectID: "p1"}}, deleteOK: false}
	svc, _ := newService(t, store)

	done := make(chan struct{})
	var gotErr error
	svc.Delete("i1", board.Callbacks{OnError: func(id string, err error) {
		gotErr = err
		close(done)
	}})
	waitDone(t, done, "delete failure")

	if gotErr == nil {
		t.Fatalf("expected descriptive error for not-deleted result")
	}
	if len(svc.Ideas()) != 1 {
		t.Fatalf("idea did not reappear after failed delete")
	}
}

func TestToggleCollapsedAppliesDirectly(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", Collapsed: false, ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	if err := svc.ToggleCollapsed(context.Background(), "i1", nil); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !svc.Ideas()[0].Collapsed {
		t.Fatalf("toggle not applied")
	}
	if svc.HasPending() {
		t.Fatalf("collapse toggle went through the ledger")
	}
	if store.mergeCount() != 1 {
		t.Fatalf("backend not called for toggle")
	}
}

func TestToggleCollapsedFailureRefetches(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", Collapsed: false, ProjectID: "p1"}}, mergeErr: errors.New("merge failed")}
	svc, _ := newService(t, store)

	if err := svc.ToggleCollapsed(context.Background(), "i1", nil); err == nil {
		t.Fatalf("expected toggle error")
	}
	// The re-fetch restored the stored value.
	if svc.Ideas()[0].Collapsed {
		t.Fatalf("failed toggle left stale state: %#v", svc.Ideas()[0])
	}
}

func TestToggleCollapsedExplicitSameValueIsNoop(t *testing.T) {
	store := &stubStore{ideas: []domain.Idea{{ID: "i1", Collapsed: true, ProjectID: "p1"}}}
	svc, _ := newService(t, store)

	v := true
	if err := svc.ToggleCollapsed(context.Background(), "i1", &v); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if store.mergeCount() != 0 {
		t.Fatalf("backend called for no-op toggle")
	}
}
