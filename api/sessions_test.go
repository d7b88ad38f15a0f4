package api

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"ideaboard/domain"
)

type trackingSubscriber struct {
	mu         sync.Mutex
	subscribed []string
	active     int
}

func (s *trackingSubscriber) Subscribe(ctx context.Context, projectID string, handler func(domain.Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, projectID)
	s.active++
	return func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}, nil
}

func (s *trackingSubscriber) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func newTrackedSessions(t *testing.T, store Store, sub *trackingSubscriber) *Sessions {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	sessions := NewSessions(SessionDeps{Store: store, Subscriber: sub, Logger: logger, Timeout: time.Second})
	t.Cleanup(sessions.CloseAll)
	return sessions
}

func TestAcquireReusesSameProjectSession(t *testing.T) {
	sub := &trackingSubscriber{}
	sessions := newTrackedSessions(t, &mockStore{}, sub)
	actor := Actor{UserID: "user"}

	first, err := sessions.Acquire(context.Background(), actor, "proj-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := sessions.Acquire(context.Background(), actor, "proj-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same session to be reused")
	}
	if got := sub.activeCount(); got != 1 {
		t.Fatalf("expected one live subscription, got %d", got)
	}
}

func TestAcquireSwitchingProjectTearsDownPrevious(t *testing.T) {
	sub := &trackingSubscriber{}
	sessions := newTrackedSessions(t, &mockStore{}, sub)
	actor := Actor{UserID: "user"}

	first, err := sessions.Acquire(context.Background(), actor, "proj-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := sessions.Acquire(context.Background(), actor, "proj-2")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first == second {
		t.Fatalf("expected a fresh session for the new project")
	}
	if got := sub.activeCount(); got != 1 {
		t.Fatalf("expected old subscription to be closed, got %d live", got)
	}
	sub.mu.Lock()
	order := append([]string(nil), sub.subscribed...)
	sub.mu.Unlock()
	if len(order) != 2 || order[0] != "proj-1" || order[1] != "proj-2" {
		t.Fatalf("unexpected subscription order: %v", order)
	}
}

func TestAcquireGuestGetsNoSubscription(t *testing.T) {
	sub := &trackingSubscriber{}
	sessions := newTrackedSessions(t, &mockStore{}, sub)

	if _, err := sessions.Acquire(context.Background(), Actor{UserID: "visitor", Guest: true}, "proj-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := sub.activeCount(); got != 0 {
		t.Fatalf("expected no subscription for a guest, got %d", got)
	}
}

func TestDropClosesSession(t *testing.T) {
	sub := &trackingSubscriber{}
	sessions := newTrackedSessions(t, &mockStore{}, sub)
	actor := Actor{UserID: "user"}

	if _, err := sessions.Acquire(context.Background(), actor, "proj-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sessions.Drop("user")
	if got := sub.activeCount(); got != 0 {
		t.Fatalf("expected subscription to be closed on drop, got %d", got)
	}

	fresh, err := sessions.Acquire(context.Background(), actor, "proj-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if fresh == nil {
		t.Fatalf("expected a fresh session after drop")
	}
}

type gatedStore struct {
	mockStore
	slowProject string
	gate        chan struct{}
}

func (g *gatedStore) ListIdeas(ctx context.Context, projectID string) ([]domain.Idea, error) {
	if projectID == g.slowProject {
		<-g.gate
	}
	return g.mockStore.ListIdeas(ctx, projectID)
}

func TestAcquireSlowLoadDoesNotBlockOtherUsers(t *testing.T) {
	store := &gatedStore{slowProject: "slow-proj", gate: make(chan struct{})}
	sessions := newTestSessions(t, store)

	slowDone := make(chan error, 1)
	go func() {
		_, err := sessions.Acquire(context.Background(), Actor{UserID: "slow-user"}, "slow-proj")
		slowDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	fastDone := make(chan error, 1)
	go func() {
		_, err := sessions.Acquire(context.Background(), Actor{UserID: "fast-user"}, "fast-proj")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("acquire for another user blocked behind a slow project load")
	}

	close(store.gate)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow acquire: %v", err)
	}
}

func TestEvictIdleClosesStaleSessions(t *testing.T) {
	sub := &trackingSubscriber{}
	sessions := newTrackedSessions(t, &mockStore{}, sub)

	if _, err := sessions.Acquire(context.Background(), Actor{UserID: "stale"}, "proj-1"); err != nil {
		t.Fatalf("acquire stale: %v", err)
	}
	fresh, err := sessions.Acquire(context.Background(), Actor{UserID: "fresh"}, "proj-1")
	if err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	fresh.touch()
	sessions.EvictIdle(10 * time.Millisecond)

	if got := sub.activeCount(); got != 1 {
		t.Fatalf("expected only the fresh session to survive, got %d live", got)
	}
	kept, err := sessions.Acquire(context.Background(), Actor{UserID: "fresh"}, "proj-1")
	if err != nil {
		t.Fatalf("re-acquire fresh: %v", err)
	}
	if kept != fresh {
		t.Fatalf("expected the fresh session to be retained")
	}
}

func TestBrokerNotifyWakesSubscribersOnce(t *testing.T) {
	broker := newUpdateBroker()
	ch := broker.subscribe()
	defer broker.unsubscribe(ch)

	broker.notify()
	broker.notify()

	select {
	case <-ch:
	default:
		t.Fatalf("expected a pending wakeup")
	}
	select {
	case <-ch:
		t.Fatalf("expected wakeups to coalesce")
	default:
	}
}
