package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ideaboard/ideas"
)

// updateBroker wakes SSE streams when a session's materialized view
// changes.
type updateBroker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newUpdateBroker() *updateBroker {
	return &updateBroker{subs: make(map[chan struct{}]struct{})}
}

func (b *updateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *updateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *updateBroker) notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// session is one user's live view of one project.
type session struct {
	projectID string
	svc       *ideas.Service
	broker    *updateBroker

	mu          sync.Mutex
	lastTouched time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastTouched = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouched
}

// SessionDeps carries the collaborators every board session needs.
type SessionDeps struct {
	Store      Store
	Publisher  ideas.Publisher
	Subscriber ideas.Subscriber
	Logger     *log.Logger
	Timeout    time.Duration
	// IdleTTL, when positive, makes the registry close sessions that
	// have not been touched for that long. An SSE stream keeps its
	// session alive through the broker wakeups.
	IdleTTL time.Duration
}

// userEntry serializes one user's session lifecycle. The slow work of
// opening a session (storage fetch, Redis subscribe) runs under the
// entry lock only, so one user's slow project load never blocks
// another user's request.
type userEntry struct {
	mu      sync.Mutex
	sess    *session
	removed bool
}

// Sessions is the registry of live board sessions, one per user. A
// user switching projects tears the previous session (and its push
// subscription) down before the next one opens.
type Sessions struct {
	deps SessionDeps

	mu     sync.Mutex
	byUser map[string]*userEntry

	stopJanitor chan struct{}
}

// NewSessions creates an empty registry. With a positive IdleTTL a
// janitor goroutine evicts sessions nobody has touched; stop it with
// CloseAll.
func NewSessions(deps SessionDeps) *Sessions {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	r := &Sessions{deps: deps, byUser: make(map[string]*userEntry)}
	if deps.IdleTTL > 0 {
		r.stopJanitor = make(chan struct{})
		go r.janitor()
	}
	return r
}

func (r *Sessions) janitor() {
	interval := r.deps.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopJanitor:
			return
		case <-ticker.C:
			r.EvictIdle(r.deps.IdleTTL)
		}
	}
}

// EvictIdle closes every session untouched for at least maxAge. The
// entry stays in the registry so a racing Acquire keeps its serialized
// path; only the session inside is released.
func (r *Sessions) EvictIdle(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	entries := make(map[string]*userEntry, len(r.byUser))
	for userID, entry := range r.byUser {
		entries[userID] = entry
	}
	r.mu.Unlock()

	for userID, entry := range entries {
		entry.mu.Lock()
		sess := entry.sess
		if sess != nil && sess.idleSince().Before(cutoff) {
			entry.sess = nil
			r.deps.Logger.WithFields(log.Fields{"user": userID, "project": sess.projectID}).Debug("evicting idle session")
		} else {
			sess = nil
		}
		entry.mu.Unlock()
		if sess != nil {
			sess.svc.Close()
		}
	}
}

// entryFor returns the user's registry entry, creating it if needed.
func (r *Sessions) entryFor(userID string) *userEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byUser[userID]
	if !ok {
		entry = &userEntry{}
		r.byUser[userID] = entry
	}
	return entry
}

// Acquire returns the user's session for the project, creating it (and
// loading the base collection) on first touch. Only the owning user's
// entry is locked while storage and Redis are hit.
func (r *Sessions) Acquire(ctx context.Context, actor Actor, projectID string) (*session, error) {
	for {
		entry := r.entryFor(actor.UserID)
		entry.mu.Lock()
		if entry.removed {
			// Dropped or shut down while we waited; start over.
			entry.mu.Unlock()
			continue
		}
		sess, err := r.acquireLocked(ctx, entry, actor, projectID)
		entry.mu.Unlock()
		return sess, err
	}
}

func (r *Sessions) acquireLocked(ctx context.Context, entry *userEntry, actor Actor, projectID string) (*session, error) {
	if existing := entry.sess; existing != nil {
		if existing.projectID == projectID {
			existing.touch()
			return existing, nil
		}
		existing.svc.Close()
		entry.sess = nil
		r.deps.Logger.WithFields(log.Fields{"user": actor.UserID, "from": existing.projectID, "to": projectID}).Debug("switching project session")
	}

	broker := newUpdateBroker()
	svc := ideas.NewService(ideas.Config{
		ProjectID:  projectID,
		UserID:     actor.UserID,
		Guest:      actor.Guest,
		Store:      r.deps.Store,
		Publisher:  r.deps.Publisher,
		Subscriber: r.deps.Subscriber,
		Logger:     r.deps.Logger,
		Timeout:    r.deps.Timeout,
		Notify:     broker.notify,
	})
	if err := svc.LoadForProject(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	sess := &session{projectID: projectID, svc: svc, broker: broker, lastTouched: time.Now()}
	entry.sess = sess
	return sess, nil
}

// Drop clears a user's active session, if any.
func (r *Sessions) Drop(userID string) {
	r.mu.Lock()
	entry, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.removed = true
	sess := entry.sess
	entry.sess = nil
	entry.mu.Unlock()
	if sess != nil {
		sess.svc.Close()
	}
}

// CloseAll tears down every session and stops the idle janitor; used
// at shutdown and in tests.
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	if r.stopJanitor != nil {
		close(r.stopJanitor)
		r.stopJanitor = nil
	}
	entries := make([]*userEntry, 0, len(r.byUser))
	for _, entry := range r.byUser {
		entries = append(entries, entry)
	}
	r.byUser = make(map[string]*userEntry)
	r.mu.Unlock()
	for _, entry := range entries {
		entry.mu.Lock()
		entry.removed = true
		sess := entry.sess
		entry.sess = nil
		entry.mu.Unlock()
		if sess != nil {
			sess.svc.Close()
		}
	}
}
