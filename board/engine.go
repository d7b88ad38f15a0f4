// Package board holds the optimistic overlay engine: the in-memory state
// a collaboration session reads and mutates while authoritative writes
// travel asynchronously to storage and other collaborators' changes
// arrive over the push channel.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ideaboard/domain"
)

// Kind labels a pending mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindMove   Kind = "move"
)

// DefaultTimeout bounds how long an unsettled mutation may shadow the
// base collection before it is forcibly reverted.
const DefaultTimeout = 10 * time.Second

var errNotDeleted = errors.New("backend reported the idea was not deleted")

// Callbacks receive the terminal transition of one operation. At most
// one of the three fires per operation id.
type Callbacks struct {
	OnSuccess func(opID string, idea domain.Idea)
	OnError   func(opID string, err error)
	OnRevert  func(opID string)
}

// pendingMutation is one ledger entry: an in-flight optimistic write.
type pendingMutation struct {
	id        string
	kind      Kind
	entityID  string
	snapshot  *domain.Idea // pre-mutation value, nil for create
	applied   domain.Idea  // overlay effect for create/update/move
	createdAt time.Time
	timer     *time.Timer
	callbacks Callbacks
}

// Config configures an Engine for one project session.
type Config struct {
	ProjectID string
	Timeout   time.Duration
	Logger    *log.Logger
	// Notify is invoked (outside the engine lock) whenever the
	// materialized view may have changed.
	Notify func()
}

// Engine combines the authoritative base collection with the pending
// mutation ledger to produce the materialized view. All exported
// methods are safe for concurrent use.
type Engine struct {
	projectID string
	timeout   time.Duration
	logger    *log.Logger
	notify    func()

	mu       sync.Mutex
	base     []domain.Idea
	pending  map[string]*pendingMutation
	order    []string          // ledger ids in creation order
	byEntity map[string]string // entity id -> pending op id
	closed   bool
}

// New creates an engine bound to one project.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Notify == nil {
		cfg.Notify = func() {}
	}
	return &Engine{
		projectID: cfg.ProjectID,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		notify:    cfg.Notify,
		pending:   make(map[string]*pendingMutation),
		byEntity:  make(map[string]string),
	}
}

// ProjectID returns the project this engine is bound to.
func (e *Engine) ProjectID() string { return e.projectID }

// SetBase replaces the authoritative base collection, typically after
// the initial fetch for a project.
func (e *Engine) SetBase(ideas []domain.Idea) {
	e.mu.Lock()
	e.base = append([]domain.Idea(nil), ideas...)
	e.mu.Unlock()
	e.notify()
}

// Materialized returns the base collection with every pending
// mutation's effect applied on top, recomputed per call. This is the
// only collection the presentation layer observes.
func (e *Engine) Materialized() []domain.Idea {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.materializedLocked()
}

func (e *Engine) materializedLocked() []domain.Idea {
	out := append([]domain.Idea(nil), e.base...)
	for _, opID := range e.order {
		pm := e.pending[opID]
		switch pm.kind {
		case KindCreate:
			out = append(out, pm.applied)
		case KindUpdate, KindMove:
			for i := range out {
				if out[i].ID == pm.entityID {
					out[i] = pm.applied
					break
				}
			}
		case KindDelete:
			for i := range out {
				if out[i].ID == pm.entityID {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
		}
	}
	return out
}

// PendingCount reports how many mutations are in flight.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// HasPending reports whether any mutation is in flight.
func (e *Engine) HasPending() bool { return e.PendingCount() > 0 }

// TempID synthesizes a provisional identifier for a not-yet-stored idea.
func TempID() string { return "tmp-" + uuid.NewString() }

// CreateOptimistic inserts a provisional idea into the overlay and runs
// perform asynchronously. On fulfillment the provisional entry is
// replaced by the server-returned record; on rejection it disappears.
// Returns the operation id, or "" if the engine is closed or the
// provisional id already has a pending mutation.
func (e *Engine) CreateOptimistic(draft domain.Idea, perform func(ctx context.Context) (domain.Idea, error), cb Callbacks) string {
	if draft.ID == "" {
		draft.ID = TempID()
	}
	opID, ok := e.admit(KindCreate, draft.ID, nil, draft, cb)
	if !ok {
		return ""
	}
	go e.run(opID, perform)
	return opID
}

// UpdateOptimistic applies a changed idea to the overlay immediately and
// runs perform asynchronously. The idea must already exist in the
// overlay; otherwise "" is returned and nothing happens.
func (e *Engine) UpdateOptimistic(changed domain.Idea, perform func(ctx context.Context) (domain.Idea, error), cb Callbacks) string {
	return e.replaceOptimistic(KindUpdate, changed, perform, cb)
}

// MoveOptimistic is UpdateOptimistic scoped to the coordinate fields.
func (e *Engine) MoveOptimistic(id string, x, y int, perform func(ctx context.Context) (domain.Idea, error), cb Callbacks) string {
	e.mu.Lock()
	current, found := e.lookupLocked(id)
	e.mu.Unlock()
	if !found {
		return ""
	}
	current.X = x
	current.Y = y
	return e.replaceOptimistic(KindMove, current, perform, cb)
}

func (e *Engine) replaceOptimistic(kind Kind, changed domain.Idea, perform func(ctx context.Context) (domain.Idea, error), cb Callbacks) string {
	e.mu.Lock()
	snapshot, found := e.lookupLocked(changed.ID)
	e.mu.Unlock()
	if !found {
		return ""
	}
	opID, ok := e.admit(kind, changed.ID, &snapshot, changed, cb)
	if !ok {
		return ""
	}
	go e.run(opID, perform)
	return opID
}

// DeleteOptimistic removes the idea from the overlay immediately and
// runs perform asynchronously. perform resolving false without error is
// treated as "not deleted": the snapshot reappears and OnError fires.
func (e *Engine) DeleteOptimistic(id string, perform func(ctx context.Context) (bool, error), cb Callbacks) string {
	e.mu.Lock()
	snapshot, found := e.lookupLocked(id)
	e.mu.Unlock()
	if !found {
		return ""
	}
	opID, ok := e.admit(KindDelete, id, &snapshot, domain.Idea{}, cb)
	if !ok {
		return ""
	}
	go func() {
		deleted, err := perform(context.Background())
		if err == nil && !deleted {
			err = errNotDeleted
		}
		if err != nil {
			e.settleFailure(opID, err)
			return
		}
		e.settleDelete(opID)
	}()
	return opID
}

// lookupLocked finds an idea in the materialized view.
func (e *Engine) lookupLocked(id string) (domain.Idea, bool) {
	for _, idea := range e.materializedLocked() {
		if idea.ID == id {
			return idea, true
		}
	}
	return domain.Idea{}, false
}

// admit registers a ledger entry and arms its timeout. A second
// mutation for an entity that already has one pending is rejected: the
// ledger serializes per entity id by refusing, not queueing.
func (e *Engine) admit(kind Kind, entityID string, snapshot *domain.Idea, applied domain.Idea, cb Callbacks) (string, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", false
	}
	if _, busy := e.byEntity[entityID]; busy {
		e.mu.Unlock()
		e.logger.WithFields(log.Fields{"entity": entityID, "kind": kind}).Debug("mutation rejected: entity already has a pending operation")
		return "", false
	}
	opID := uuid.NewString()
	pm := &pendingMutation{
		id:        opID,
		kind:      kind,
		entityID:  entityID,
		snapshot:  snapshot,
		applied:   applied,
		createdAt: time.Now().UTC(),
		callbacks: cb,
	}
	pm.timer = time.AfterFunc(e.timeout, func() { e.timeoutRevert(opID) })
	e.pending[opID] = pm
	e.order = append(e.order, opID)
	e.byEntity[entityID] = opID
	e.mu.Unlock()
	e.notify()
	return opID, true
}

// run drives a create/update/move perform to its terminal transition.
// The backend call is not aborted on timeout or manual revert; a late
// resolution finds its ledger entry gone and is discarded.
func (e *Engine) run(opID string, perform func(ctx context.Context) (domain.Idea, error)) {
	idea, err := perform(context.Background())
	if err != nil {
		e.settleFailure(opID, err)
		return
	}
	e.Confirm(opID, idea)
}

// take removes the ledger entry and stops its timer. It is the single
// point every terminal transition funnels through, which is what makes
// confirm and revert idempotent.
func (e *Engine) take(opID string) (*pendingMutation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pm, ok := e.pending[opID]
	if !ok {
		return nil, false
	}
	pm.timer.Stop()
	delete(e.pending, opID)
	if e.byEntity[pm.entityID] == opID {
		delete(e.byEntity, pm.entityID)
	}
	for i, id := range e.order {
		if id == opID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return pm, true
}

// Confirm is the pending -> confirmed transition: the server-returned
// record replaces the optimistic value in the base collection. Unknown
// ids are a no-op, so a push notification confirming the same logical
// change ahead of the original request settles it exactly once.
func (e *Engine) Confirm(opID string, server domain.Idea) {
	pm, ok := e.take(opID)
	if !ok {
		return
	}

	e.mu.Lock()
	switch pm.kind {
	case KindDelete:
		// Confirm with a payload is not meaningful for deletes.
		e.removeFromBaseLocked(pm.entityID)
	default:
		e.upsertBaseLocked(server)
	}
	e.mu.Unlock()
	e.notify()

	if pm.callbacks.OnSuccess != nil {
		pm.callbacks.OnSuccess(opID, server)
	}
}

// settleDelete finalizes a successful delete: the removal becomes part
// of the base collection.
func (e *Engine) settleDelete(opID string) {
	pm, ok := e.take(opID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.removeFromBaseLocked(pm.entityID)
	e.mu.Unlock()
	e.notify()
	if pm.callbacks.OnSuccess != nil {
		pm.callbacks.OnSuccess(opID, domain.Idea{ID: pm.entityID})
	}
}

// settleFailure is the pending -> reverted transition for rejected
// backend calls. Dropping the ledger entry restores the snapshot: the
// base collection was never touched by the optimistic write.
func (e *Engine) settleFailure(opID string, err error) {
	pm, ok := e.take(opID)
	if !ok {
		return
	}
	e.logger.WithError(err).WithFields(log.Fields{"op": opID, "kind": pm.kind, "entity": pm.entityID}).Warn("optimistic mutation reverted")
	e.notify()
	if pm.callbacks.OnError != nil {
		pm.callbacks.OnError(opID, fmt.Errorf("%s %s: %w", pm.kind, pm.entityID, err))
	}
}

// Revert is the manual pending -> reverted transition. It does not wait
// for, or abort, the in-flight backend call.
func (e *Engine) Revert(opID string) {
	pm, ok := e.take(opID)
	if !ok {
		return
	}
	e.notify()
	if pm.callbacks.OnRevert != nil {
		pm.callbacks.OnRevert(opID)
	}
}

func (e *Engine) timeoutRevert(opID string) {
	pm, ok := e.take(opID)
	if !ok {
		return
	}
	e.logger.WithFields(log.Fields{"op": opID, "kind": pm.kind, "entity": pm.entityID, "age": time.Since(pm.createdAt)}).Warn("optimistic mutation timed out")
	e.notify()
	if pm.callbacks.OnRevert != nil {
		pm.callbacks.OnRevert(opID)
	}
}

func (e *Engine) upsertBaseLocked(idea domain.Idea) {
	for i := range e.base {
		if e.base[i].ID == idea.ID {
			e.base[i] = idea
			return
		}
	}
	e.base = append(e.base, idea)
}

// PatchBase writes a partial change straight into the base collection,
// bypassing the ledger. This is the lightweight path for cheap display
// toggles that are not worth a snapshot/restore cycle; the caller
// re-fetches on backend failure instead. Returns false when the id is
// not in the base collection.
func (e *Engine) PatchBase(id string, changes domain.IdeaChanges) bool {
	e.mu.Lock()
	patched := false
	for i := range e.base {
		if e.base[i].ID == id {
			e.base[i] = changes.Apply(e.base[i])
			patched = true
			break
		}
	}
	e.mu.Unlock()
	if patched {
		e.notify()
	}
	return patched
}

func (e *Engine) removeFromBaseLocked(id string) {
	for i := range e.base {
		if e.base[i].ID == id {
			e.base = append(e.base[:i], e.base[i+1:]...)
			return
		}
	}
}

// Close tears the engine down: every owned timer is stopped and the
// ledger is discarded without firing callbacks. Late backend
// resolutions after Close find an empty ledger and are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, pm := range e.pending {
		pm.timer.Stop()
	}
	e.pending = make(map[string]*pendingMutation)
	e.order = nil
	e.byEntity = make(map[string]string)
	e.mu.Unlock()
}
