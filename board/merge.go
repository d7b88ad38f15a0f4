package board

import (
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"ideaboard/domain"
)

// ApplyRemote folds a collaborator push event into the base collection.
// Inserts for ids already present and updates for ids absent are both
// ignored, so replayed events are harmless. Pending local mutations are
// never touched: a remote update under an in-flight local edit becomes
// visible once the local operation settles, last writer wins.
func (e *Engine) ApplyRemote(ev domain.Event) {
	if ev.ProjectID != e.projectID {
		return
	}

	switch ev.Type {
	case domain.IdeaCreated:
		var idea domain.Idea
		if err := sonic.Unmarshal(ev.Data, &idea); err != nil {
			e.logger.WithError(err).WithField("entity", ev.EntityID).Error("unable to parse created event")
			return
		}
		if idea.ID == "" {
			idea.ID = ev.EntityID
		}
		e.mu.Lock()
		if e.closed || e.containsBaseLocked(idea.ID) {
			e.mu.Unlock()
			return
		}
		e.base = append(e.base, idea)
		e.mu.Unlock()
		e.notify()

	case domain.IdeaUpdated:
		var changes domain.IdeaChanges
		if err := sonic.Unmarshal(ev.Data, &changes); err != nil {
			e.logger.WithError(err).WithField("entity", ev.EntityID).Error("unable to parse updated event")
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		changed := false
		for i := range e.base {
			if e.base[i].ID == ev.EntityID {
				e.base[i] = changes.Apply(e.base[i])
				if ev.Timestamp > e.base[i].UpdatedAt {
					e.base[i].UpdatedAt = ev.Timestamp
				}
				changed = true
				break
			}
		}
		e.mu.Unlock()
		if changed {
			e.notify()
		}

	default:
		e.logger.WithFields(log.Fields{"type": ev.Type, "entity": ev.EntityID}).Debug("ignoring unknown event type")
	}
}

func (e *Engine) containsBaseLocked(id string) bool {
	for i := range e.base {
		if e.base[i].ID == id {
			return true
		}
	}
	return false
}
