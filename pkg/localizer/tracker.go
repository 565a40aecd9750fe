package localizer

import (
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

// tracker owns the resources of one cache scope. Public resources live in a
// single tracker shared across applications; private and application
// resources get one tracker per user or application.
type tracker struct {
	scope     api.ResourceScope
	resources map[api.ResourceRequest]*LocalizedResource
	logger    *zap.Logger
}

func newTracker(scope api.ResourceScope, logger *zap.Logger) *tracker {
	return &tracker{
		scope:     scope,
		resources: make(map[api.ResourceRequest]*LocalizedResource),
		logger:    logger,
	}
}

// getOrCreate returns the resource for key, creating it in INIT on first
// request.
func (t *tracker) getOrCreate(key api.ResourceRequest, poster events.Poster) *LocalizedResource {
	if r, ok := t.resources[key]; ok {
		return r
	}
	r := newLocalizedResource(key, t.scope, poster, t.logger)
	t.resources[key] = r
	return r
}

// get returns the resource for key, if tracked.
func (t *tracker) get(key api.ResourceRequest) (*LocalizedResource, bool) {
	r, ok := t.resources[key]
	return r, ok
}

// remove forgets the resource for key without touching disk.
func (t *tracker) remove(key api.ResourceRequest) {
	delete(t.resources, key)
}

// localizedBytes sums the size of every LOCALIZED entry.
func (t *tracker) localizedBytes() int64 {
	var total int64
	for _, r := range t.resources {
		if r.State() == ResourceLocalized {
			total += r.Size()
		}
	}
	return total
}

// evict reclaims idle LOCALIZED entries, least recently touched first, until
// the tracked bytes drop to target. Entries still referenced by a container
// are never evicted. It returns the number of bytes freed.
func (t *tracker) evict(target int64) int64 {
	total := t.localizedBytes()
	if total <= target {
		return 0
	}

	type candidate struct {
		key api.ResourceRequest
		res *LocalizedResource
	}
	var idle []candidate
	for key, r := range t.resources {
		if r.State() == ResourceLocalized && r.RefCount() == 0 {
			idle = append(idle, candidate{key, r})
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].res.LastTouch().Before(idle[j].res.LastTouch())
	})

	var freed int64
	for _, c := range idle {
		if total-freed <= target {
			break
		}
		path := c.res.LocalPath()
		if err := os.RemoveAll(path); err != nil {
			t.logger.Warn("Failed to remove evicted resource",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		freed += c.res.Size()
		t.remove(c.key)
		observability.CacheEvictionsTotal.Inc()
		t.logger.Info("Evicted cached resource",
			zap.String("resource", c.key.String()),
			zap.Int64("size", c.res.Size()),
		)
	}
	return freed
}

// removeAll deletes every tracked resource from disk and forgets them. Used
// for application-scoped cleanup.
func (t *tracker) removeAll() {
	for key, r := range t.resources {
		if path := r.LocalPath(); path != "" {
			if err := os.RemoveAll(path); err != nil {
				t.logger.Warn("Failed to remove resource during cleanup",
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}
		delete(t.resources, key)
	}
}
