// Package localizer tracks remote resources materialized on local disk. Each
// resource is a small reference-counted state machine shared by the
// containers that requested it; the service owning them brokers fetch slots
// so at most one download is in flight per resource.
package localizer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/statemachine"
)

// ResourceState is one position in the localized-resource lifecycle.
type ResourceState string

const (
	ResourceInit        ResourceState = "INIT"
	ResourceDownloading ResourceState = "DOWNLOADING"
	ResourceLocalized   ResourceState = "LOCALIZED"
)

// resourceEvent is the payload applied to the resource transition table.
type resourceEvent struct {
	container api.ContainerID
	path      string
	size      int64
}

// resourceTable is the data-driven transition table shared by every
// resource. It is built once and never mutated, so it can be audited and
// tested in isolation.
var resourceTable = buildResourceTable()

func buildResourceTable() *statemachine.Table[*LocalizedResource, ResourceState, events.LocalizationEventType, resourceEvent] {
	t := statemachine.NewTable[*LocalizedResource, ResourceState, events.LocalizationEventType, resourceEvent]()

	t.AddTransition(ResourceInit, ResourceDownloading, events.ResourceRequested,
		func(r *LocalizedResource, ev resourceEvent) {
			r.addRef(ev.container)
			r.requestFetch()
		})
	t.AddTransition(ResourceInit, ResourceLocalized, events.ResourceLocalized,
		func(r *LocalizedResource, ev resourceEvent) {
			r.store(ev.path, ev.size)
			r.logger.Warn("Resource localized with no waiting containers",
				zap.String("resource", r.key.String()),
			)
		})
	t.AddTransition(ResourceInit, ResourceInit, events.ResourceReleased,
		func(r *LocalizedResource, ev resourceEvent) {
			r.removeRef(ev.container)
		})

	t.AddTransition(ResourceDownloading, ResourceDownloading, events.ResourceRequested,
		func(r *LocalizedResource, ev resourceEvent) {
			r.addRef(ev.container)
			r.requestFetch()
		})
	t.AddTransition(ResourceDownloading, ResourceLocalized, events.ResourceLocalized,
		func(r *LocalizedResource, ev resourceEvent) {
			r.store(ev.path, ev.size)
			for _, c := range r.refs {
				r.poster.Dispatch(events.NewContainerResourceLocalized(c, r.key, r.localPath))
			}
		})
	t.AddMultiTransition(ResourceDownloading, events.ResourceReleased,
		func(r *LocalizedResource, ev resourceEvent) ResourceState {
			r.removeRef(ev.container)
			if len(r.refs) == 0 {
				return ResourceInit
			}
			return ResourceDownloading
		})

	t.AddTransition(ResourceLocalized, ResourceLocalized, events.ResourceRequested,
		func(r *LocalizedResource, ev resourceEvent) {
			r.addRef(ev.container)
			r.touch()
			r.poster.Dispatch(events.NewContainerResourceLocalized(ev.container, r.key, r.localPath))
		})
	t.AddTransition(ResourceLocalized, ResourceLocalized, events.ResourceLocalized,
		func(r *LocalizedResource, ev resourceEvent) {
			r.logger.Debug("Duplicate localization completion ignored",
				zap.String("resource", r.key.String()),
			)
		})
	t.AddTransition(ResourceLocalized, ResourceLocalized, events.ResourceReleased,
		func(r *LocalizedResource, ev resourceEvent) {
			r.removeRef(ev.container)
		})

	return t
}

// LocalizedResource is one cached local materialization of a remote
// resource. Event handling is synchronized per resource; the fetch permit is
// the single-holder guard the service uses to bound downloads.
type LocalizedResource struct {
	mu sync.Mutex

	key   api.ResourceRequest
	scope api.ResourceScope

	state     ResourceState
	refs      []api.ContainerID
	localPath string
	size      int64
	lastTouch time.Time

	fetching bool

	poster events.Poster
	logger *zap.Logger
}

// newLocalizedResource creates a resource in state INIT.
func newLocalizedResource(key api.ResourceRequest, scope api.ResourceScope, poster events.Poster, logger *zap.Logger) *LocalizedResource {
	return &LocalizedResource{
		key:       key,
		scope:     scope,
		state:     ResourceInit,
		lastTouch: time.Now(),
		poster:    poster,
		logger:    logger,
	}
}

// HandleRequest applies a REQUEST event on behalf of container.
func (r *LocalizedResource) HandleRequest(container api.ContainerID) {
	r.handle(events.ResourceRequested, resourceEvent{container: container})
}

// HandleLocalized applies a LOCALIZED event carrying the fetched path.
func (r *LocalizedResource) HandleLocalized(path string, size int64) {
	r.handle(events.ResourceLocalized, resourceEvent{path: path, size: size})
}

// HandleRelease applies a RELEASE event on behalf of container.
func (r *LocalizedResource) HandleRelease(container api.ContainerID) {
	r.handle(events.ResourceReleased, resourceEvent{container: container})
}

func (r *LocalizedResource) handle(evType events.LocalizationEventType, ev resourceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := resourceTable.Apply(r, r.state, evType, ev)
	if err != nil {
		r.logger.Error("Illegal resource event dropped",
			zap.String("resource", r.key.String()),
			zap.String("state", string(r.state)),
			zap.String("event", string(evType)),
			zap.Error(err),
		)
		return
	}
	r.state = next
}

// TryAcquire takes the fetch permit if nobody holds it. At most one
// downloader holds the permit at any instant.
func (r *LocalizedResource) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetching {
		return false
	}
	r.fetching = true
	return true
}

// ReleasePermit returns the fetch permit.
func (r *LocalizedResource) ReleasePermit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetching = false
}

// State returns the current lifecycle state.
func (r *LocalizedResource) State() ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Refs returns a copy of the reference list. Duplicates appear when the same
// container requested the resource twice before releasing.
func (r *LocalizedResource) Refs() []api.ContainerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.ContainerID, len(r.refs))
	copy(out, r.refs)
	return out
}

// RefCount returns the number of outstanding references.
func (r *LocalizedResource) RefCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// LocalPath returns the on-disk path; empty unless state is LOCALIZED.
func (r *LocalizedResource) LocalPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localPath
}

// Size returns the materialized size in bytes.
func (r *LocalizedResource) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// LastTouch returns the last time the resource was requested, localized or
// released.
// Eviction orders idle entries by this timestamp.
func (r *LocalizedResource) LastTouch() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTouch
}

// addRef, removeRef, store, touch and requestFetch run inside transition
// hooks with the resource mutex held.

func (r *LocalizedResource) addRef(c api.ContainerID) {
	r.refs = append(r.refs, c)
	r.lastTouch = time.Now()
}

func (r *LocalizedResource) removeRef(c api.ContainerID) {
	for i, ref := range r.refs {
		if ref == c {
			r.refs = append(r.refs[:i], r.refs[i+1:]...)
			r.lastTouch = time.Now()
			return
		}
	}
	r.logger.Warn("Release from container not holding a reference",
		zap.String("resource", r.key.String()),
		zap.String("container", c.String()),
	)
}

func (r *LocalizedResource) store(path string, size int64) {
	r.localPath = path
	r.size = size
	r.lastTouch = time.Now()
}

func (r *LocalizedResource) touch() {
	r.lastTouch = time.Now()
}

func (r *LocalizedResource) requestFetch() {
	r.poster.Dispatch(events.FetchRequestEvent{Resource: r.key, Scope: r.scope})
}
