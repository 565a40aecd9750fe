package localizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

// Config configures the localization service.
type Config struct {
	// CacheBytesTarget is the eviction threshold for the public cache.
	CacheBytesTarget int64

	// FetchWorkers bounds the number of concurrent downloads.
	FetchWorkers int

	// EvictionInterval is how often idle public cache entries are scanned.
	EvictionInterval time.Duration

	Logger *zap.Logger
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.CacheBytesTarget <= 0 {
		c.CacheBytesTarget = 10 << 30 // 10 GiB
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = 4
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// fetchJob is one download handed to the worker pool.
type fetchJob struct {
	rsrc  api.ResourceRequest
	scope api.ResourceScope
}

// Service owns every localized resource on the node, partitioned by cache
// scope, and brokers fetch slots so that at most one download is in flight
// per resource. Event handling runs on the dispatcher goroutine; downloads
// run on the service's own worker pool.
type Service struct {
	config     *Config
	logger     *zap.Logger
	poster     events.Poster
	downloader Downloader

	mu      sync.Mutex
	public  *tracker
	private map[string]*tracker
	app     map[api.ApplicationID]*tracker

	jobs    chan fetchJob
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewService creates the localization service.
func NewService(config *Config, downloader Downloader, poster events.Poster) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if downloader == nil {
		return nil, fmt.Errorf("downloader is required")
	}
	if poster == nil {
		return nil, fmt.Errorf("event poster is required")
	}

	return &Service{
		config:     config,
		logger:     config.Logger,
		poster:     poster,
		downloader: downloader,
		public:     newTracker(api.ResourceScope{Visibility: api.VisibilityPublic}, config.Logger),
		private:    make(map[string]*tracker),
		app:        make(map[api.ApplicationID]*tracker),
		jobs:       make(chan fetchJob, 128),
	}, nil
}

// Start launches the fetch workers and the eviction loop.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.config.FetchWorkers; i++ {
		s.wg.Add(1)
		go s.fetchWorker(runCtx)
	}

	s.wg.Add(1)
	go s.evictionLoop(runCtx)
}

// Stop cancels in-flight downloads and waits for the workers to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Ready reports whether the fetch workers are running. Used by the
// readiness probe.
func (s *Service) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("localization workers not running")
	}
	return nil
}

// Handle routes one localization event. It implements dispatcher.Handler.
func (s *Service) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.ResourceRequestEvent:
		s.handleRequest(e)
	case events.FetchRequestEvent:
		s.handleFetchRequest(e)
	case events.FetchCompleteEvent:
		s.handleFetchComplete(e)
	case events.FetchFailedEvent:
		s.handleFetchFailed(e)
	case events.ResourceReleaseEvent:
		s.handleRelease(e)
	case events.ApplicationCleanupEvent:
		s.handleApplicationCleanup(e)
	default:
		s.logger.Error("Unexpected event type for localization",
			zap.String("entity", ev.EntityID()),
		)
	}
}

func (s *Service) handleRequest(e events.ResourceRequestEvent) {
	s.mu.Lock()
	r := s.trackerFor(e.Scope, true).getOrCreate(e.Resource, s.poster)
	s.mu.Unlock()

	r.HandleRequest(e.Container)
}

// handleFetchRequest schedules a download unless one is already in flight
// for the resource. The fetch permit makes the at-most-one invariant hold
// across concurrent requests.
func (s *Service) handleFetchRequest(e events.FetchRequestEvent) {
	s.mu.Lock()
	r, ok := s.lookup(e.Scope, e.Resource)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Fetch requested for untracked resource",
			zap.String("resource", e.Resource.String()),
		)
		return
	}
	if r.State() == ResourceLocalized {
		return
	}
	if !r.TryAcquire() {
		// Another fetch is already in flight.
		return
	}

	// May block briefly when the queue is saturated; losing the fetch
	// would wedge every waiting container.
	s.jobs <- fetchJob{rsrc: e.Resource, scope: e.Scope}
}

func (s *Service) handleFetchComplete(e events.FetchCompleteEvent) {
	s.mu.Lock()
	r, ok := s.lookup(e.Scope, e.Resource)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Fetch completed for untracked resource",
			zap.String("resource", e.Resource.String()),
			zap.String("path", e.Path),
		)
		return
	}

	r.HandleLocalized(e.Path, e.Size)
	r.ReleasePermit()
	s.updateCacheGauge(e.Scope.Visibility)
}

// handleFetchFailed aborts every waiting container and drops their
// references; the resource leaves the cache when nobody holds it.
func (s *Service) handleFetchFailed(e events.FetchFailedEvent) {
	s.mu.Lock()
	r, ok := s.lookup(e.Scope, e.Resource)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Fetch failed for untracked resource",
			zap.String("resource", e.Resource.String()),
		)
		return
	}

	s.logger.Warn("Resource fetch failed",
		zap.String("resource", e.Resource.String()),
		zap.String("reason", e.Reason),
	)

	refs := r.Refs()
	notified := make(map[api.ContainerID]struct{}, len(refs))
	for _, c := range refs {
		if _, seen := notified[c]; !seen {
			notified[c] = struct{}{}
			s.poster.Dispatch(events.NewContainerResourceFailed(c, e.Resource, e.Reason))
		}
	}
	for _, c := range refs {
		r.HandleRelease(c)
	}
	r.ReleasePermit()

	if r.RefCount() == 0 {
		s.mu.Lock()
		if t, ok := s.trackerLookup(e.Scope); ok {
			t.remove(e.Resource)
		}
		s.mu.Unlock()
	}
}

func (s *Service) handleRelease(e events.ResourceReleaseEvent) {
	s.mu.Lock()
	r, ok := s.lookup(e.Scope, e.Resource)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("Release for untracked resource",
			zap.String("resource", e.Resource.String()),
			zap.String("container", e.Container.String()),
		)
		return
	}
	r.HandleRelease(e.Container)
}

// handleApplicationCleanup detaches the application's cache partition and
// reclaims it off the dispatcher goroutine, acknowledging with
// APPLICATION_RESOURCES_CLEANED.
func (s *Service) handleApplicationCleanup(e events.ApplicationCleanupEvent) {
	s.mu.Lock()
	t, ok := s.app[e.Application]
	delete(s.app, e.Application)
	s.mu.Unlock()

	appID := e.Application
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if ok {
			t.removeAll()
		}
		s.updateCacheGauge(api.VisibilityApplication)
		s.poster.Dispatch(events.NewApplicationResourcesCleaned(appID))
	}()
}

// trackerFor resolves the tracker for a scope, creating it when create is
// set. Callers hold s.mu.
func (s *Service) trackerFor(scope api.ResourceScope, create bool) *tracker {
	switch scope.Visibility {
	case api.VisibilityPrivate:
		t, ok := s.private[scope.User]
		if !ok && create {
			t = newTracker(scope, s.logger)
			s.private[scope.User] = t
		}
		return t
	case api.VisibilityApplication:
		t, ok := s.app[scope.Application]
		if !ok && create {
			t = newTracker(scope, s.logger)
			s.app[scope.Application] = t
		}
		return t
	default:
		return s.public
	}
}

// trackerLookup resolves an existing tracker. Callers hold s.mu.
func (s *Service) trackerLookup(scope api.ResourceScope) (*tracker, bool) {
	t := s.trackerFor(scope, false)
	return t, t != nil
}

// lookup resolves an existing resource. Callers hold s.mu.
func (s *Service) lookup(scope api.ResourceScope, key api.ResourceRequest) (*LocalizedResource, bool) {
	t, ok := s.trackerLookup(scope)
	if !ok {
		return nil, false
	}
	return t.get(key)
}

func (s *Service) fetchWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			s.fetch(ctx, job)
		}
	}
}

func (s *Service) fetch(ctx context.Context, job fetchJob) {
	start := time.Now()
	path, size, err := s.downloader.Fetch(ctx, job.rsrc, job.scope)
	observability.LocalizationFetchDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.LocalizationFetchesTotal.WithLabelValues("failure").Inc()
		s.poster.Dispatch(events.FetchFailedEvent{
			Resource: job.rsrc,
			Scope:    job.scope,
			Reason:   err.Error(),
		})
		return
	}
	observability.LocalizationFetchesTotal.WithLabelValues("success").Inc()
	s.poster.Dispatch(events.FetchCompleteEvent{
		Resource: job.rsrc,
		Scope:    job.scope,
		Path:     path,
		Size:     size,
	})
}

func (s *Service) evictionLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict(s.config.CacheBytesTarget)
		}
	}
}

// Evict reclaims idle public cache entries down to targetBytes. Eviction is
// advisory: referenced or in-flight entries are never touched.
func (s *Service) Evict(targetBytes int64) int64 {
	s.mu.Lock()
	freed := s.public.evict(targetBytes)
	s.mu.Unlock()
	s.updateCacheGauge(api.VisibilityPublic)
	return freed
}

func (s *Service) updateCacheGauge(v api.Visibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	switch v {
	case api.VisibilityPrivate:
		for _, t := range s.private {
			total += t.localizedBytes()
		}
	case api.VisibilityApplication:
		for _, t := range s.app {
			total += t.localizedBytes()
		}
	default:
		total = s.public.localizedBytes()
	}
	observability.LocalizedCacheBytes.WithLabelValues(string(v)).Set(float64(total))
}
