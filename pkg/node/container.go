package node

import (
	"strings"
	"sync"

	"github.com/cloudfab/nodeagent/pkg/api"
)

// ContainerState is one position in the container lifecycle.
type ContainerState string

const (
	ContainerNew               ContainerState = "NEW"
	ContainerLocalizing        ContainerState = "LOCALIZING"
	ContainerLocalized         ContainerState = "LOCALIZED"
	ContainerRunning           ContainerState = "RUNNING"
	ContainerExitedWithSuccess ContainerState = "EXITED_WITH_SUCCESS"
	ContainerExitedWithFailure ContainerState = "EXITED_WITH_FAILURE"
	ContainerKilling           ContainerState = "KILLING"
	ContainerDone              ContainerState = "DONE"
)

// Terminal reports whether the state admits no further transitions.
func (s ContainerState) Terminal() bool {
	return s == ContainerDone
}

// Container is the node-local record of one container. State transitions run
// on the dispatcher goroutine; the mutex protects concurrent snapshot reads
// from the RPC server and the heartbeat loop.
type Container struct {
	mu sync.Mutex

	id        api.ContainerID
	launchCtx api.ContainerLaunchContext

	state       ContainerState
	pending     map[api.ResourceRequest]struct{}
	localized   map[api.ResourceRequest]string
	diagnostics []string
	exitStatus  *int32
}

// NewContainer creates a container record in state NEW.
func NewContainer(launchCtx api.ContainerLaunchContext) *Container {
	pending := make(map[api.ResourceRequest]struct{}, len(launchCtx.Resources))
	for _, r := range launchCtx.Resources {
		pending[r] = struct{}{}
	}
	return &Container{
		id:        launchCtx.ContainerID,
		launchCtx: launchCtx,
		state:     ContainerNew,
		pending:   pending,
		localized: make(map[api.ResourceRequest]string, len(launchCtx.Resources)),
	}
}

// ID returns the container id.
func (c *Container) ID() api.ContainerID { return c.id }

// LaunchContext returns the launch context the container was admitted with.
func (c *Container) LaunchContext() api.ContainerLaunchContext { return c.launchCtx }

// State returns the current lifecycle state.
func (c *Container) State() ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState records a state transition.
func (c *Container) SetState(s ContainerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// PendingResources returns the declared resources that have no local path
// yet.
func (c *Container) PendingResources() []api.ResourceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.ResourceRequest, 0, len(c.pending))
	for r := range c.pending {
		out = append(out, r)
	}
	return out
}

// PendingCount returns the number of resources still awaiting localization.
func (c *Container) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RecordLocalized stores the local path of one resource and reports how many
// resources remain pending. A resource the container never declared, or one
// already recorded, leaves the pending count unchanged.
func (c *Container) RecordLocalized(rsrc api.ResourceRequest, path string) (remaining int, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[rsrc]; ok {
		delete(c.pending, rsrc)
		c.localized[rsrc] = path
		known = true
	}
	return len(c.pending), known
}

// LocalizedPaths returns the uri -> local path mapping for every localized
// resource.
func (c *Container) LocalizedPaths() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.localized))
	for r, p := range c.localized {
		out[r.URI] = p
	}
	return out
}

// AcquiredResources returns every resource the container has claimed from
// the localization service: both localized and still-pending ones.
func (c *Container) AcquiredResources() []api.ResourceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]api.ResourceRequest, 0, len(c.localized)+len(c.pending))
	for r := range c.localized {
		out = append(out, r)
	}
	for r := range c.pending {
		out = append(out, r)
	}
	return out
}

// AppendDiagnostics adds one line to the container diagnostics.
func (c *Container) AppendDiagnostics(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics = append(c.diagnostics, msg)
}

// SetExitStatus records the process exit code. The first recorded code wins;
// a later code (e.g. from a kill racing a natural exit) is ignored.
func (c *Container) SetExitStatus(code int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitStatus == nil {
		c.exitStatus = &code
	}
}

// ExitStatus returns the recorded exit code, if any.
func (c *Container) ExitStatus() (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitStatus == nil {
		return 0, false
	}
	return *c.exitStatus, true
}

// Status returns a consistent snapshot of the container for status queries
// and heartbeat reporting.
func (c *Container) Status() api.ContainerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := api.ContainerStatus{
		ContainerID: c.id,
		State:       string(c.state),
		Diagnostics: strings.Join(c.diagnostics, "\n"),
	}
	if c.exitStatus != nil {
		code := *c.exitStatus
		st.ExitCode = &code
	}
	return st
}

// ResourceScope returns the cache scope a resource request resolves to for
// this container. Fields that do not participate in the partition are left
// zero so that scopes compare equal across containers sharing a cache.
func (c *Container) ResourceScope(rsrc api.ResourceRequest) api.ResourceScope {
	switch rsrc.Visibility {
	case api.VisibilityPrivate:
		return api.ResourceScope{Visibility: rsrc.Visibility, User: c.launchCtx.User}
	case api.VisibilityApplication:
		return api.ResourceScope{Visibility: rsrc.Visibility, Application: c.id.App}
	default:
		return api.ResourceScope{Visibility: api.VisibilityPublic}
	}
}
