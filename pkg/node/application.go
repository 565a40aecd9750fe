package node

import (
	"sync"

	"github.com/cloudfab/nodeagent/pkg/api"
)

// ApplicationState is one position in the application lifecycle.
type ApplicationState string

const (
	ApplicationNew                 ApplicationState = "NEW"
	ApplicationIniting             ApplicationState = "INITING"
	ApplicationRunning             ApplicationState = "RUNNING"
	ApplicationFinishingContainers ApplicationState = "FINISHING_CONTAINERS"
	ApplicationFinishingApp        ApplicationState = "FINISHING_APP"
	ApplicationDone                ApplicationState = "DONE"
)

// Application is the node-local record of one application: the grouping of
// containers that share a resource-cleanup scope.
type Application struct {
	mu sync.Mutex

	id   api.ApplicationID
	user string

	state           ApplicationState
	containers      map[api.ContainerID]struct{}
	finishRequested bool
}

// NewApplication creates an application record in state NEW.
func NewApplication(id api.ApplicationID, user string) *Application {
	return &Application{
		id:         id,
		user:       user,
		state:      ApplicationNew,
		containers: make(map[api.ContainerID]struct{}),
	}
}

// ID returns the application id.
func (a *Application) ID() api.ApplicationID { return a.id }

// User returns the submitting user.
func (a *Application) User() string { return a.user }

// State returns the current lifecycle state.
func (a *Application) State() ApplicationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState records a state transition.
func (a *Application) SetState(s ApplicationState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// AddContainer admits a container into the application.
func (a *Application) AddContainer(id api.ContainerID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.containers[id] = struct{}{}
}

// RemoveContainer drops a finished container and reports how many remain.
func (a *Application) RemoveContainer(id api.ContainerID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.containers, id)
	return len(a.containers)
}

// Containers returns the live container ids.
func (a *Application) Containers() []api.ContainerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]api.ContainerID, 0, len(a.containers))
	for id := range a.containers {
		out = append(out, id)
	}
	return out
}

// ContainerCount returns the number of live containers.
func (a *Application) ContainerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.containers)
}

// RequestFinish records the controller's decision that the application is
// complete. It reports whether this is the first request.
func (a *Application) RequestFinish() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	first := !a.finishRequested
	a.finishRequested = true
	return first
}

// FinishRequested reports whether the controller has asked for teardown.
func (a *Application) FinishRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finishRequested
}
