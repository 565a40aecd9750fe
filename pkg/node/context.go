package node

import (
	"github.com/cloudfab/nodeagent/pkg/api"
)

// Context is the shared node state: the application and container
// registries. Records are created through PutIfAbsent so the first creator
// wins; they are removed only by the owning state machine at terminal state.
type Context struct {
	Applications *Registry[api.ApplicationID, *Application]
	Containers   *Registry[api.ContainerID, *Container]
}

// NewContext creates empty registries.
func NewContext() *Context {
	return &Context{
		Applications: NewRegistry[api.ApplicationID, *Application](),
		Containers:   NewRegistry[api.ContainerID, *Container](),
	}
}

// ContainerStatuses snapshots every known container for heartbeat
// reporting. Snapshots are consistent per container, not across containers.
func (c *Context) ContainerStatuses() []api.ContainerStatus {
	out := make([]api.ContainerStatus, 0, c.Containers.Len())
	c.Containers.Range(func(_ api.ContainerID, ctr *Container) bool {
		out = append(out, ctr.Status())
		return true
	})
	return out
}
